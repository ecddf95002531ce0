package core

import (
	"sync"
	"testing"
	"time"

	"sterilcore/pkg/domain"
)

type statusLog struct {
	mu       sync.Mutex
	statuses []DueStatus
}

func (l *statusLog) add(s DueStatus) {
	l.mu.Lock()
	l.statuses = append(l.statuses, s)
	l.mu.Unlock()
}

func (l *statusLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.statuses)
}

func (l *statusLog) last() DueStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[len(l.statuses)-1]
}

func TestDueMonitorPolls(t *testing.T) {
	svc, clk := newTestService(t, WithDuePollInterval(5*time.Minute))
	mon := svc.NewDueMonitor()
	var log statusLog
	cancel := mon.Subscribe(log.add)
	defer cancel()

	mon.Start()
	defer mon.Stop()
	if log.len() != 1 || !log.last().Due || !log.last().Remind {
		t.Fatalf("expected an immediate due status, got %+v", log.statuses)
	}
	clk.Advance(4 * time.Minute)
	if log.len() != 1 {
		t.Fatalf("polled early: %d", log.len())
	}
	clk.Advance(time.Minute)
	if log.len() != 2 {
		t.Fatalf("expected a poll after 5 minutes, got %d", log.len())
	}
	clk.Advance(10 * time.Minute)
	if log.len() != 4 {
		t.Fatalf("expected 4 polls after 15 minutes, got %d", log.len())
	}
	if !mon.Last().CheckedAt.Equal(testStart.Add(15 * time.Minute)) {
		t.Fatalf("unexpected last check time %s", mon.Last().CheckedAt)
	}
}

func TestDueMonitorPushesOnRecord(t *testing.T) {
	svc, clk := newTestService(t)
	mon := svc.NewDueMonitor()
	var log statusLog
	mon.Subscribe(log.add)
	mon.Start()

	recordResult(t, svc, domain.TestPass)
	if log.len() != 2 {
		t.Fatalf("expected a pushed status after recording, got %d", log.len())
	}
	got := log.last()
	if got.Due || got.Remind || !got.Satisfied || got.LastTestDate == nil {
		t.Fatalf("unexpected status after pass %+v", got)
	}

	mon.Stop()
	recordResult(t, svc, domain.TestPass)
	clk.Advance(time.Hour)
	if log.len() != 2 {
		t.Fatalf("stopped monitor kept publishing: %d", log.len())
	}
	if clk.Pending() != 0 {
		t.Fatalf("poll timer left behind: %d", clk.Pending())
	}
}

func TestDueMonitorUnsubscribe(t *testing.T) {
	svc, _ := newTestService(t)
	mon := svc.NewDueMonitor()
	var log statusLog
	cancel := mon.Subscribe(log.add)
	mon.Start()
	defer mon.Stop()
	cancel()
	mon.Check()
	if log.len() != 1 {
		t.Fatalf("cancelled subscriber still notified: %d", log.len())
	}
}
