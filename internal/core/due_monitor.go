package core

import (
	"context"
	"sync"
	"time"

	"sterilcore/internal/clock"
)

// DueStatus is the outcome of one BI-due evaluation.
type DueStatus struct {
	FacilityID   string
	Due          bool
	Remind       bool
	OptedOut     bool
	Enforced     bool
	Satisfied    bool
	LastTestDate *time.Time
	CheckedAt    time.Time
}

func evaluateDue(ctx context.Context, t *BITracker) (DueStatus, error) {
	last := t.LastTestDate()
	now := t.policy.Clock().Now()
	optedOut := t.OptedOut()
	due := IsDue(last, now)
	satisfied, err := t.ComplianceSatisfied(ctx)
	return DueStatus{
		FacilityID:   t.facilityID,
		Due:          due,
		Remind:       due && !optedOut,
		OptedOut:     optedOut,
		Enforced:     t.policy.EnforceBI(),
		Satisfied:    satisfied,
		LastTestDate: last,
		CheckedAt:    now,
	}, err
}

// DueMonitor polls the BI-due rule on a fixed interval and also re-checks
// whenever the tracker records a result, fanning statuses out to subscribers.
type DueMonitor struct {
	tracker  *BITracker
	clock    clock.Clock
	interval time.Duration

	mu       sync.Mutex
	timer    clock.Timer
	running  bool
	nextID   int
	subs     map[int]func(DueStatus)
	observed bool
	last     DueStatus
}

// NewDueMonitor builds a stopped monitor.
func NewDueMonitor(tracker *BITracker, clk clock.Clock, interval time.Duration) *DueMonitor {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = DefaultDuePollInterval
	}
	return &DueMonitor{tracker: tracker, clock: clk, interval: interval, subs: make(map[int]func(DueStatus))}
}

// Subscribe registers fn for every evaluated status and returns its cancel func.
func (m *DueMonitor) Subscribe(fn func(DueStatus)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Start evaluates immediately and then every interval until Stop.
func (m *DueMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	if !m.observed {
		m.observed = true
		m.tracker.Observe(func(ResultEvent) { m.Check() })
	}
	m.mu.Unlock()
	m.tick()
}

func (m *DueMonitor) tick() {
	m.Check()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.timer = m.clock.AfterFunc(m.interval, m.tick)
	}
}

// Stop halts polling. Pushed re-checks from the tracker are ignored while stopped.
func (m *DueMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Last returns the most recent evaluation.
func (m *DueMonitor) Last() DueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Check evaluates the due rule and notifies subscribers.
func (m *DueMonitor) Check() DueStatus {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return m.Last()
	}
	m.mu.Unlock()
	status, err := evaluateDue(context.Background(), m.tracker)
	if err != nil {
		m.tracker.logger.Warn("bi due check failed", "facility", m.tracker.facilityID, "error", err)
	}
	m.mu.Lock()
	m.last = status
	subs := make([]func(DueStatus), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
	return status
}
