package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sterilcore/internal/clock"
	"sterilcore/internal/infra/persistence/memory"
	"sterilcore/internal/reconcile"
	"sterilcore/pkg/domain"
)

var testStart = time.Date(2026, time.March, 10, 7, 0, 0, 0, time.UTC)

type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *captureLogger) log(level, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, level+":"+msg)
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, _ ...any) { l.log("debug", msg) }
func (l *captureLogger) Info(msg string, _ ...any)  { l.log("info", msg) }
func (l *captureLogger) Warn(msg string, _ ...any)  { l.log("warn", msg) }
func (l *captureLogger) Error(msg string, _ ...any) { l.log("error", msg) }

func (l *captureLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e == entry {
			return true
		}
	}
	return false
}

type captureAuditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (r *captureAuditRecorder) Record(_ context.Context, e AuditEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

type metricCall struct {
	operation string
	success   bool
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricCall
}

func (r *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	r.mu.Lock()
	r.calls = append(r.calls, metricCall{operation: op, success: success})
	r.mu.Unlock()
}

var errStoreDown = errors.New("store unreachable")

// flakyStore fails the next n transactions before delegating.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) failNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func (f *flakyStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return domain.Result{}, errStoreDown
	}
	f.mu.Unlock()
	return f.Store.RunInTransaction(ctx, fn)
}

func noRetryQueue() *reconcile.Queue {
	return reconcile.NewQueue(reconcile.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 0)
	}))
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	policy := NewPolicy(nil, clk, true)
	svc := NewInMemoryService(policy, append([]ServiceOption{WithFacility("fac-1")}, opts...)...)
	t.Cleanup(svc.Close)
	return svc, clk
}

func newFlakyService(t *testing.T, opts ...ServiceOption) (*Service, *clock.Fake, *flakyStore) {
	t.Helper()
	clk := clock.NewFake(testStart)
	policy := NewPolicy(nil, clk, true)
	store := &flakyStore{Store: memory.NewStore(NewDefaultRulesEngine(policy), memory.WithNowFunc(clk.Now))}
	base := []ServiceOption{WithFacility("fac-1"), WithReconcileQueue(noRetryQueue())}
	svc := NewService(store, policy, append(base, opts...)...)
	t.Cleanup(svc.Close)
	return svc, clk, store
}

func registerTools(t *testing.T, svc *Service, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		tool, err := svc.RegisterTool(context.Background(), fmt.Sprintf("TL-%04d", len(mustListTools(t, svc))+1), fmt.Sprintf("forceps %d", i))
		if err != nil {
			t.Fatalf("register tool: %v", err)
		}
		ids = append(ids, tool.ID)
	}
	return ids
}

func mustListTools(t *testing.T, svc *Service) []domain.Tool {
	t.Helper()
	tools, err := svc.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	return tools
}

func recordResult(t *testing.T, svc *Service, outcome domain.TestOutcome) WriteResult {
	t.Helper()
	res, err := svc.RecordBITestResult(context.Background(), domain.BITestResult{
		OperatorID: "op-7",
		Result:     outcome,
		LotNumber:  "LOT-42",
	})
	if err != nil {
		t.Fatalf("record %s: %v", outcome, err)
	}
	return res
}

// runCycle drives a new cycle with the given tools through every phase of
// the registry, letting each phase clock expire.
func runCycle(t *testing.T, svc *Service, clk *clock.Fake, toolIDs ...string) domain.Cycle {
	t.Helper()
	ctx := context.Background()
	cycle, err := svc.StartNewCycle(ctx, "Alice")
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	for _, id := range toolIDs {
		if _, err := svc.AddToolToCycle(ctx, cycle.ID, id); err != nil {
			t.Fatalf("add tool: %v", err)
		}
	}
	for _, def := range svc.Policy().Registry().List() {
		if _, err := svc.AddPhaseToCycle(ctx, cycle.ID, def.ID, 0); err != nil {
			t.Fatalf("add phase %s: %v", def.ID, err)
		}
		if _, err := svc.StartPhase(ctx, cycle.ID, def.ID); err != nil {
			t.Fatalf("start phase %s: %v", def.ID, err)
		}
		clk.Advance(def.Duration)
	}
	out, err := svc.GetCycle(ctx, cycle.ID)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	return out
}
