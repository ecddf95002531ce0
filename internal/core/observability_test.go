package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sterilcore/pkg/domain"
)

type recordingTracer struct {
	started []string
	ended   []error
}

type recordingSpan struct {
	tracer *recordingTracer
}

func (r *recordingTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	r.started = append(r.started, op)
	return ctx, recordingSpan{tracer: r}
}

func (s recordingSpan) End(err error) { s.tracer.ended = append(s.tracer.ended, err) }

func TestServiceAuditsOperations(t *testing.T) {
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	tracer := &recordingTracer{}
	svc, _ := newTestService(t, WithAuditRecorder(audit), WithMetricsRecorder(metrics), WithTracer(tracer))
	ctx := context.Background()

	tools := registerTools(t, svc, 1)
	if _, err := svc.AddToolToCycle(ctx, "missing", tools[0]); err == nil {
		t.Fatal("expected failure for missing cycle")
	}

	if len(audit.entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(audit.entries))
	}
	ok, failed := audit.entries[0], audit.entries[1]
	if ok.Operation != "register_tool" || ok.Entity != domain.EntityTool || ok.Action != domain.ActionCreate ||
		ok.Status != AuditStatusSuccess || ok.EntityID != tools[0] || !ok.Timestamp.Equal(testStart) {
		t.Fatalf("unexpected success entry %+v", ok)
	}
	if failed.Operation != "add_tool_to_cycle" || failed.Status != AuditStatusError || failed.Error == "" {
		t.Fatalf("unexpected failure entry %+v", failed)
	}
	want := []metricCall{{"register_tool", true}, {"add_tool_to_cycle", false}}
	if len(metrics.calls) != len(want) || metrics.calls[0] != want[0] || metrics.calls[1] != want[1] {
		t.Fatalf("unexpected metric calls %+v", metrics.calls)
	}
	if len(tracer.started) != 2 || tracer.ended[0] != nil || tracer.ended[1] == nil {
		t.Fatalf("unexpected spans %v %v", tracer.started, tracer.ended)
	}
}

func TestReadOperationsAreNotAudited(t *testing.T) {
	audit := &captureAuditRecorder{}
	svc, _ := newTestService(t, WithAuditRecorder(audit))
	ctx := context.Background()
	_, _ = svc.ListTools(ctx)
	_, _ = svc.ListCycles(ctx)
	_, _ = svc.CheckBITestDue(ctx)
	if len(audit.entries) != 0 {
		t.Fatalf("reads should not be audited: %+v", audit.entries)
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	rec.Observe(context.Background(), "start_cycle", true, 20*time.Millisecond)
	rec.Observe(context.Background(), "start_cycle", false, time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Millisecond)

	if got := testutil.ToFloat64(rec.results.WithLabelValues("start_cycle", "success")); got != 1 {
		t.Fatalf("success count = %v", got)
	}
	if got := testutil.ToFloat64(rec.results.WithLabelValues("start_cycle", "error")); got != 1 {
		t.Fatalf("error count = %v", got)
	}
	if n := testutil.CollectAndCount(rec.durations); n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestZapAdapters(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := zap.New(core)
	svc, _ := newTestService(t, WithLogger(NewZapLogger(l)), WithAuditRecorder(NewZapAuditRecorder(l)))

	if _, err := svc.StartNewCycle(context.Background(), "x"); !errors.Is(err, domain.ErrInvalidOperator) {
		t.Fatalf("expected operator rejection, got %v", err)
	}
	if _, err := svc.StartNewCycle(context.Background(), "Alice"); err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	audits := logs.FilterLoggerName("audit").All()
	if len(audits) != 1 {
		t.Fatalf("expected one audit line, got %d", len(audits))
	}
	fields := audits[0].ContextMap()
	if fields["operation"] != "start_cycle" || fields["status"] != "success" || fields["entity"] != "cycle" {
		t.Fatalf("unexpected audit fields %v", fields)
	}
	debug := logs.FilterMessage("operation completed").All()
	if len(debug) != 1 || debug[0].Level != zapcore.DebugLevel {
		t.Fatalf("expected a debug completion line, got %d", len(debug))
	}
	if !strings.Contains(debug[0].ContextMap()["operation"].(string), "start_cycle") {
		t.Fatalf("unexpected completion fields %v", debug[0].ContextMap())
	}
}

func TestNilZapLoggerIsSafe(t *testing.T) {
	NewZapLogger(nil).Error("ignored", "k", "v")
	NewZapAuditRecorder(nil).Record(context.Background(), AuditEntry{Operation: "x"})
}
