package core

import (
	"context"
	"time"

	"sterilcore/pkg/domain"
)

// Logger is the structured logging surface used by the service. Arguments
// after the message are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// AuditStatus captures the outcome of an audited operation.
type AuditStatus string

// Audit outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry records one service operation for the compliance trail.
type AuditEntry struct {
	Operation string
	Entity    domain.EntityType
	Action    domain.Action
	EntityID  string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

// MetricsRecorder observes operation latency and outcome.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type operationMeta struct {
	entity domain.EntityType
	action domain.Action
}

var auditedOperations = map[string]operationMeta{
	"register_tool":      {domain.EntityTool, domain.ActionCreate},
	"release_tool":       {domain.EntityTool, domain.ActionUpdate},
	"start_cycle":        {domain.EntityCycle, domain.ActionCreate},
	"add_tool_to_cycle":  {domain.EntityCycle, domain.ActionUpdate},
	"add_phase_to_cycle": {domain.EntityCycle, domain.ActionUpdate},
	"start_phase":        {domain.EntityCycle, domain.ActionUpdate},
	"complete_phase":     {domain.EntityCycle, domain.ActionUpdate},
	"verify_cycle":       {domain.EntityCycle, domain.ActionUpdate},
	"cancel_cycle":       {domain.EntityCycle, domain.ActionUpdate},
	"record_bi_result":   {domain.EntityTestResult, domain.ActionCreate},
	"resolve_incident":   {domain.EntityIncident, domain.ActionUpdate},
	"generate_batch":     {domain.EntityBatchCode, domain.ActionCreate},
}

// observe wraps an operation with tracing, metrics, audit and error logging.
// fn returns the id of the affected record.
func (s *Service) observe(ctx context.Context, op string, fn func(ctx context.Context) (string, error)) error {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	id, err := fn(ctx)
	span.End(err)
	elapsed := time.Since(started)
	s.metrics.Observe(ctx, op, err == nil, elapsed)
	if err != nil {
		s.logger.Warn("operation failed", "operation", op, "id", id, "error", err)
		s.recordAudit(ctx, op, id, elapsed, err)
		return err
	}
	s.logger.Debug("operation completed", "operation", op, "id", id, "duration", elapsed)
	s.recordAudit(ctx, op, id, elapsed, nil)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	meta, ok := auditedOperations[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}
