package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusMetricsRecorder publishes operation latency and outcome counters.
type PrometheusMetricsRecorder struct {
	durations *prometheus.HistogramVec
	results   *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the service collectors with reg.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	rec := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sterilcore",
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Latency of service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sterilcore",
			Subsystem: "service",
			Name:      "operations_total",
			Help:      "Service operations by outcome.",
		}, []string{"operation", "status"}),
	}
	if err := reg.Register(rec.durations); err != nil {
		return nil, err
	}
	if err := reg.Register(rec.results); err != nil {
		return nil, err
	}
	return rec, nil
}

// Observe records a service operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, status).Inc()
}

// ZapLogger adapts a zap logger to the service Logger interface.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps l. A nil logger yields a no-op zap logger.
func NewZapLogger(l *zap.Logger) ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return ZapLogger{s: l.Sugar()}
}

func (z ZapLogger) Debug(msg string, args ...any) { z.s.Debugw(msg, args...) }
func (z ZapLogger) Info(msg string, args ...any)  { z.s.Infow(msg, args...) }
func (z ZapLogger) Warn(msg string, args ...any)  { z.s.Warnw(msg, args...) }
func (z ZapLogger) Error(msg string, args ...any) { z.s.Errorw(msg, args...) }

// ZapAuditRecorder writes audit entries as structured log lines.
type ZapAuditRecorder struct {
	l *zap.Logger
}

// NewZapAuditRecorder logs audit entries to l under the "audit" logger name.
func NewZapAuditRecorder(l *zap.Logger) ZapAuditRecorder {
	if l == nil {
		l = zap.NewNop()
	}
	return ZapAuditRecorder{l: l.Named("audit")}
}

// Record implements AuditRecorder.
func (z ZapAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("entity", string(entry.Entity)),
		zap.String("action", string(entry.Action)),
		zap.String("entity_id", entry.EntityID),
		zap.String("status", string(entry.Status)),
		zap.Duration("duration", entry.Duration),
		zap.Time("timestamp", entry.Timestamp),
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	z.l.Info("audit", fields...)
}
