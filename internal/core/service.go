package core

import (
	"context"
	"crypto/rand"
	"io"
	"strings"
	"time"

	blobcore "sterilcore/internal/blob/core"
	"sterilcore/internal/clock"
	"sterilcore/internal/infra/persistence/memory"
	"sterilcore/internal/phaseclock"
	"sterilcore/internal/reconcile"
	"sterilcore/pkg/domain"
)

// DefaultFacilityID scopes records when no facility is configured.
const DefaultFacilityID = "default"

// DefaultDuePollInterval is the fixed cadence of the BI-due check.
const DefaultDuePollInterval = 5 * time.Minute

// Service is the application facade over the compliance engine. It owns the
// phase clocks, the BI tracker and the cascade engine for one facility.
type Service struct {
	store      domain.PersistentStore
	policy     *Policy
	clock      clock.Clock
	facilityID string

	logger  Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer

	phases  *phaseclock.Clock
	tracker *BITracker
	cascade *CascadeEngine
	batches *BatchCodeGenerator
	archive blobcore.Store
	queue   *reconcile.Queue
	duePoll time.Duration
}

// ServiceOption customises service construction.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	clock      clock.Clock
	logger     Logger
	audit      AuditRecorder
	metrics    MetricsRecorder
	tracer     Tracer
	facilityID string
	archive    blobcore.Store
	queue      *reconcile.Queue
	duePoll    time.Duration
	entropy    io.Reader
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		logger:     noopLogger{},
		audit:      noopAuditRecorder{},
		metrics:    noopMetricsRecorder{},
		tracer:     noopTracer{},
		facilityID: DefaultFacilityID,
		duePoll:    DefaultDuePollInterval,
		entropy:    rand.Reader,
	}
}

// WithClock sets the clock used when no policy is supplied. A supplied
// policy always brings its own clock.
func WithClock(c clock.Clock) ServiceOption {
	return func(o *serviceOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l Logger) ServiceOption {
	return func(o *serviceOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAuditRecorder sets the audit trail sink.
func WithAuditRecorder(r AuditRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if r != nil {
			o.audit = r
		}
	}
}

// WithMetricsRecorder sets the operation metrics sink.
func WithMetricsRecorder(r MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithTracer sets the span factory.
func WithTracer(t Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithFacility scopes the service to a facility id.
func WithFacility(id string) ServiceOption {
	return func(o *serviceOptions) {
		if id = strings.TrimSpace(id); id != "" {
			o.facilityID = id
		}
	}
}

// WithBlobStore enables archiving of incident reports.
func WithBlobStore(store blobcore.Store) ServiceOption {
	return func(o *serviceOptions) { o.archive = store }
}

// WithReconcileQueue replaces the pending-write queue.
func WithReconcileQueue(q *reconcile.Queue) ServiceOption {
	return func(o *serviceOptions) {
		if q != nil {
			o.queue = q
		}
	}
}

// WithDuePollInterval overrides the BI-due poll cadence.
func WithDuePollInterval(d time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if d > 0 {
			o.duePoll = d
		}
	}
}

// WithEntropy replaces the random source mixed into batch codes.
func WithEntropy(r io.Reader) ServiceOption {
	return func(o *serviceOptions) {
		if r != nil {
			o.entropy = r
		}
	}
}

// NewService wires a service over store. The store is expected to evaluate
// NewDefaultRulesEngine(policy); a nil policy uses the default phase table
// with BI enforcement on.
func NewService(store domain.PersistentStore, policy *Policy, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if policy == nil {
		policy = NewPolicy(nil, o.clock, true)
	}
	if o.queue == nil {
		o.queue = reconcile.NewQueue()
	}
	s := &Service{
		store:      store,
		policy:     policy,
		clock:      policy.Clock(),
		facilityID: o.facilityID,
		logger:     o.logger,
		audit:      o.audit,
		metrics:    o.metrics,
		tracer:     o.tracer,
		archive:    o.archive,
		queue:      o.queue,
		duePoll:    o.duePoll,
	}
	s.batches = NewBatchCodeGenerator(s.clock, o.entropy)
	s.cascade = newCascadeEngine(store, policy, o.archive, o.logger)
	s.tracker = newBITracker(store, policy, s.cascade, o.queue, o.facilityID, o.logger)
	s.tracker.Observe(s.onTrackerWrite)
	s.phases = phaseclock.New(s.clock, s.onPhaseSignal)
	if err := s.tracker.Refresh(context.Background()); err != nil {
		s.logger.Warn("bi tracker refresh failed", "facility", s.facilityID, "error", err)
	}
	return s
}

// NewInMemoryService builds a service over a fresh in-memory store.
func NewInMemoryService(policy *Policy, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if policy == nil {
		policy = NewPolicy(nil, o.clock, true)
	}
	store := memory.NewStore(NewDefaultRulesEngine(policy), memory.WithNowFunc(policy.Clock().Now))
	return NewService(store, policy, opts...)
}

// Store exposes the underlying persistent store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Policy returns the compliance policy.
func (s *Service) Policy() *Policy { return s.policy }

// FacilityID returns the facility the service is scoped to.
func (s *Service) FacilityID() string { return s.facilityID }

// Tracker returns the BI test tracker.
func (s *Service) Tracker() *BITracker { return s.tracker }

// Cascade returns the BI failure cascade engine.
func (s *Service) Cascade() *CascadeEngine { return s.cascade }

// ReconcileQueue returns the pending-write queue.
func (s *Service) ReconcileQueue() *reconcile.Queue { return s.queue }

// PhaseClock returns the phase countdowns owned by the service.
func (s *Service) PhaseClock() *phaseclock.Clock { return s.phases }

// NewDueMonitor builds a monitor over the service's tracker using the
// configured poll interval.
func (s *Service) NewDueMonitor() *DueMonitor {
	return NewDueMonitor(s.tracker, s.clock, s.duePoll)
}

// Close stops every phase countdown. Active phases stay active in the store
// and are picked up again by ResumeActivePhases.
func (s *Service) Close() {
	s.phases.Stop()
}

func (s *Service) onTrackerWrite(ev ResultEvent) {
	if ev.Status != WriteConfirmed || ev.Result.Result != domain.TestPass {
		return
	}
	if _, err := s.VerifyPendingCycles(context.Background()); err != nil {
		s.logger.Warn("pending cycle verification failed", "facility", s.facilityID, "error", err)
	}
}
