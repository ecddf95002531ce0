package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"sterilcore/internal/clock"
	"sterilcore/internal/reconcile"
	"sterilcore/pkg/domain"
)

// IsDue reports whether a BI test is due: no test yet, or the last test was
// on a different calendar day than now.
func IsDue(lastTestDate *time.Time, now time.Time) bool {
	return lastTestDate == nil || !clock.SameDay(*lastTestDate, now)
}

// ResultEvent is pushed to tracker observers after every write.
type ResultEvent struct {
	Result   domain.BITestResult
	Status   WriteStatus
	Incident *domain.BIFailureIncident
}

// BITracker owns the daily BI test state of one facility: the last test
// date, the reminder opt-out and results applied locally but not yet
// confirmed by the store.
type BITracker struct {
	store      domain.PersistentStore
	policy     *Policy
	cascade    *CascadeEngine
	queue      *reconcile.Queue
	logger     Logger
	facilityID string

	mu           sync.Mutex
	lastTestDate *time.Time
	optedOut     bool
	pending      map[string]domain.BITestResult
	observers    []func(ResultEvent)
}

func newBITracker(store domain.PersistentStore, policy *Policy, cascade *CascadeEngine, queue *reconcile.Queue, facilityID string, logger Logger) *BITracker {
	if logger == nil {
		logger = noopLogger{}
	}
	return &BITracker{
		store:      store,
		policy:     policy,
		cascade:    cascade,
		queue:      queue,
		logger:     logger,
		facilityID: facilityID,
		pending:    make(map[string]domain.BITestResult),
	}
}

// Refresh reloads the last test date from the store.
func (t *BITracker) Refresh(ctx context.Context) error {
	var latest *time.Time
	err := t.store.View(ctx, func(v domain.TransactionView) error {
		for _, r := range v.ListTestResults(t.facilityID) {
			if latest == nil || r.TestDate.After(*latest) {
				d := r.TestDate
				latest = &d
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if latest != nil {
		t.advance(*latest)
	}
	return nil
}

// Observe registers fn to receive every write outcome.
func (t *BITracker) Observe(fn func(ResultEvent)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// LastTestDate returns the most recent test date seen, if any.
func (t *BITracker) LastTestDate() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastTestDate == nil {
		return nil
	}
	d := *t.lastTestDate
	return &d
}

// IsDue applies IsDue to the tracker state and policy clock.
func (t *BITracker) IsDue() bool {
	return IsDue(t.LastTestDate(), t.policy.Clock().Now())
}

// OptOut silences the due reminder. It does not satisfy enforcement.
func (t *BITracker) OptOut() {
	t.mu.Lock()
	t.optedOut = true
	t.mu.Unlock()
}

// OptIn re-enables the due reminder.
func (t *BITracker) OptIn() {
	t.mu.Lock()
	t.optedOut = false
	t.mu.Unlock()
}

// OptedOut reports the reminder opt-out flag.
func (t *BITracker) OptedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.optedOut
}

// ShouldRemind reports whether the due reminder should be shown.
func (t *BITracker) ShouldRemind() bool {
	return t.IsDue() && !t.OptedOut()
}

// ComplianceSatisfied reports whether a cycle ending in the final phase
// could complete right now. Opt-out has no effect here.
func (t *BITracker) ComplianceSatisfied(ctx context.Context) (bool, error) {
	if !t.policy.requiresDailyPass(t.policy.Registry().Final().ID) {
		return true, nil
	}
	satisfied := false
	err := t.store.View(ctx, func(v domain.TransactionView) error {
		satisfied = t.policy.passedToday(v.ListTestResults(t.facilityID))
		return nil
	})
	return satisfied, err
}

// Pending returns results applied locally that await store confirmation.
func (t *BITracker) Pending() []domain.BITestResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.BITestResult, 0, len(t.pending))
	for _, r := range t.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestDate.Before(out[j].TestDate) })
	return out
}

// Results returns confirmed results of the facility followed by pending ones.
func (t *BITracker) Results(ctx context.Context) ([]domain.BITestResult, error) {
	var out []domain.BITestResult
	err := t.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListTestResults(t.facilityID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append(out, t.Pending()...), nil
}

// RecordResult appends a test result and, for a failure, runs the cascade
// in the same transaction. Recording an id that already exists returns the
// stored result. When the store cannot be reached the result is applied
// locally, queued for replay and returned with status pending.
func (t *BITracker) RecordResult(ctx context.Context, r domain.BITestResult) (WriteResult, error) {
	r, err := t.prepare(r)
	if err != nil {
		return WriteResult{}, err
	}

	var existing *domain.BITestResult
	if err := t.store.View(ctx, func(v domain.TransactionView) error {
		if found, ok := v.FindTestResult(r.ID); ok {
			existing = &found
		}
		return nil
	}); err == nil && existing != nil {
		return WriteResult{Status: WriteConfirmed, Result: *existing, Incident: t.incidentFor(ctx, existing.ID)}, nil
	}
	t.mu.Lock()
	queued, isPending := t.pending[r.ID]
	t.mu.Unlock()
	if isPending {
		return WriteResult{Status: WritePending, Result: queued}, nil
	}

	stored, incident, err := t.write(ctx, r)
	if err == nil {
		t.confirm(ctx, stored, incident)
		return WriteResult{Status: WriteConfirmed, Result: stored, Incident: incident}, nil
	}
	if isRejection(err) {
		return WriteResult{}, err
	}

	t.logger.Warn("bi result applied locally; store write failed", "id", r.ID, "facility", r.FacilityID, "error", err)
	t.mu.Lock()
	t.pending[r.ID] = r
	t.mu.Unlock()
	t.advance(r.TestDate)
	t.queue.Enqueue(reconcileKey(r.ID), t.replay(r))
	t.notify(ResultEvent{Result: r, Status: WritePending})
	return WriteResult{Status: WritePending, Result: r, Err: err}, nil
}

func (t *BITracker) prepare(r domain.BITestResult) (domain.BITestResult, error) {
	if !r.Result.IsValid() {
		return r, fmt.Errorf("result %q: %w", r.Result, domain.ErrInvalidResult)
	}
	r.OperatorID = strings.TrimSpace(r.OperatorID)
	if r.OperatorID == "" {
		return r, fmt.Errorf("operator id required: %w", domain.ErrInvalidResult)
	}
	if r.FacilityID == "" {
		r.FacilityID = t.facilityID
	}
	if r.FacilityID != t.facilityID {
		return r, fmt.Errorf("result for facility %s recorded on %s: %w", r.FacilityID, t.facilityID, domain.ErrInvalidResult)
	}
	if r.Status == "" {
		r.Status = domain.TestResultFinal
	}
	if r.TestDate.IsZero() {
		r.TestDate = t.policy.Clock().Now()
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return r, nil
}

// write persists the result and its cascade atomically.
func (t *BITracker) write(ctx context.Context, r domain.BITestResult) (domain.BITestResult, *domain.BIFailureIncident, error) {
	var stored domain.BITestResult
	var incident *domain.BIFailureIncident
	_, err := t.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		created, err := tx.CreateTestResult(r)
		if err != nil {
			return err
		}
		stored = created
		if created.Result != domain.TestFail {
			return nil
		}
		inc, err := t.cascade.Apply(tx, created, created.OperatorID)
		if err != nil {
			return err
		}
		incident = &inc
		return nil
	})
	return stored, incident, err
}

// replay is the queued retry of a pending write.
func (t *BITracker) replay(r domain.BITestResult) reconcile.Op {
	return func(ctx context.Context) error {
		stored, incident, err := t.write(ctx, r)
		switch {
		case err == nil:
			t.confirm(ctx, stored, incident)
			return nil
		case errors.Is(err, domain.ErrDuplicate):
			// An earlier attempt reached the store after all.
			var found domain.BITestResult
			ok := false
			_ = t.store.View(ctx, func(v domain.TransactionView) error {
				found, ok = v.FindTestResult(r.ID)
				return nil
			})
			if ok {
				t.confirm(ctx, found, t.incidentFor(ctx, r.ID))
				return nil
			}
			return err
		case isRejection(err):
			t.mu.Lock()
			delete(t.pending, r.ID)
			t.mu.Unlock()
			t.logger.Error("pending bi result rejected", "id", r.ID, "error", err)
			return backoff.Permanent(err)
		default:
			return err
		}
	}
}

func (t *BITracker) confirm(ctx context.Context, r domain.BITestResult, incident *domain.BIFailureIncident) {
	t.mu.Lock()
	delete(t.pending, r.ID)
	t.mu.Unlock()
	t.advance(r.TestDate)
	if incident != nil {
		t.logger.Warn("bi failure incident opened", "incident", incident.IncidentNumber,
			"severity", incident.Severity, "batches", len(incident.AffectedBatchIDs), "tools", incident.AffectedToolCount)
		t.cascade.archiveReport(ctx, *incident)
	}
	t.notify(ResultEvent{Result: r, Status: WriteConfirmed, Incident: incident})
}

func (t *BITracker) incidentFor(ctx context.Context, testID string) *domain.BIFailureIncident {
	var out *domain.BIFailureIncident
	_ = t.store.View(ctx, func(v domain.TransactionView) error {
		for _, inc := range v.ListIncidents(t.facilityID) {
			if inc.FailingTestID == testID {
				found := inc
				out = &found
				return nil
			}
		}
		return nil
	})
	return out
}

// ObserveRemote advances the last test date for a result written by another
// process. Dates only move forward.
func (t *BITracker) ObserveRemote(r domain.BITestResult) {
	if r.FacilityID != t.facilityID || r.TestDate.IsZero() {
		return
	}
	t.advance(r.TestDate)
}

func (t *BITracker) advance(d time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastTestDate == nil || d.After(*t.lastTestDate) {
		t.lastTestDate = &d
	}
}

func (t *BITracker) notify(ev ResultEvent) {
	t.mu.Lock()
	observers := append([]func(ResultEvent){}, t.observers...)
	t.mu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}

func reconcileKey(resultID string) string {
	return "bi_result/" + resultID
}

// RecordBITestResult records a test result for the service facility.
func (s *Service) RecordBITestResult(ctx context.Context, r domain.BITestResult) (WriteResult, error) {
	var out WriteResult
	err := s.observe(ctx, "record_bi_result", func(ctx context.Context) (string, error) {
		res, err := s.tracker.RecordResult(ctx, r)
		out = res
		return res.Result.ID, err
	})
	return out, err
}

// CheckBITestDue evaluates the due rule now.
func (s *Service) CheckBITestDue(ctx context.Context) (DueStatus, error) {
	return evaluateDue(ctx, s.tracker)
}
