package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	blobcore "sterilcore/internal/blob/core"
	"sterilcore/internal/clock"
	"sterilcore/pkg/domain"
)

// Severity thresholds on the number of affected tools.
const (
	mediumSeverityMaxTools = 5
	highSeverityMaxTools   = 20
)

// CascadeEngine turns a failing BI test into an incident covering every
// batch sterilised since the last passing test, and answers whether a tool
// is cleared for reuse.
type CascadeEngine struct {
	store   domain.PersistentStore
	policy  *Policy
	archive blobcore.Store
	logger  Logger
}

func newCascadeEngine(store domain.PersistentStore, policy *Policy, archive blobcore.Store, logger Logger) *CascadeEngine {
	if logger == nil {
		logger = noopLogger{}
	}
	return &CascadeEngine{store: store, policy: policy, archive: archive, logger: logger}
}

// Impact is the blast radius of a failing test.
type Impact struct {
	LastPass   *time.Time
	Failure    time.Time
	CycleIDs   []string
	BatchCodes []string
	ToolIDs    []string
}

// Severity grades the impact.
func (i Impact) Severity() domain.IncidentSeverity {
	switch {
	case len(i.CycleIDs) == 0:
		return domain.IncidentSeverityLow
	case len(i.ToolIDs) <= mediumSeverityMaxTools:
		return domain.IncidentSeverityMedium
	case len(i.ToolIDs) <= highSeverityMaxTools:
		return domain.IncidentSeverityHigh
	default:
		return domain.IncidentSeverityCritical
	}
}

// Assess computes the window (L, F] for a failing test and the cycles whose
// BI-gated phase started inside it. L is the latest final passing test
// strictly before F; without one the window reaches back to the first
// recorded cycle.
func (e *CascadeEngine) Assess(view domain.TransactionView, failing domain.BITestResult) Impact {
	impact := Impact{Failure: failing.TestDate}
	for _, r := range view.ListTestResults(failing.FacilityID) {
		if r.Result != domain.TestPass || r.Status != domain.TestResultFinal || !r.TestDate.Before(failing.TestDate) {
			continue
		}
		if impact.LastPass == nil || r.TestDate.After(*impact.LastPass) {
			t := r.TestDate
			impact.LastPass = &t
		}
	}

	tools := make(map[string]struct{})
	codes := make(map[string]struct{})
	for _, c := range view.ListCycles() {
		if c.FacilityID != failing.FacilityID {
			continue
		}
		hit := false
		for _, p := range c.Phases {
			if p.StartedAt == nil || !e.requiresBI(p.PhaseID) {
				continue
			}
			if impact.LastPass != nil && !p.StartedAt.After(*impact.LastPass) {
				continue
			}
			if p.StartedAt.After(failing.TestDate) {
				continue
			}
			hit = true
			members := p.ToolIDs
			if len(members) == 0 {
				members = c.ToolIDs
			}
			for _, id := range members {
				tools[id] = struct{}{}
			}
		}
		if !hit {
			continue
		}
		impact.CycleIDs = append(impact.CycleIDs, c.ID)
		if c.BatchCode != "" {
			codes[c.BatchCode] = struct{}{}
		}
	}
	sort.Strings(impact.CycleIDs)
	impact.ToolIDs = sortedKeys(tools)
	impact.BatchCodes = sortedKeys(codes)
	return impact
}

func (e *CascadeEngine) requiresBI(phaseID string) bool {
	def, ok := e.policy.Registry().Get(phaseID)
	return ok && def.RequiresBI
}

// Apply records the incident for a failing test inside tx. It is idempotent
// per failing test id. A sequence failure aborts the transaction.
func (e *CascadeEngine) Apply(tx domain.Transaction, failing domain.BITestResult, detectedBy string) (domain.BIFailureIncident, error) {
	if failing.Result != domain.TestFail {
		return domain.BIFailureIncident{}, fmt.Errorf("test %s is %s, not a failure: %w", failing.ID, failing.Result, domain.ErrInvalidResult)
	}
	view := tx.Snapshot()
	for _, inc := range view.ListIncidents(failing.FacilityID) {
		if inc.FailingTestID == failing.ID {
			return inc, nil
		}
	}
	impact := e.Assess(view, failing)
	// numbered by the facility's calendar day, not the zone the caller used
	day := failing.TestDate.In(e.policy.Clock().Now().Location())
	seq, err := tx.NextIncidentSequence(failing.FacilityID, day)
	if err != nil {
		return domain.BIFailureIncident{}, fmt.Errorf("reserve incident number: %w", err)
	}
	return tx.CreateIncident(domain.BIFailureIncident{
		FacilityID:         failing.FacilityID,
		IncidentNumber:     IncidentNumber(day, seq),
		FailureDate:        failing.TestDate,
		LastPassDate:       impact.LastPass,
		FailingTestID:      failing.ID,
		AffectedBatchIDs:   impact.CycleIDs,
		AffectedBatchCodes: impact.BatchCodes,
		AffectedToolIDs:    impact.ToolIDs,
		AffectedToolCount:  len(impact.ToolIDs),
		Severity:           impact.Severity(),
		DetectedBy:         detectedBy,
		Status:             domain.IncidentActive,
	})
}

// IncidentNumber formats BI-FAIL-<YYYYMMDD>-<NNN>.
func IncidentNumber(day time.Time, seq int) string {
	return fmt.Sprintf("BI-FAIL-%s-%03d", clock.DateKey(day), seq)
}

// ActiveIncidents lists unresolved incidents of a facility.
func (e *CascadeEngine) ActiveIncidents(ctx context.Context, facilityID string) ([]domain.BIFailureIncident, error) {
	var out []domain.BIFailureIncident
	err := e.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListActiveIncidents(facilityID)
		return nil
	})
	return out, err
}

// ValidateToolForUse reports false while any active incident of the
// facility lists the tool.
func (e *CascadeEngine) ValidateToolForUse(ctx context.Context, toolID, facilityID string) (bool, error) {
	blocked := false
	err := e.store.View(ctx, func(v domain.TransactionView) error {
		_, blocked = blockingIncident(v, facilityID, toolID)
		return nil
	})
	if err != nil {
		return false, err
	}
	return !blocked, nil
}

// ResolveIncident closes an active incident of the facility. Repeating the
// same resolution is a no-op; a different one fails with ErrIncidentResolved.
func (e *CascadeEngine) ResolveIncident(ctx context.Context, incidentID, facilityID, resolver, notes string) (domain.BIFailureIncident, error) {
	name, err := validateOperator(resolver)
	if err != nil {
		return domain.BIFailureIncident{}, err
	}
	notes = strings.TrimSpace(notes)
	var resolved domain.BIFailureIncident
	changed := false
	_, err = e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		inc, ok := tx.FindIncident(incidentID)
		if !ok || inc.FacilityID != facilityID {
			return domain.ErrNotFound{Entity: domain.EntityIncident, ID: incidentID}
		}
		if inc.Status == domain.IncidentResolved {
			if inc.ResolvedBy == name && inc.ResolutionNotes == notes {
				resolved = inc
				return nil
			}
			return fmt.Errorf("incident %s: %w", inc.IncidentNumber, domain.ErrIncidentResolved)
		}
		now := e.policy.Clock().Now()
		updated, err := tx.UpdateIncident(incidentID, func(i *domain.BIFailureIncident) error {
			i.Status = domain.IncidentResolved
			i.ResolvedBy = name
			i.ResolutionNotes = notes
			i.ResolvedAt = &now
			return nil
		})
		resolved = updated
		changed = err == nil
		return err
	})
	if err != nil {
		return domain.BIFailureIncident{}, err
	}
	if changed {
		e.archiveReport(ctx, resolved)
	}
	return resolved, nil
}

// ReportKey is the archive key of an incident report revision.
func ReportKey(inc domain.BIFailureIncident) string {
	return fmt.Sprintf("incidents/%s/%s-%s.json", inc.FacilityID, inc.IncidentNumber, inc.Status)
}

// archiveReport writes the incident as JSON to the archive. Failures are
// logged; the incident itself is already committed.
func (e *CascadeEngine) archiveReport(ctx context.Context, inc domain.BIFailureIncident) {
	if e.archive == nil {
		return
	}
	raw, err := json.MarshalIndent(inc, "", "  ")
	if err != nil {
		e.logger.Warn("incident report encoding failed", "incident", inc.IncidentNumber, "error", err)
		return
	}
	key := ReportKey(inc)
	_, err = e.archive.Put(ctx, key, bytes.NewReader(raw), blobcore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"facility": inc.FacilityID,
			"severity": string(inc.Severity),
			"status":   string(inc.Status),
		},
	})
	switch {
	case err == nil:
		e.logger.Info("incident report archived", "incident", inc.IncidentNumber, "key", key, "driver", e.archive.Driver())
	case errors.Is(err, blobcore.ErrExists):
		e.logger.Debug("incident report already archived", "key", key)
	default:
		e.logger.Warn("incident report archive failed", "incident", inc.IncidentNumber, "key", key, "error", err)
	}
}

// blockingIncident returns the first active incident listing the tool.
func blockingIncident(view domain.TransactionView, facilityID, toolID string) (domain.BIFailureIncident, bool) {
	for _, inc := range view.ListActiveIncidents(facilityID) {
		if inc.AffectsTool(toolID) {
			return inc, true
		}
	}
	return domain.BIFailureIncident{}, false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GetActiveIncidents lists unresolved incidents of the service facility.
func (s *Service) GetActiveIncidents(ctx context.Context) ([]domain.BIFailureIncident, error) {
	return s.cascade.ActiveIncidents(ctx, s.facilityID)
}

// ListIncidents lists every incident of the service facility.
func (s *Service) ListIncidents(ctx context.Context) ([]domain.BIFailureIncident, error) {
	var out []domain.BIFailureIncident
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListIncidents(s.facilityID)
		return nil
	})
	return out, err
}

// ResolveIncident resolves an incident scoped to facilityID.
func (s *Service) ResolveIncident(ctx context.Context, incidentID, facilityID, resolver, notes string) (domain.BIFailureIncident, error) {
	var resolved domain.BIFailureIncident
	err := s.observe(ctx, "resolve_incident", func(ctx context.Context) (string, error) {
		inc, err := s.cascade.ResolveIncident(ctx, incidentID, facilityID, resolver, notes)
		resolved = inc
		return incidentID, err
	})
	return resolved, err
}

// ValidateToolForUse reports whether the tool is clear of active incidents.
func (s *Service) ValidateToolForUse(ctx context.Context, toolID, facilityID string) (bool, error) {
	return s.cascade.ValidateToolForUse(ctx, toolID, facilityID)
}
