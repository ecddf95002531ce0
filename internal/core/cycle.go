package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"sterilcore/internal/phaseclock"
	"sterilcore/pkg/domain"
)

// StartNewCycle opens a pending cycle for the operator.
func (s *Service) StartNewCycle(ctx context.Context, operator string) (domain.Cycle, error) {
	name, err := validateOperator(operator)
	if err != nil {
		return domain.Cycle{}, err
	}
	var created domain.Cycle
	err = s.observe(ctx, "start_cycle", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			c, err := tx.CreateCycle(domain.Cycle{
				FacilityID: s.facilityID,
				Operator:   name,
				StartedAt:  s.clock.Now(),
				Status:     domain.CycleStatusPending,
			})
			created = c
			return err
		})
		return created.ID, err
	})
	return created, err
}

// GetCycle returns a cycle of the facility.
func (s *Service) GetCycle(ctx context.Context, cycleID string) (domain.Cycle, error) {
	var out domain.Cycle
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		c, ok := v.FindCycle(cycleID)
		if !ok || c.FacilityID != s.facilityID {
			return domain.ErrNotFound{Entity: domain.EntityCycle, ID: cycleID}
		}
		out = c
		return nil
	})
	return out, err
}

// ListCycles returns the facility's cycles ordered by start time.
func (s *Service) ListCycles(ctx context.Context) ([]domain.Cycle, error) {
	var out []domain.Cycle
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		for _, c := range v.ListCycles() {
			if c.FacilityID == s.facilityID {
				out = append(out, c)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, err
}

// AddToolToCycle assigns an available tool to an open cycle. Adding a tool
// that is already a member is a no-op.
func (s *Service) AddToolToCycle(ctx context.Context, cycleID, toolID string) (domain.Cycle, error) {
	var updated domain.Cycle
	err := s.observe(ctx, "add_tool_to_cycle", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			cycle, err := s.openCycle(tx, cycleID)
			if err != nil {
				return err
			}
			tool, ok := tx.FindTool(toolID)
			if !ok || tool.FacilityID != s.facilityID {
				return domain.ErrNotFound{Entity: domain.EntityTool, ID: toolID}
			}
			if cycle.HasTool(toolID) {
				updated = cycle
				return nil
			}
			if owner, owned := owningCycle(tx.Snapshot(), tool); owned && owner != cycleID {
				return fmt.Errorf("tool %s belongs to cycle %s: %w", toolID, owner, domain.ErrToolAlreadyAssigned)
			}
			if tool.Status != domain.ToolStatusAvailable {
				return fmt.Errorf("tool %s is %s: %w", toolID, tool.Status, domain.ErrToolUnavailable)
			}
			if inc, blocked := blockingIncident(tx.Snapshot(), s.facilityID, toolID); blocked {
				return fmt.Errorf("tool %s affected by %s: %w", toolID, inc.IncidentNumber, domain.ErrToolQuarantined)
			}
			c, err := tx.UpdateCycle(cycleID, func(c *domain.Cycle) error {
				c.ToolIDs = append(c.ToolIDs, toolID)
				return nil
			})
			if err != nil {
				return err
			}
			if _, err := tx.UpdateTool(toolID, func(t *domain.Tool) error {
				t.CycleID = &c.ID
				return nil
			}); err != nil {
				return err
			}
			updated = c
			return nil
		})
		return cycleID, err
	})
	return updated, err
}

// AddPhaseToCycle queues a pending instance of a phase definition. A zero
// duration uses the definition's duration; an empty tool subset means every
// tool of the cycle at start time.
func (s *Service) AddPhaseToCycle(ctx context.Context, cycleID, phaseDefID string, duration time.Duration, toolIDs ...string) (domain.PhaseInstance, error) {
	def, ok := s.policy.Registry().Get(phaseDefID)
	if !ok {
		return domain.PhaseInstance{}, fmt.Errorf("%q: %w", phaseDefID, domain.ErrUnknownPhase)
	}
	if duration < 0 {
		return domain.PhaseInstance{}, fmt.Errorf("phase %s: duration must not be negative", phaseDefID)
	}
	if duration == 0 {
		duration = def.Duration
	}
	var added domain.PhaseInstance
	err := s.observe(ctx, "add_phase_to_cycle", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			cycle, err := s.openCycle(tx, cycleID)
			if err != nil {
				return err
			}
			for _, id := range toolIDs {
				if !cycle.HasTool(id) {
					return fmt.Errorf("tool %s: %w", id, domain.ErrToolNotInCycle)
				}
			}
			if _, active := cycle.ActiveInstance(def.ID); active {
				return fmt.Errorf("%s: %w", def.ID, domain.ErrPhaseAlreadyActive)
			}
			if _, queued := pendingInstance(cycle, def.ID); queued {
				return fmt.Errorf("phase %s already queued: %w", def.ID, domain.ErrDuplicate)
			}
			added = domain.PhaseInstance{
				ID:       uuid.NewString(),
				PhaseID:  def.ID,
				ToolIDs:  append([]string(nil), toolIDs...),
				Duration: duration,
				Status:   domain.PhaseStatusPending,
			}
			_, err = tx.UpdateCycle(cycleID, func(c *domain.Cycle) error {
				c.Phases = append(c.Phases, added)
				return nil
			})
			return err
		})
		return cycleID, err
	})
	return added, err
}

// StartPhase activates the queued instance of a phase definition and starts
// its countdown. Only one instance per definition may be active, and the
// preceding definition of the registry sequence must have completed.
func (s *Service) StartPhase(ctx context.Context, cycleID, phaseDefID string) (domain.PhaseInstance, error) {
	def, ok := s.policy.Registry().Get(phaseDefID)
	if !ok {
		return domain.PhaseInstance{}, fmt.Errorf("%q: %w", phaseDefID, domain.ErrUnknownPhase)
	}
	var started domain.PhaseInstance
	err := s.observe(ctx, "start_phase", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			cycle, err := s.openCycle(tx, cycleID)
			if err != nil {
				return err
			}
			if _, active := cycle.ActiveInstance(def.ID); active {
				return fmt.Errorf("%s: %w", def.ID, domain.ErrPhaseAlreadyActive)
			}
			idx, queued := pendingInstance(cycle, def.ID)
			if !queued {
				return fmt.Errorf("%s: %w", def.ID, domain.ErrPhaseNotAdded)
			}
			if prev, hasPrev := s.policy.Registry().Previous(def.ID); hasPrev && !cycle.HasCompleted(prev) {
				return fmt.Errorf("%s requires %s to complete first: %w", def.ID, prev, domain.ErrPhaseNotEligible)
			}
			if len(cycle.ToolIDs) == 0 {
				return fmt.Errorf("cycle %s: %w", cycleID, domain.ErrCycleEmpty)
			}
			tools := cycle.Phases[idx].ToolIDs
			if len(tools) == 0 {
				tools = append([]string(nil), cycle.ToolIDs...)
			}
			view := tx.Snapshot()
			for _, id := range tools {
				if inc, blocked := blockingIncident(view, s.facilityID, id); blocked {
					return fmt.Errorf("tool %s affected by %s: %w", id, inc.IncidentNumber, domain.ErrToolQuarantined)
				}
			}
			now := s.clock.Now()
			c, err := tx.UpdateCycle(cycleID, func(c *domain.Cycle) error {
				p := &c.Phases[idx]
				p.IsActive = true
				p.Status = domain.PhaseStatusActive
				p.StartedAt = &now
				p.ToolIDs = tools
				if c.Status == domain.CycleStatusPending {
					c.Status = domain.CycleStatusInProgress
				}
				return nil
			})
			if err != nil {
				return err
			}
			phaseID := def.ID
			for _, id := range tools {
				if _, err := tx.UpdateTool(id, func(t *domain.Tool) error {
					t.Status = domain.ToolStatusInCycle
					t.CurrentPhaseID = &phaseID
					t.CycleID = &c.ID
					return nil
				}); err != nil {
					return err
				}
			}
			started = c.Phases[idx]
			return nil
		})
		return cycleID, err
	})
	if err != nil {
		return domain.PhaseInstance{}, err
	}
	if err := s.phases.Start(clockKey(cycleID, started.ID), started.Duration); err != nil {
		s.logger.Warn("phase clock not started", "cycle", cycleID, "phase", started.PhaseID, "error", err)
	}
	return started, nil
}

// CompletePhase ends an active phase instance by manual override with
// outcome completed or failed. Completing the final phase completes the
// cycle, or leaves it pending verification when the BI gate is unmet.
func (s *Service) CompletePhase(ctx context.Context, cycleID, instanceID string, outcome domain.PhaseStatus) (domain.Cycle, error) {
	if outcome != domain.PhaseStatusCompleted && outcome != domain.PhaseStatusFailed {
		return domain.Cycle{}, fmt.Errorf("unsupported phase outcome %q", outcome)
	}
	cycle, err := s.finishPhase(ctx, cycleID, instanceID, outcome, true)
	if err == nil {
		s.phases.Cancel(clockKey(cycleID, instanceID))
	}
	return cycle, err
}

func (s *Service) finishPhase(ctx context.Context, cycleID, instanceID string, outcome domain.PhaseStatus, manual bool) (domain.Cycle, error) {
	var updated domain.Cycle
	err := s.observe(ctx, "complete_phase", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			cycle, err := s.openCycle(tx, cycleID)
			if err != nil {
				return err
			}
			idx := -1
			for i, p := range cycle.Phases {
				if p.ID == instanceID {
					idx = i
					break
				}
			}
			if idx < 0 || !cycle.Phases[idx].IsActive {
				return fmt.Errorf("phase instance %s: %w", instanceID, domain.ErrPhaseNotActive)
			}
			now := s.clock.Now()
			next := cycle
			next.Phases = append([]domain.PhaseInstance(nil), cycle.Phases...)
			p := &next.Phases[idx]
			p.IsActive = false
			p.Status = outcome
			p.EndedAt = &now
			p.ManualStop = manual

			release := false
			switch {
			case outcome == domain.PhaseStatusFailed:
				next.Status = domain.CycleStatusFailed
				next.Reason = fmt.Sprintf("phase %s failed", p.PhaseID)
				release = true
			case s.policy.Registry().IsFinal(p.PhaseID):
				completed, err := s.settleCycle(tx, &next, now)
				if err != nil {
					return err
				}
				release = completed
			}
			c, err := tx.UpdateCycle(cycleID, func(c *domain.Cycle) error {
				*c = next
				return nil
			})
			if err != nil {
				return err
			}
			if release {
				if err := releaseCycleTools(tx, c); err != nil {
					return err
				}
			}
			updated = c
			return nil
		})
		return cycleID, err
	})
	return updated, err
}

// settleCycle completes a cycle whose final phase has finished, generating
// its batch code, or flags it pending verification when the BI gate is unmet.
func (s *Service) settleCycle(tx domain.Transaction, c *domain.Cycle, now time.Time) (bool, error) {
	if _, gated := s.policy.cycleRequiresDailyPass(*c); gated && !s.policy.passedToday(tx.Snapshot().ListTestResults(c.FacilityID)) {
		c.PendingVerification = true
		return false, nil
	}
	code, err := s.batches.Generate(tx, c.FacilityID, c.Operator, len(c.ToolIDs), c.ID)
	if err != nil {
		return false, err
	}
	c.Status = domain.CycleStatusCompleted
	c.PendingVerification = false
	c.CompletedAt = &now
	c.BatchCode = code.Code
	return true, nil
}

// VerifyCycle re-attempts completion of a cycle pending BI verification.
// Cycles not awaiting verification are returned unchanged.
func (s *Service) VerifyCycle(ctx context.Context, cycleID string) (domain.Cycle, error) {
	var updated domain.Cycle
	err := s.observe(ctx, "verify_cycle", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			cycle, ok := tx.FindCycle(cycleID)
			if !ok || cycle.FacilityID != s.facilityID {
				return domain.ErrNotFound{Entity: domain.EntityCycle, ID: cycleID}
			}
			if !cycle.PendingVerification || cycle.Status.Terminal() {
				updated = cycle
				return nil
			}
			completed, err := s.settleCycle(tx, &cycle, s.clock.Now())
			if err != nil {
				return err
			}
			if !completed {
				return fmt.Errorf("cycle %s: %w", cycleID, domain.ErrBIVerification)
			}
			c, err := tx.UpdateCycle(cycleID, func(c *domain.Cycle) error {
				*c = cycle
				return nil
			})
			if err != nil {
				return err
			}
			updated = c
			return releaseCycleTools(tx, c)
		})
		return cycleID, err
	})
	return updated, err
}

// VerifyPendingCycles completes every cycle of the facility that was waiting
// for today's passing BI test. It returns the completed cycles.
func (s *Service) VerifyPendingCycles(ctx context.Context) ([]domain.Cycle, error) {
	cycles, err := s.ListCycles(ctx)
	if err != nil {
		return nil, err
	}
	var done []domain.Cycle
	var errs []error
	for _, c := range cycles {
		if !c.PendingVerification || c.Status.Terminal() {
			continue
		}
		updated, err := s.VerifyCycle(ctx, c.ID)
		if err != nil {
			if !errors.Is(err, domain.ErrBIVerification) {
				errs = append(errs, err)
			}
			continue
		}
		done = append(done, updated)
	}
	return done, errors.Join(errs...)
}

// CancelCycle stops an open cycle, interrupting any active phase and
// releasing its tools.
func (s *Service) CancelCycle(ctx context.Context, cycleID, reason string) (domain.Cycle, error) {
	var updated domain.Cycle
	var interrupted []string
	err := s.observe(ctx, "cancel_cycle", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			cycle, ok := tx.FindCycle(cycleID)
			if !ok || cycle.FacilityID != s.facilityID {
				return domain.ErrNotFound{Entity: domain.EntityCycle, ID: cycleID}
			}
			if cycle.Status.Terminal() {
				return fmt.Errorf("cycle %s is %s: %w", cycleID, cycle.Status, domain.ErrCycleClosed)
			}
			now := s.clock.Now()
			interrupted = interrupted[:0]
			c, err := tx.UpdateCycle(cycleID, func(c *domain.Cycle) error {
				c.Status = domain.CycleStatusCancelled
				c.PendingVerification = false
				c.Reason = strings.TrimSpace(reason)
				for i := range c.Phases {
					if c.Phases[i].IsActive {
						c.Phases[i].IsActive = false
						c.Phases[i].Status = domain.PhaseStatusPaused
						c.Phases[i].EndedAt = &now
						interrupted = append(interrupted, c.Phases[i].ID)
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			updated = c
			return releaseCycleTools(tx, c)
		})
		return cycleID, err
	})
	if err == nil {
		for _, id := range interrupted {
			s.phases.Cancel(clockKey(cycleID, id))
		}
	}
	return updated, err
}

// ResumeActivePhases restarts countdowns for phases that were active when
// the process stopped. Phases whose duration already elapsed are completed
// immediately. It returns the number of countdowns restarted.
func (s *Service) ResumeActivePhases(ctx context.Context) (int, error) {
	cycles, err := s.ListCycles(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	resumed := 0
	var errs []error
	for _, c := range cycles {
		if c.Status.Terminal() {
			continue
		}
		for _, p := range c.Phases {
			if !p.IsActive || p.StartedAt == nil {
				continue
			}
			left := p.Duration - now.Sub(*p.StartedAt)
			if left <= 0 {
				if _, err := s.finishPhase(ctx, c.ID, p.ID, domain.PhaseStatusCompleted, false); err != nil {
					errs = append(errs, err)
				}
				continue
			}
			if err := s.phases.Start(clockKey(c.ID, p.ID), left); err != nil {
				if !errors.Is(err, phaseclock.ErrAlreadyRunning) {
					errs = append(errs, err)
				}
				continue
			}
			resumed++
		}
	}
	return resumed, errors.Join(errs...)
}

// RemainingPhaseTime reports the countdown left for an active instance.
func (s *Service) RemainingPhaseTime(cycleID, instanceID string) (time.Duration, error) {
	return s.phases.Remaining(clockKey(cycleID, instanceID))
}

func (s *Service) onPhaseSignal(sig phaseclock.Signal) {
	cycleID, instanceID, ok := splitClockKey(sig.PhaseID)
	if !ok {
		return
	}
	if _, err := s.finishPhase(context.Background(), cycleID, instanceID, domain.PhaseStatusCompleted, false); err != nil {
		s.logger.Error("phase completion failed", "cycle", cycleID, "instance", instanceID, "error", err)
	}
}

// openCycle loads a facility cycle that still accepts changes.
func (s *Service) openCycle(tx domain.Transaction, cycleID string) (domain.Cycle, error) {
	cycle, ok := tx.FindCycle(cycleID)
	if !ok || cycle.FacilityID != s.facilityID {
		return domain.Cycle{}, domain.ErrNotFound{Entity: domain.EntityCycle, ID: cycleID}
	}
	if cycle.Status.Terminal() {
		return domain.Cycle{}, fmt.Errorf("cycle %s is %s: %w", cycleID, cycle.Status, domain.ErrCycleClosed)
	}
	if cycle.PendingVerification {
		return domain.Cycle{}, fmt.Errorf("cycle %s: %w", cycleID, domain.ErrBIVerification)
	}
	return cycle, nil
}

func releaseCycleTools(tx domain.Transaction, c domain.Cycle) error {
	for _, id := range c.ToolIDs {
		tool, ok := tx.FindTool(id)
		if !ok || tool.CycleID == nil || *tool.CycleID != c.ID {
			continue
		}
		if _, err := tx.UpdateTool(id, func(t *domain.Tool) error {
			detachTool(t)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// owningCycle finds the open cycle holding the tool, if any.
func owningCycle(view domain.TransactionView, tool domain.Tool) (string, bool) {
	if tool.CycleID != nil {
		if c, ok := view.FindCycle(*tool.CycleID); ok && !c.Status.Terminal() {
			return c.ID, true
		}
	}
	for _, c := range view.ListCycles() {
		if !c.Status.Terminal() && c.HasTool(tool.ID) {
			return c.ID, true
		}
	}
	return "", false
}

func pendingInstance(c domain.Cycle, phaseID string) (int, bool) {
	for i, p := range c.Phases {
		if p.PhaseID == phaseID && p.Status == domain.PhaseStatusPending {
			return i, true
		}
	}
	return -1, false
}

func clockKey(cycleID, instanceID string) string {
	return cycleID + "/" + instanceID
}

func splitClockKey(key string) (string, string, bool) {
	cycleID, instanceID, ok := strings.Cut(key, "/")
	return cycleID, instanceID, ok && cycleID != "" && instanceID != ""
}
