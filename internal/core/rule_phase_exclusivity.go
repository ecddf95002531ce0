package core

import (
	"context"
	"fmt"

	"sterilcore/pkg/domain"
)

// NewPhaseExclusivityRule returns the rule allowing at most one active
// instance of each phase definition per cycle.
func NewPhaseExclusivityRule() domain.Rule {
	return phaseExclusivityRule{}
}

type phaseExclusivityRule struct{}

func (phaseExclusivityRule) Name() string { return "phase_exclusivity" }

func (phaseExclusivityRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityCycle {
			continue
		}
		cycle, ok := domain.DecodePayload[domain.Cycle](change.After)
		if !ok {
			continue
		}
		active := make(map[string]int)
		for _, p := range cycle.Phases {
			if p.IsActive {
				active[p.PhaseID]++
			}
		}
		for _, p := range cycle.Phases {
			if n := active[p.PhaseID]; n > 1 {
				res.Violations = append(res.Violations, blockingViolation("phase_exclusivity", domain.EntityCycle, cycle.ID,
					fmt.Sprintf("cycle %s has %d active %s instances", cycle.ID, n, p.PhaseID)))
				delete(active, p.PhaseID)
			}
		}
	}
	return res, nil
}
