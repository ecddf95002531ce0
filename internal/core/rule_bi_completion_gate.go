package core

import (
	"context"
	"fmt"

	"sterilcore/pkg/domain"
)

// NewBICompletionGateRule blocks any transaction that moves a cycle to
// completed without a confirmed passing result for the facility today, when
// enforcement is on and the final phase or any phase the cycle ran requires
// BI.
func NewBICompletionGateRule(policy *Policy) domain.Rule {
	return biCompletionGateRule{policy: policy}
}

type biCompletionGateRule struct {
	policy *Policy
}

func (biCompletionGateRule) Name() string { return "bi_completion_gate" }

func (r biCompletionGateRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if r.policy == nil {
		return res, nil
	}
	for _, change := range changes {
		if change.Entity != domain.EntityCycle {
			continue
		}
		after, ok := domain.DecodePayload[domain.Cycle](change.After)
		if !ok || after.Status != domain.CycleStatusCompleted {
			continue
		}
		if before, ok := domain.DecodePayload[domain.Cycle](change.Before); ok && before.Status == domain.CycleStatusCompleted {
			continue
		}
		gate, gated := r.policy.cycleRequiresDailyPass(after)
		if !gated {
			continue
		}
		if r.policy.passedToday(view.ListTestResults(after.FacilityID)) {
			continue
		}
		res.Violations = append(res.Violations, blockingViolation("bi_completion_gate", domain.EntityCycle, after.ID,
			fmt.Sprintf("cycle %s cannot complete: %s requires a passing BI test today", after.ID, gate)))
	}
	return res, nil
}
