package core

import (
	"context"
	"fmt"

	"sterilcore/pkg/domain"
)

// LifecycleTransitionRule blocks illegal state transitions on stateful entities.
func LifecycleTransitionRule() domain.Rule {
	return lifecycleTransitionRule{}
}

type lifecycleTransitionRule struct{}

type lifecycleMachine struct {
	label    string
	terminal map[string]struct{}
	valid    map[string]struct{}
	// edges lists allowed targets per source state; states absent from the
	// map may move to any valid state.
	edges     map[string]map[string]struct{}
	extractor func(payload domain.ChangePayload) (id string, state string, ok bool)
}

var lifecycleMachines = map[domain.EntityType]lifecycleMachine{
	domain.EntityCycle: {
		label: "cycle",
		terminal: toSet(
			string(domain.CycleStatusCompleted),
			string(domain.CycleStatusFailed),
			string(domain.CycleStatusCancelled),
		),
		valid: toSet(
			string(domain.CycleStatusPending),
			string(domain.CycleStatusInProgress),
			string(domain.CycleStatusCompleted),
			string(domain.CycleStatusFailed),
			string(domain.CycleStatusCancelled),
		),
		edges: map[string]map[string]struct{}{
			string(domain.CycleStatusPending): toSet(
				string(domain.CycleStatusInProgress),
				string(domain.CycleStatusFailed),
				string(domain.CycleStatusCancelled),
			),
		},
		extractor: func(payload domain.ChangePayload) (string, string, bool) {
			cycle, ok := domain.DecodePayload[domain.Cycle](payload)
			if !ok {
				return "", "", false
			}
			return cycle.ID, string(cycle.Status), true
		},
	},
	domain.EntityTool: {
		label:    "tool",
		terminal: toSet(string(domain.ToolStatusRetired)),
		valid: toSet(
			string(domain.ToolStatusAvailable),
			string(domain.ToolStatusInCycle),
			string(domain.ToolStatusMaintenance),
			string(domain.ToolStatusRetired),
		),
		extractor: func(payload domain.ChangePayload) (string, string, bool) {
			tool, ok := domain.DecodePayload[domain.Tool](payload)
			if !ok {
				return "", "", false
			}
			return tool.ID, string(tool.Status), true
		},
	},
	domain.EntityIncident: {
		label:    "incident",
		terminal: toSet(string(domain.IncidentResolved)),
		valid:    toSet(string(domain.IncidentActive), string(domain.IncidentResolved)),
		extractor: func(payload domain.ChangePayload) (string, string, bool) {
			incident, ok := domain.DecodePayload[domain.BIFailureIncident](payload)
			if !ok {
				return "", "", false
			}
			return incident.ID, string(incident.Status), true
		},
	},
}

func (lifecycleTransitionRule) Name() string { return "lifecycle_transition" }

func (lifecycleTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		machine, ok := lifecycleMachines[change.Entity]
		if !ok {
			continue
		}
		afterID, afterState, ok := machine.extractor(change.After)
		if !ok {
			continue
		}
		if _, valid := machine.valid[afterState]; !valid {
			res.Violations = append(res.Violations, blockingViolation("lifecycle_transition", change.Entity, afterID,
				fmt.Sprintf("%s %s is set to invalid state %s", machine.label, afterID, afterState)))
			continue
		}
		_, beforeState, ok := machine.extractor(change.Before)
		if !ok || beforeState == afterState {
			continue
		}
		if _, terminal := machine.terminal[beforeState]; terminal {
			res.Violations = append(res.Violations, blockingViolation("lifecycle_transition", change.Entity, afterID,
				fmt.Sprintf("cannot move %s %s from terminal state %s to %s", machine.label, afterID, beforeState, afterState)))
			continue
		}
		if allowed, constrained := machine.edges[beforeState]; constrained {
			if _, ok := allowed[afterState]; !ok {
				res.Violations = append(res.Violations, blockingViolation("lifecycle_transition", change.Entity, afterID,
					fmt.Sprintf("cannot move %s %s from %s to %s", machine.label, afterID, beforeState, afterState)))
			}
		}
	}
	return res, nil
}

func toSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
