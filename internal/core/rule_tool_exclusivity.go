package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"sterilcore/pkg/domain"
)

// NewToolExclusivityRule returns the rule enforcing that a tool belongs to at
// most one open cycle.
func NewToolExclusivityRule() domain.Rule {
	return toolExclusivityRule{}
}

type toolExclusivityRule struct{}

func (toolExclusivityRule) Name() string { return "tool_exclusivity" }

func (toolExclusivityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	if !touches(changes, domain.EntityCycle) {
		return domain.Result{}, nil
	}
	owners := make(map[string][]string)
	for _, cycle := range view.ListCycles() {
		if cycle.Status.Terminal() {
			continue
		}
		for _, toolID := range cycle.ToolIDs {
			owners[toolID] = append(owners[toolID], cycle.ID)
		}
	}
	res := domain.Result{}
	toolIDs := make([]string, 0, len(owners))
	for id := range owners {
		toolIDs = append(toolIDs, id)
	}
	sort.Strings(toolIDs)
	for _, toolID := range toolIDs {
		cycles := owners[toolID]
		if len(cycles) > 1 {
			res.Violations = append(res.Violations, blockingViolation("tool_exclusivity", domain.EntityTool, toolID,
				fmt.Sprintf("tool %s assigned to %d open cycles (%s)", toolID, len(cycles), strings.Join(cycles, ", "))))
		}
	}
	return res, nil
}

func touches(changes []domain.Change, entity domain.EntityType) bool {
	for _, c := range changes {
		if c.Entity == entity {
			return true
		}
	}
	return false
}
