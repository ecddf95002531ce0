package domain

import (
	"context"
	"fmt"
)

// RuleView is the read side a rule sees: the transaction's pending state.
type RuleView = TransactionView

// Rule inspects the changes of one transaction. Blocking violations abort
// the commit; an error aborts it too and is reported as a failure.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine runs every registered rule against each commit.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine returns an engine with the given rules registered.
func NewRulesEngine(rules ...Rule) *RulesEngine {
	e := &RulesEngine{}
	for _, r := range rules {
		e.Register(r)
	}
	return e
}

// Register adds rule after the existing ones. Nil rules are ignored.
func (e *RulesEngine) Register(rule Rule) {
	if rule == nil {
		return
	}
	e.rules = append(e.rules, rule)
}

// Rules lists rule names in evaluation order.
func (e *RulesEngine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Evaluate runs the rules in order and merges their violations. Violations
// a rule leaves unlabelled are attributed to it. The first rule error stops
// evaluation.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var out Result
	if len(changes) == 0 {
		return out, nil
	}
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		for i := range res.Violations {
			if res.Violations[i].Rule == "" {
				res.Violations[i].Rule = rule.Name()
			}
		}
		out.Merge(res)
	}
	return out, nil
}
