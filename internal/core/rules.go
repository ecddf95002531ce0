package core

import "sterilcore/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in compliance rules.
func NewDefaultRulesEngine(policy *Policy) *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(LifecycleTransitionRule())
	engine.Register(NewToolExclusivityRule())
	engine.Register(NewPhaseExclusivityRule())
	engine.Register(NewBICompletionGateRule(policy))
	engine.Register(NewRecordImmutabilityRule())
	return engine
}

func blockingViolation(rule string, entity domain.EntityType, id, msg string) domain.Violation {
	return domain.Violation{Rule: rule, Severity: domain.SeverityBlock, Message: msg, Entity: entity, EntityID: id}
}
