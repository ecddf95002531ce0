package core

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"sterilcore/pkg/domain"
)

// NewRecordImmutabilityRule keeps BI results append-only, incidents resolved
// exactly once, and batch codes permanent.
func NewRecordImmutabilityRule() domain.Rule {
	return recordImmutabilityRule{}
}

type recordImmutabilityRule struct{}

func (recordImmutabilityRule) Name() string { return "record_immutability" }

func (recordImmutabilityRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Action == domain.ActionDelete {
			switch change.Entity {
			case domain.EntityTestResult, domain.EntityIncident, domain.EntityBatchCode:
				res.Violations = append(res.Violations, blockingViolation("record_immutability", change.Entity, "",
					fmt.Sprintf("%s records cannot be deleted", change.Entity)))
			}
			continue
		}
		if change.Action != domain.ActionUpdate {
			continue
		}
		switch change.Entity {
		case domain.EntityTestResult:
			if v, ok := testResultViolation(change); ok {
				res.Violations = append(res.Violations, v)
			}
		case domain.EntityIncident:
			if v, ok := incidentViolation(change); ok {
				res.Violations = append(res.Violations, v)
			}
		case domain.EntityBatchCode:
			res.Violations = append(res.Violations, blockingViolation("record_immutability", change.Entity, "",
				"batch codes are immutable"))
		}
	}
	return res, nil
}

// testResultViolation allows only the incubating to final status refinement.
func testResultViolation(change domain.Change) (domain.Violation, bool) {
	t := domain.DecodeChange[domain.BITestResult](change)
	if !t.Updated() {
		return domain.Violation{}, false
	}
	before, after := t.Before, t.After
	refined := before.Status == domain.TestResultIncubating && after.Status == domain.TestResultFinal
	if before.Status != after.Status && !refined {
		return blockingViolation("record_immutability", domain.EntityTestResult, after.ID,
			fmt.Sprintf("bi test result %s status cannot move from %s to %s", after.ID, before.Status, after.Status)), true
	}
	before.Status, after.Status = "", ""
	if !sameJSON(before, after) {
		return blockingViolation("record_immutability", domain.EntityTestResult, after.ID,
			fmt.Sprintf("bi test result %s is append-only", after.ID)), true
	}
	return domain.Violation{}, false
}

// incidentViolation rejects any change to an incident after resolution and
// edits to the recorded blast radius.
func incidentViolation(change domain.Change) (domain.Violation, bool) {
	t := domain.DecodeChange[domain.BIFailureIncident](change)
	if !t.Updated() {
		return domain.Violation{}, false
	}
	before, after := t.Before, t.After
	if before.Status == domain.IncidentResolved {
		after.UpdatedAt = before.UpdatedAt
		if !sameJSON(before, after) {
			return blockingViolation("record_immutability", domain.EntityIncident, after.ID,
				fmt.Sprintf("incident %s is resolved and cannot change", after.IncidentNumber)), true
		}
		return domain.Violation{}, false
	}
	if before.IncidentNumber != after.IncidentNumber ||
		!reflect.DeepEqual(before.AffectedBatchIDs, after.AffectedBatchIDs) ||
		!reflect.DeepEqual(before.AffectedToolIDs, after.AffectedToolIDs) {
		return blockingViolation("record_immutability", domain.EntityIncident, after.ID,
			fmt.Sprintf("incident %s blast radius is immutable", after.IncidentNumber)), true
	}
	return domain.Violation{}, false
}

func sameJSON(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}
