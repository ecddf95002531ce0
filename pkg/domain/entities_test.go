package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestStatusValidity(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"tool available", ToolStatusAvailable.IsValid()},
		{"tool retired", ToolStatusRetired.IsValid()},
		{"cycle in progress", CycleStatusInProgress.IsValid()},
		{"outcome skip", TestSkip.IsValid()},
	}
	for _, tc := range cases {
		if !tc.valid {
			t.Errorf("%s should be valid", tc.name)
		}
	}
	if ToolStatus("lost").IsValid() || CycleStatus("paused").IsValid() || TestOutcome("maybe").IsValid() {
		t.Fatalf("unknown values must be rejected")
	}
}

func TestCycleStatusTerminal(t *testing.T) {
	for _, s := range []CycleStatus{CycleStatusCompleted, CycleStatusFailed, CycleStatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []CycleStatus{CycleStatusPending, CycleStatusInProgress} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCycleHelpers(t *testing.T) {
	cycle := Cycle{
		ToolIDs: []string{"t1", "t2"},
		Phases: []PhaseInstance{
			{ID: "p1", PhaseID: "bath1", Status: PhaseStatusCompleted},
			{ID: "p2", PhaseID: "bath2", Status: PhaseStatusActive, IsActive: true},
		},
	}
	if _, ok := cycle.ActiveInstance("bath1"); ok {
		t.Fatalf("bath1 is not active")
	}
	if inst, ok := cycle.ActiveInstance("bath2"); !ok || inst.ID != "p2" {
		t.Fatalf("expected active bath2 instance")
	}
	if !cycle.HasCompleted("bath1") || cycle.HasCompleted("bath2") {
		t.Fatalf("unexpected completion flags")
	}
	if !cycle.HasTool("t2") || cycle.HasTool("t3") {
		t.Fatalf("unexpected tool membership")
	}
}

func TestPhaseDefinitionClone(t *testing.T) {
	temp := 121.0
	def := PhaseDefinition{ID: "autoclave", Temperature: &temp}
	cp := def.Clone()
	*cp.Temperature = 10
	if *def.Temperature != 121 {
		t.Fatalf("clone must not share temperature pointer")
	}
}

func TestIncidentAffectsTool(t *testing.T) {
	inc := BIFailureIncident{AffectedToolIDs: []string{"t1"}}
	if !inc.AffectsTool("t1") || inc.AffectsTool("t2") {
		t.Fatalf("unexpected tool membership")
	}
}

func TestResultMergeAndBlocking(t *testing.T) {
	var res Result
	res.Merge(Result{})
	if res.HasBlocking() {
		t.Fatalf("empty result should not block")
	}
	res.Merge(Result{Violations: []Violation{{Rule: "w", Severity: SeverityWarn}}})
	if res.HasBlocking() {
		t.Fatalf("warnings should not block")
	}
	res.Merge(Result{Violations: []Violation{{Rule: "b", Severity: SeverityBlock, Message: "nope"}}})
	if !res.HasBlocking() {
		t.Fatalf("expected blocking result")
	}
	err := RuleViolationError{Result: res}
	if !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected blocking message in error, got %q", err.Error())
	}
}

func TestErrNotFound(t *testing.T) {
	err := fmt.Errorf("scan: %w", ErrNotFound{Entity: EntityTool, ID: "T1"})
	if !IsNotFound(err) {
		t.Fatalf("expected wrapped not found")
	}
	if IsNotFound(errors.New("other")) {
		t.Fatalf("unexpected not found match")
	}
	if got := (ErrNotFound{Entity: EntityCycle, ID: "c9"}).Error(); got != "cycle c9 not found" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestEntityTables(t *testing.T) {
	if EntityTestResult.Table() != "bi_test_results" || EntityIncident.Table() != "bi_failure_incidents" {
		t.Fatalf("unexpected table mapping")
	}
	if EntityType("other").Table() != "other" {
		t.Fatalf("unknown entities map to themselves")
	}
}
