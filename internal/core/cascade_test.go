package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"sterilcore/internal/clock"
	blobmemory "sterilcore/internal/infra/blob/memory"
	"sterilcore/internal/phaseconfig"
	"sterilcore/pkg/domain"
)

// windowFixture runs one cycle, records a pass, runs a second cycle and then
// records a failure, so only the second cycle falls inside the window.
type windowFixture struct {
	svc      *Service
	before   domain.Cycle
	after    domain.Cycle
	lastPass domain.BITestResult
	failure  WriteResult
	early    []string
	late     []string
}

func newWindowFixture(t *testing.T, opts ...ServiceOption) windowFixture {
	t.Helper()
	svc, clk := newTestService(t, opts...)
	svc.Policy().SetEnforceBI(false)
	early := registerTools(t, svc, 1)
	late := registerTools(t, svc, 2)

	before := runCycle(t, svc, clk, early...)
	pass := recordResult(t, svc, domain.TestPass)
	after := runCycle(t, svc, clk, late...)
	fail := recordResult(t, svc, domain.TestFail)
	return windowFixture{svc: svc, before: before, after: after, lastPass: pass.Result, failure: fail, early: early, late: late}
}

func TestCascadeFlagsOnlyCyclesInsideWindow(t *testing.T) {
	fx := newWindowFixture(t)
	inc := fx.failure.Incident
	if inc == nil {
		t.Fatal("expected an incident for a failing test")
	}
	if len(inc.AffectedBatchIDs) != 1 || inc.AffectedBatchIDs[0] != fx.after.ID {
		t.Fatalf("expected only the cycle after the last pass, got %v", inc.AffectedBatchIDs)
	}
	if len(inc.AffectedBatchCodes) != 1 || inc.AffectedBatchCodes[0] != fx.after.BatchCode {
		t.Fatalf("unexpected batch codes %v", inc.AffectedBatchCodes)
	}
	if inc.AffectedToolCount != 2 || len(inc.AffectedToolIDs) != 2 {
		t.Fatalf("expected two affected tools, got %d %v", inc.AffectedToolCount, inc.AffectedToolIDs)
	}
	if inc.LastPassDate == nil || !inc.LastPassDate.Equal(fx.lastPass.TestDate) {
		t.Fatalf("last pass date = %v, want %s", inc.LastPassDate, fx.lastPass.TestDate)
	}
	if inc.Severity != domain.IncidentSeverityMedium || inc.Status != domain.IncidentActive {
		t.Fatalf("unexpected severity/status %s/%s", inc.Severity, inc.Status)
	}
	if inc.IncidentNumber != "BI-FAIL-20260310-001" || inc.DetectedBy != "op-7" || inc.FailingTestID != fx.failure.Result.ID {
		t.Fatalf("unexpected incident identity %+v", inc)
	}
}

func TestCascadeWithoutPriorPassReachesFirstCycle(t *testing.T) {
	svc, clk := newTestService(t)
	svc.Policy().SetEnforceBI(false)
	tools := registerTools(t, svc, 3)
	runCycle(t, svc, clk, tools[:1]...)
	runCycle(t, svc, clk, tools[1:]...)
	res := recordResult(t, svc, domain.TestFail)
	if res.Incident == nil || len(res.Incident.AffectedBatchIDs) != 2 || res.Incident.AffectedToolCount != 3 {
		t.Fatalf("expected both cycles flagged, got %+v", res.Incident)
	}
	if res.Incident.LastPassDate != nil {
		t.Fatalf("expected no last pass, got %v", res.Incident.LastPassDate)
	}
}

func TestCascadeWithNothingInWindow(t *testing.T) {
	svc, clk := newTestService(t)
	recordResult(t, svc, domain.TestPass)
	clk.Advance(time.Hour)
	res := recordResult(t, svc, domain.TestFail)
	inc := res.Incident
	if inc == nil {
		t.Fatal("a failing test always opens an incident")
	}
	if len(inc.AffectedBatchIDs) != 0 || inc.AffectedToolCount != 0 || inc.Severity != domain.IncidentSeverityLow {
		t.Fatalf("expected an empty low incident, got %+v", inc)
	}
}

func TestCascadeIgnoresUnfinishedPasses(t *testing.T) {
	svc, clk := newTestService(t)
	svc.Policy().SetEnforceBI(false)
	tools := registerTools(t, svc, 1)
	runCycle(t, svc, clk, tools...)
	if _, err := svc.RecordBITestResult(context.Background(), domain.BITestResult{
		OperatorID: "op-7",
		Result:     domain.TestPass,
		Status:     domain.TestResultIncubating,
	}); err != nil {
		t.Fatalf("record incubating: %v", err)
	}
	clk.Advance(time.Minute)
	res := recordResult(t, svc, domain.TestFail)
	if res.Incident.LastPassDate != nil || len(res.Incident.AffectedBatchIDs) != 1 {
		t.Fatalf("incubating pass must not bound the window, got %+v", res.Incident)
	}
}

func TestCascadeWindowBoundaries(t *testing.T) {
	lastPass := testStart.Add(time.Hour)
	failure := lastPass.Add(2 * time.Hour)
	cases := []struct {
		name     string
		start    time.Time
		affected bool
	}{
		{"at last pass", lastPass, false},
		{"just after last pass", lastPass.Add(time.Nanosecond), true},
		{"at failure", failure, true},
		{"just after failure", failure.Add(time.Nanosecond), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, clk := newTestService(t)
			clk.Set(failure.Add(time.Minute))
			ctx := context.Background()
			if _, err := svc.RecordBITestResult(ctx, domain.BITestResult{OperatorID: "op-7", Result: domain.TestPass, TestDate: lastPass}); err != nil {
				t.Fatalf("record pass: %v", err)
			}
			started := tc.start
			c := createCycle(t, svc, domain.Cycle{FacilityID: "fac-1", Operator: "Alice", StartedAt: testStart, Status: domain.CycleStatusInProgress,
				ToolIDs: []string{"t1"},
				Phases:  []domain.PhaseInstance{{ID: "autoclave-1", PhaseID: phaseconfig.PhaseAutoclave, Status: domain.PhaseStatusCompleted, StartedAt: &started}}})

			res, err := svc.RecordBITestResult(ctx, domain.BITestResult{OperatorID: "op-7", Result: domain.TestFail, TestDate: failure})
			if err != nil || res.Incident == nil {
				t.Fatalf("record failure: %v", err)
			}
			hit := len(res.Incident.AffectedBatchIDs) == 1 && res.Incident.AffectedBatchIDs[0] == c.ID
			if hit != tc.affected {
				t.Fatalf("autoclave started %s: affected=%v, want %v (batches %v)", tc.start, hit, tc.affected, res.Incident.AffectedBatchIDs)
			}
		})
	}
}

func TestIncidentNumbersIncreasePerDay(t *testing.T) {
	svc, clk := newTestService(t)
	want := []string{"BI-FAIL-20260310-001", "BI-FAIL-20260310-002", "BI-FAIL-20260310-003"}
	for _, w := range want {
		res := recordResult(t, svc, domain.TestFail)
		if res.Incident.IncidentNumber != w {
			t.Fatalf("incident number = %s, want %s", res.Incident.IncidentNumber, w)
		}
		clk.Advance(time.Minute)
	}
	clk.Set(time.Date(2026, time.March, 11, 6, 0, 0, 0, time.UTC))
	res := recordResult(t, svc, domain.TestFail)
	if res.Incident.IncidentNumber != "BI-FAIL-20260311-001" {
		t.Fatalf("expected sequence to restart on a new day, got %s", res.Incident.IncidentNumber)
	}
	all, _ := svc.ListIncidents(context.Background())
	if len(all) != 4 {
		t.Fatalf("expected 4 incidents, got %d", len(all))
	}
}

func TestIncidentNumberUsesFacilityDay(t *testing.T) {
	eastern := time.FixedZone("UTC-5", -5*3600)
	clk := clock.NewFake(time.Date(2026, time.March, 10, 21, 0, 0, 0, eastern))
	svc := NewInMemoryService(NewPolicy(nil, clk, true), WithFacility("fac-1"), WithClock(clk))
	t.Cleanup(svc.Close)

	record := func(at time.Time) string {
		t.Helper()
		res, err := svc.RecordBITestResult(context.Background(), domain.BITestResult{OperatorID: "op-7", Result: domain.TestFail, TestDate: at})
		if err != nil || res.Incident == nil {
			t.Fatalf("record failure: %v", err)
		}
		return res.Incident.IncidentNumber
	}
	// 02:00 UTC on the 11th is still the evening of the 10th at the facility
	if got := record(time.Date(2026, time.March, 11, 2, 0, 0, 0, time.UTC)); got != "BI-FAIL-20260310-001" {
		t.Fatalf("incident number = %s, want the facility's day", got)
	}
	if got := record(time.Date(2026, time.March, 10, 21, 30, 0, 0, eastern)); got != "BI-FAIL-20260310-002" {
		t.Fatalf("expected the same daily sequence, got %s", got)
	}
}

func TestApplyIsIdempotentPerFailingTest(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res := recordResult(t, svc, domain.TestFail)
	var again domain.BIFailureIncident
	var passErr error
	_, err := svc.Store().RunInTransaction(ctx, func(tx domain.Transaction) error {
		inc, err := svc.Cascade().Apply(tx, res.Result, "someone else")
		if err != nil {
			return err
		}
		again = inc
		_, passErr = svc.Cascade().Apply(tx, domain.BITestResult{ID: "p", Result: domain.TestPass}, "x")
		return nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if again.ID != res.Incident.ID {
		t.Fatalf("expected the existing incident, got %+v", again)
	}
	if !errors.Is(passErr, domain.ErrInvalidResult) {
		t.Fatalf("expected ErrInvalidResult for a pass, got %v", passErr)
	}
	all, _ := svc.ListIncidents(ctx)
	if len(all) != 1 {
		t.Fatalf("expected a single incident, got %d", len(all))
	}
}

func TestToolBlockedUntilIncidentResolved(t *testing.T) {
	fx := newWindowFixture(t)
	svc := fx.svc
	ctx := context.Background()
	inc := fx.failure.Incident

	for _, id := range fx.late {
		ok, err := svc.ValidateToolForUse(ctx, id, "fac-1")
		if err != nil || ok {
			t.Fatalf("tool %s should be blocked, got %v %v", id, ok, err)
		}
	}
	if ok, _ := svc.ValidateToolForUse(ctx, fx.early[0], "fac-1"); !ok {
		t.Fatal("tool sterilised before the last pass should be usable")
	}
	if ok, _ := svc.ValidateToolForUse(ctx, fx.late[0], "fac-2"); !ok {
		t.Fatal("incidents of another facility must not block")
	}

	c, _ := svc.StartNewCycle(ctx, "Alice")
	if _, err := svc.AddToolToCycle(ctx, c.ID, fx.late[0]); !errors.Is(err, domain.ErrToolQuarantined) {
		t.Fatalf("expected ErrToolQuarantined, got %v", err)
	}

	resolved, err := svc.ResolveIncident(ctx, inc.ID, "fac-1", "Dr. Reyes", "batches recalled")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.IncidentResolved || resolved.ResolvedAt == nil || resolved.ResolvedBy != "Dr. Reyes" {
		t.Fatalf("unexpected resolved incident %+v", resolved)
	}
	if ok, _ := svc.ValidateToolForUse(ctx, fx.late[0], "fac-1"); !ok {
		t.Fatal("tool should be usable after resolution")
	}
	if active, _ := svc.GetActiveIncidents(ctx); len(active) != 0 {
		t.Fatalf("expected no active incidents, got %d", len(active))
	}
	if _, err := svc.AddToolToCycle(ctx, c.ID, fx.late[0]); err != nil {
		t.Fatalf("add after resolution: %v", err)
	}
}

func TestResolveIncidentScopedAndIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	inc := recordResult(t, svc, domain.TestFail).Incident

	if _, err := svc.ResolveIncident(ctx, inc.ID, "fac-2", "Dr. Reyes", ""); !domain.IsNotFound(err) {
		t.Fatalf("expected not found across facilities, got %v", err)
	}
	if _, err := svc.ResolveIncident(ctx, "missing", "fac-1", "Dr. Reyes", ""); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.ResolveIncident(ctx, inc.ID, "fac-1", "R", ""); !errors.Is(err, domain.ErrInvalidOperator) {
		t.Fatalf("expected ErrInvalidOperator, got %v", err)
	}
	first, err := svc.ResolveIncident(ctx, inc.ID, "fac-1", "Dr. Reyes", "retested")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	again, err := svc.ResolveIncident(ctx, inc.ID, "fac-1", " Dr. Reyes ", " retested ")
	if err != nil {
		t.Fatalf("repeating the same resolution should succeed: %v", err)
	}
	if !again.ResolvedAt.Equal(*first.ResolvedAt) {
		t.Fatal("repeat resolution must not change the record")
	}
	if _, err := svc.ResolveIncident(ctx, inc.ID, "fac-1", "Someone Else", "retested"); !errors.Is(err, domain.ErrIncidentResolved) {
		t.Fatalf("expected ErrIncidentResolved, got %v", err)
	}
}

func TestImpactSeverity(t *testing.T) {
	tools := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = string(rune('a' + i%26))
		}
		return out
	}
	cases := []struct {
		cycles int
		tools  int
		want   domain.IncidentSeverity
	}{
		{0, 0, domain.IncidentSeverityLow},
		{1, 1, domain.IncidentSeverityMedium},
		{1, 5, domain.IncidentSeverityMedium},
		{2, 6, domain.IncidentSeverityHigh},
		{3, 20, domain.IncidentSeverityHigh},
		{4, 21, domain.IncidentSeverityCritical},
	}
	for _, tc := range cases {
		impact := Impact{CycleIDs: make([]string, tc.cycles), ToolIDs: tools(tc.tools)}
		if got := impact.Severity(); got != tc.want {
			t.Fatalf("%d cycles/%d tools: severity %s, want %s", tc.cycles, tc.tools, got, tc.want)
		}
	}
}

func TestIncidentReportsArchived(t *testing.T) {
	archive := blobmemory.New()
	logger := &captureLogger{}
	svc, _ := newTestService(t, WithBlobStore(archive), WithLogger(logger))
	ctx := context.Background()
	inc := recordResult(t, svc, domain.TestFail).Incident

	info, body, err := archive.Get(ctx, ReportKey(*inc))
	if err != nil {
		t.Fatalf("report not archived: %v", err)
	}
	defer body.Close()
	raw, _ := io.ReadAll(body)
	var stored domain.BIFailureIncident
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if stored.IncidentNumber != inc.IncidentNumber || info.ContentType != "application/json" || info.Metadata["status"] != "active" {
		t.Fatalf("unexpected archived report %+v %+v", stored, info)
	}

	resolved, err := svc.ResolveIncident(ctx, inc.ID, "fac-1", "Dr. Reyes", "recalled")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := archive.Head(ctx, ReportKey(resolved)); err != nil {
		t.Fatalf("resolution report not archived: %v", err)
	}
	reports, _ := archive.List(ctx, "incidents/fac-1/")
	if len(reports) != 2 {
		t.Fatalf("expected open and resolved reports, got %d", len(reports))
	}
	if !logger.has("info:incident report archived") {
		t.Fatalf("expected archive log entry, got %v", logger.entries)
	}
}
