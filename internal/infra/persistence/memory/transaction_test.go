package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"sterilcore/pkg/domain"
)

func run(t *testing.T, store *Store, fn func(tx domain.Transaction) error) {
	t.Helper()
	if _, err := store.RunInTransaction(context.Background(), fn); err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestToolGuards(t *testing.T) {
	store := newTestStore(nil)
	run(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateTool(domain.Tool{Base: domain.Base{ID: "t1"}, FacilityID: "fac-1", Barcode: "SC-0001"})
		return err
	})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateTool(domain.Tool{FacilityID: "fac-1", Barcode: "SC-0001"})
		return err
	})
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate barcode, got %v", err)
	}
	run(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateTool(domain.Tool{FacilityID: "fac-2", Barcode: "SC-0001"})
		return err
	})
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateTool("missing", func(*domain.Tool) error { return nil })
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateTool("t1", func(t *domain.Tool) error {
			t.Status = "lost"
			return nil
		})
		return err
	})
	if err == nil {
		t.Fatalf("expected invalid status error")
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateTool(domain.Tool{FacilityID: "fac-1"})
		return err
	})
	if err == nil {
		t.Fatalf("expected missing barcode error")
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if tool, ok := v.FindToolByBarcode("fac-1", "SC-0001"); !ok || tool.ID != "t1" {
			t.Fatalf("expected barcode lookup to find t1")
		}
		if _, ok := v.FindToolByBarcode("fac-3", "SC-0001"); ok {
			t.Fatalf("barcode lookup must be facility scoped")
		}
		return nil
	})
}

func TestTestResultsAreFacilityScoped(t *testing.T) {
	store := newTestStore(nil)
	run(t, store, func(tx domain.Transaction) error {
		for i, fac := range []string{"fac-1", "fac-1", "fac-2"} {
			_, err := tx.CreateTestResult(domain.BITestResult{
				FacilityID: fac,
				Result:     domain.TestPass,
				TestDate:   fixedNow.Add(-time.Duration(i) * time.Hour),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		results := v.ListTestResults("fac-1")
		if len(results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(results))
		}
		if !results[0].TestDate.Before(results[1].TestDate) {
			t.Fatalf("results must be ordered by test date")
		}
		if results[0].Status != domain.TestResultFinal {
			t.Fatalf("expected default final status")
		}
		return nil
	})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateTestResult(domain.BITestResult{FacilityID: "fac-1", Result: "maybe"})
		return err
	})
	if !errors.Is(err, domain.ErrInvalidResult) {
		t.Fatalf("expected invalid result, got %v", err)
	}
}

func TestIncidentsAndSequence(t *testing.T) {
	store := newTestStore(nil)
	day := time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)
	run(t, store, func(tx domain.Transaction) error {
		for want := 1; want <= 3; want++ {
			got, err := tx.NextIncidentSequence("fac-1", day)
			if err != nil {
				return err
			}
			if got != want {
				t.Fatalf("expected sequence %d, got %d", want, got)
			}
		}
		if got, _ := tx.NextIncidentSequence("fac-1", day.Add(2*time.Hour)); got != 1 {
			t.Fatalf("sequence must restart on a new day, got %d", got)
		}
		if got, _ := tx.NextIncidentSequence("fac-2", day); got != 1 {
			t.Fatalf("sequence must be per facility, got %d", got)
		}
		if _, err := tx.NextIncidentSequence("", day); err == nil {
			t.Fatalf("expected facility requirement")
		}
		_, err := tx.CreateIncident(domain.BIFailureIncident{Base: domain.Base{ID: "i1"}, FacilityID: "fac-1", IncidentNumber: "BI-FAIL-20260309-001", FailureDate: day})
		return err
	})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateIncident(domain.BIFailureIncident{FacilityID: "fac-1", IncidentNumber: "BI-FAIL-20260309-001"})
		return err
	})
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate incident number, got %v", err)
	}
	run(t, store, func(tx domain.Transaction) error {
		_, err := tx.UpdateIncident("i1", func(i *domain.BIFailureIncident) error {
			i.Status = domain.IncidentResolved
			return nil
		})
		return err
	})
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if len(v.ListIncidents("fac-1")) != 1 || len(v.ListActiveIncidents("fac-1")) != 0 {
			t.Fatalf("unexpected incident listing")
		}
		if v.CountIncidentsSince("fac-1", fixedNow.Add(-time.Hour)) != 1 || v.CountIncidentsSince("fac-1", fixedNow.Add(time.Hour)) != 0 {
			t.Fatalf("unexpected incident count")
		}
		return nil
	})
	// sequence state survives export/import so numbering stays monotonic after reload
	snap := store.ExportState()
	reloaded := newTestStore(nil)
	reloaded.ImportState(snap)
	run(t, reloaded, func(tx domain.Transaction) error {
		if got, _ := tx.NextIncidentSequence("fac-1", day); got != 4 {
			t.Fatalf("expected sequence 4 after reload, got %d", got)
		}
		return nil
	})
}

func TestBatchCodesAreUnique(t *testing.T) {
	store := newTestStore(nil)
	run(t, store, func(tx domain.Transaction) error {
		b, err := tx.CreateBatchCode(domain.BatchCode{Code: "B-260309-ABCDEF", FacilityID: "fac-1", ToolCount: 3})
		if err != nil {
			return err
		}
		if !b.GeneratedAt.Equal(fixedNow) {
			t.Fatalf("expected generated time from store clock")
		}
		return nil
	})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateBatchCode(domain.BatchCode{Code: "B-260309-ABCDEF", FacilityID: "fac-2"})
		return err
	})
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate code, got %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if len(v.ListBatchCodes("fac-1")) != 1 || len(v.ListBatchCodes("fac-2")) != 0 {
			t.Fatalf("unexpected batch code listing")
		}
		if _, ok := v.FindBatchCode("B-260309-ABCDEF"); !ok {
			t.Fatalf("expected lookup by code")
		}
		return nil
	})
}

func TestSnapshotBuckets(t *testing.T) {
	var snap Snapshot
	for _, name := range Buckets() {
		if _, ok := snap.Bucket(name); !ok {
			t.Fatalf("bucket %s has no target", name)
		}
	}
	if _, ok := snap.Bucket("autoclaves"); ok {
		t.Fatalf("unexpected bucket")
	}
}
