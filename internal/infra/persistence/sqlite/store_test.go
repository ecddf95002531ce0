package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"sterilcore/pkg/domain"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if store.Path() != path {
		t.Fatalf("unexpected path %s", store.Path())
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tool, err := tx.CreateTool(domain.Tool{FacilityID: "fac-1", Barcode: "SC-0001", Name: "Scissors"})
		if err != nil {
			return err
		}
		if _, err := tx.CreateCycle(domain.Cycle{FacilityID: "fac-1", Operator: "Ana", ToolIDs: []string{tool.ID}}); err != nil {
			return err
		}
		if _, err := tx.NextIncidentSequence("fac-1", tool.CreatedAt); err != nil {
			return err
		}
		_, err = tx.CreateBatchCode(domain.BatchCode{Code: "S-260309-ABCD", FacilityID: "fac-1", ToolCount: 1, Single: true})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	if got := len(reloaded.ListTools()); got != 1 {
		t.Fatalf("expected 1 tool, got %d", got)
	}
	cycles := reloaded.ListCycles()
	if len(cycles) != 1 || len(cycles[0].ToolIDs) != 1 {
		t.Fatalf("expected cycle with tool after reload, got %+v", cycles)
	}
	_ = reloaded.View(context.Background(), func(v domain.TransactionView) error {
		if _, ok := v.FindBatchCode("S-260309-ABCD"); !ok {
			t.Fatalf("expected batch code after reload")
		}
		return nil
	})
	_, _ = reloaded.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		n, err := tx.NextIncidentSequence("fac-1", cycles[0].CreatedAt)
		if err != nil || n != 2 {
			t.Fatalf("expected incident sequence to continue at 2, got %d (%v)", n, err)
		}
		return nil
	})
}

func TestSQLiteStoreFailedTransactionNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateTool(domain.Tool{FacilityID: "fac-1"})
		return err
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var rows int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM sterilcore_state`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 0 {
		t.Fatalf("expected no persisted buckets, got %d", rows)
	}
}

func createTool(s *Store, barcode string) error {
	_, err := s.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateTool(domain.Tool{FacilityID: "fac-1", Barcode: barcode})
		return err
	})
	return err
}

func TestSQLiteStoresShareOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	serve, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = serve.Close() })
	cli, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	if err := createTool(cli, "SC-0001"); err != nil {
		t.Fatalf("cli write: %v", err)
	}
	if got := len(serve.ListTools()); got != 0 {
		t.Fatalf("serve must not see the write before refreshing, got %d", got)
	}
	var seen int
	if err := serve.View(context.Background(), func(v domain.TransactionView) error {
		seen = len(v.ListTools())
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if seen != 1 {
		t.Fatalf("expected serve to read the cli tool, got %d", seen)
	}
	if err := createTool(serve, "SC-0002"); err != nil {
		t.Fatalf("serve write: %v", err)
	}
	if err := createTool(cli, "SC-0003"); err != nil {
		t.Fatalf("cli second write: %v", err)
	}
	if got := len(cli.ListTools()); got != 3 {
		t.Fatalf("expected 3 tools, got %d", got)
	}
	if cli.Revision() != 3 {
		t.Fatalf("expected revision 3, got %d", cli.Revision())
	}
}

func TestSQLiteRacingWriteIsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "race.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	other, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	t.Cleanup(func() { _ = other.Close() })

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := createTool(other, "SC-0009"); err != nil {
			return err
		}
		_, err := tx.CreateTool(domain.Tool{FacilityID: "fac-1", Barcode: "SC-0001"})
		return err
	})
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("expected stale snapshot, got %v", err)
	}
	if err := createTool(store, "SC-0002"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	barcodes := map[string]bool{}
	for _, tool := range store.ListTools() {
		barcodes[tool.Barcode] = true
	}
	if len(barcodes) != 2 || !barcodes["SC-0009"] || !barcodes["SC-0002"] {
		t.Fatalf("expected the other handle's tool and the retry, got %v", barcodes)
	}
}
