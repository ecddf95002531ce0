package domain

import (
	"context"
	"time"
)

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. Nothing is visible to other readers
// until the surrounding RunInTransaction returns without error.
type Transaction interface {
	Snapshot() TransactionView

	CreateTool(Tool) (Tool, error)
	UpdateTool(id string, mutator func(*Tool) error) (Tool, error)
	FindTool(id string) (Tool, bool)

	CreateCycle(Cycle) (Cycle, error)
	UpdateCycle(id string, mutator func(*Cycle) error) (Cycle, error)
	FindCycle(id string) (Cycle, bool)

	CreateTestResult(BITestResult) (BITestResult, error)
	UpdateTestResult(id string, mutator func(*BITestResult) error) (BITestResult, error)
	FindTestResult(id string) (BITestResult, bool)

	CreateIncident(BIFailureIncident) (BIFailureIncident, error)
	UpdateIncident(id string, mutator func(*BIFailureIncident) error) (BIFailureIncident, error)
	FindIncident(id string) (BIFailureIncident, bool)

	CreateBatchCode(BatchCode) (BatchCode, error)

	// NextIncidentSequence atomically reserves the next incident ordinal for
	// the facility and calendar day of the supplied time. Ordinals start at 1.
	NextIncidentSequence(facilityID string, day time.Time) (int, error)
}

// TransactionView provides read-only access to snapshot data for rules and
// query paths.
type TransactionView interface {
	ListTools() []Tool
	FindTool(id string) (Tool, bool)
	FindToolByBarcode(facilityID, barcode string) (Tool, bool)
	ListCycles() []Cycle
	FindCycle(id string) (Cycle, bool)
	ListTestResults(facilityID string) []BITestResult
	FindTestResult(id string) (BITestResult, bool)
	ListIncidents(facilityID string) []BIFailureIncident
	ListActiveIncidents(facilityID string) []BIFailureIncident
	FindIncident(id string) (BIFailureIncident, bool)
	CountIncidentsSince(facilityID string, since time.Time) int
	ListBatchCodes(facilityID string) []BatchCode
	FindBatchCode(code string) (BatchCode, bool)
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	// OnCommit registers a hook receiving the change set of every committed
	// transaction. Hooks run after the store lock is released.
	OnCommit(fn func([]Change))
}
