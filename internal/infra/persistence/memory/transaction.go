package memory

import (
	"fmt"
	"strings"
	"time"

	"sterilcore/pkg/domain"
)

// transaction represents a mutation set applied to a private copy of the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []domain.Change
	now     time.Time
}

func mustPayload[T any](value T) domain.ChangePayload {
	payload, err := domain.NewChangePayloadFromValue(value)
	if err != nil {
		panic(fmt.Errorf("memory store: encode change payload: %w", err))
	}
	return payload
}

func (tx *transaction) record(entity domain.EntityType, action domain.Action, before, after domain.ChangePayload) {
	tx.changes = append(tx.changes, domain.Change{Entity: entity, Action: action, Before: before, After: after, At: tx.now})
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() domain.TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) CreateTool(t domain.Tool) (domain.Tool, error) {
	if t.ID == "" {
		t.ID = tx.store.newID()
	}
	if _, exists := tx.state.tools[t.ID]; exists {
		return domain.Tool{}, fmt.Errorf("tool %q: %w", t.ID, domain.ErrDuplicate)
	}
	t.Barcode = strings.TrimSpace(t.Barcode)
	if t.FacilityID == "" || t.Barcode == "" {
		return domain.Tool{}, fmt.Errorf("tool requires facility and barcode")
	}
	for _, existing := range tx.state.tools {
		if existing.FacilityID == t.FacilityID && existing.Barcode == t.Barcode {
			return domain.Tool{}, fmt.Errorf("tool barcode %q: %w", t.Barcode, domain.ErrDuplicate)
		}
	}
	if t.Status == "" {
		t.Status = domain.ToolStatusAvailable
	}
	if !t.Status.IsValid() {
		return domain.Tool{}, fmt.Errorf("unsupported tool status %q", t.Status)
	}
	t.CreatedAt = tx.now
	t.UpdatedAt = tx.now
	tx.state.tools[t.ID] = cloneTool(t)
	tx.record(domain.EntityTool, domain.ActionCreate, domain.UndefinedChangePayload(), mustPayload(t))
	return cloneTool(t), nil
}

func (tx *transaction) UpdateTool(id string, mutator func(*domain.Tool) error) (domain.Tool, error) {
	current, ok := tx.state.tools[id]
	if !ok {
		return domain.Tool{}, domain.ErrNotFound{Entity: domain.EntityTool, ID: id}
	}
	before := cloneTool(current)
	if err := mutator(&current); err != nil {
		return domain.Tool{}, err
	}
	if !current.Status.IsValid() {
		return domain.Tool{}, fmt.Errorf("unsupported tool status %q", current.Status)
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.tools[id] = cloneTool(current)
	tx.record(domain.EntityTool, domain.ActionUpdate, mustPayload(before), mustPayload(current))
	return cloneTool(current), nil
}

func (tx *transaction) FindTool(id string) (domain.Tool, bool) {
	return newTransactionView(&tx.state).FindTool(id)
}

func (tx *transaction) CreateCycle(c domain.Cycle) (domain.Cycle, error) {
	if c.ID == "" {
		c.ID = tx.store.newID()
	}
	if _, exists := tx.state.cycles[c.ID]; exists {
		return domain.Cycle{}, fmt.Errorf("cycle %q: %w", c.ID, domain.ErrDuplicate)
	}
	if c.Status == "" {
		c.Status = domain.CycleStatusPending
	}
	if !c.Status.IsValid() {
		return domain.Cycle{}, fmt.Errorf("unsupported cycle status %q", c.Status)
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = tx.now
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.cycles[c.ID] = cloneCycle(c)
	tx.record(domain.EntityCycle, domain.ActionCreate, domain.UndefinedChangePayload(), mustPayload(c))
	return cloneCycle(c), nil
}

func (tx *transaction) UpdateCycle(id string, mutator func(*domain.Cycle) error) (domain.Cycle, error) {
	current, ok := tx.state.cycles[id]
	if !ok {
		return domain.Cycle{}, domain.ErrNotFound{Entity: domain.EntityCycle, ID: id}
	}
	before := cloneCycle(current)
	if err := mutator(&current); err != nil {
		return domain.Cycle{}, err
	}
	if !current.Status.IsValid() {
		return domain.Cycle{}, fmt.Errorf("unsupported cycle status %q", current.Status)
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.cycles[id] = cloneCycle(current)
	tx.record(domain.EntityCycle, domain.ActionUpdate, mustPayload(before), mustPayload(current))
	return cloneCycle(current), nil
}

func (tx *transaction) FindCycle(id string) (domain.Cycle, bool) {
	return newTransactionView(&tx.state).FindCycle(id)
}

func (tx *transaction) CreateTestResult(r domain.BITestResult) (domain.BITestResult, error) {
	if r.ID == "" {
		r.ID = tx.store.newID()
	}
	if _, exists := tx.state.testResults[r.ID]; exists {
		return domain.BITestResult{}, fmt.Errorf("bi test result %q: %w", r.ID, domain.ErrDuplicate)
	}
	if !r.Result.IsValid() {
		return domain.BITestResult{}, fmt.Errorf("result %q: %w", r.Result, domain.ErrInvalidResult)
	}
	if r.Status == "" {
		r.Status = domain.TestResultFinal
	}
	if r.TestDate.IsZero() {
		r.TestDate = tx.now
	}
	r.CreatedAt = tx.now
	tx.state.testResults[r.ID] = cloneTestResult(r)
	tx.record(domain.EntityTestResult, domain.ActionCreate, domain.UndefinedChangePayload(), mustPayload(r))
	return cloneTestResult(r), nil
}

func (tx *transaction) UpdateTestResult(id string, mutator func(*domain.BITestResult) error) (domain.BITestResult, error) {
	current, ok := tx.state.testResults[id]
	if !ok {
		return domain.BITestResult{}, domain.ErrNotFound{Entity: domain.EntityTestResult, ID: id}
	}
	before := cloneTestResult(current)
	if err := mutator(&current); err != nil {
		return domain.BITestResult{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	tx.state.testResults[id] = cloneTestResult(current)
	tx.record(domain.EntityTestResult, domain.ActionUpdate, mustPayload(before), mustPayload(current))
	return cloneTestResult(current), nil
}

func (tx *transaction) FindTestResult(id string) (domain.BITestResult, bool) {
	return newTransactionView(&tx.state).FindTestResult(id)
}

func (tx *transaction) CreateIncident(i domain.BIFailureIncident) (domain.BIFailureIncident, error) {
	if i.ID == "" {
		i.ID = tx.store.newID()
	}
	if _, exists := tx.state.incidents[i.ID]; exists {
		return domain.BIFailureIncident{}, fmt.Errorf("incident %q: %w", i.ID, domain.ErrDuplicate)
	}
	if i.IncidentNumber == "" {
		return domain.BIFailureIncident{}, fmt.Errorf("incident requires an incident number")
	}
	for _, existing := range tx.state.incidents {
		if existing.FacilityID == i.FacilityID && existing.IncidentNumber == i.IncidentNumber {
			return domain.BIFailureIncident{}, fmt.Errorf("incident number %q: %w", i.IncidentNumber, domain.ErrDuplicate)
		}
	}
	if i.Status == "" {
		i.Status = domain.IncidentActive
	}
	i.CreatedAt = tx.now
	i.UpdatedAt = tx.now
	tx.state.incidents[i.ID] = cloneIncident(i)
	tx.record(domain.EntityIncident, domain.ActionCreate, domain.UndefinedChangePayload(), mustPayload(i))
	return cloneIncident(i), nil
}

func (tx *transaction) UpdateIncident(id string, mutator func(*domain.BIFailureIncident) error) (domain.BIFailureIncident, error) {
	current, ok := tx.state.incidents[id]
	if !ok {
		return domain.BIFailureIncident{}, domain.ErrNotFound{Entity: domain.EntityIncident, ID: id}
	}
	before := cloneIncident(current)
	if err := mutator(&current); err != nil {
		return domain.BIFailureIncident{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.incidents[id] = cloneIncident(current)
	tx.record(domain.EntityIncident, domain.ActionUpdate, mustPayload(before), mustPayload(current))
	return cloneIncident(current), nil
}

func (tx *transaction) FindIncident(id string) (domain.BIFailureIncident, bool) {
	return newTransactionView(&tx.state).FindIncident(id)
}

// CreateBatchCode stores an immutable batch code. Codes are unique across all
// facilities and are never deleted.
func (tx *transaction) CreateBatchCode(b domain.BatchCode) (domain.BatchCode, error) {
	if b.Code == "" {
		return domain.BatchCode{}, fmt.Errorf("batch code must not be empty")
	}
	if _, exists := tx.state.batchCodes[b.Code]; exists {
		return domain.BatchCode{}, fmt.Errorf("batch code %q: %w", b.Code, domain.ErrDuplicate)
	}
	if b.GeneratedAt.IsZero() {
		b.GeneratedAt = tx.now
	}
	tx.state.batchCodes[b.Code] = b
	tx.record(domain.EntityBatchCode, domain.ActionCreate, domain.UndefinedChangePayload(), mustPayload(b))
	return b, nil
}

func (tx *transaction) NextIncidentSequence(facilityID string, day time.Time) (int, error) {
	if facilityID == "" {
		return 0, fmt.Errorf("incident sequence requires a facility")
	}
	key := sequenceKey(facilityID, day)
	tx.state.incidentSeq[key]++
	return tx.state.incidentSeq[key], nil
}
