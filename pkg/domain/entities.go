// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by sterilcore.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityTool identifies a reusable instrument record.
	EntityTool EntityType = "tool"
	// EntityCycle identifies a sterilization cycle record.
	EntityCycle EntityType = "cycle"
	// EntityTestResult identifies a biological indicator test result.
	EntityTestResult EntityType = "bi_test_result"
	// EntityIncident identifies a BI failure incident.
	EntityIncident EntityType = "bi_failure_incident"
	// EntityBatchCode identifies a generated batch label code.
	EntityBatchCode EntityType = "batch_code"
)

// Table returns the change-feed table name for the entity.
func (e EntityType) Table() string {
	switch e {
	case EntityTool:
		return "tools"
	case EntityCycle:
		return "sterilization_cycles"
	case EntityTestResult:
		return "bi_test_results"
	case EntityIncident:
		return "bi_failure_incidents"
	case EntityBatchCode:
		return "batch_codes"
	default:
		return string(e)
	}
}

// ToolStatus enumerates instrument availability states.
type ToolStatus string

// Canonical tool statuses.
const (
	ToolStatusAvailable   ToolStatus = "available"
	ToolStatusInCycle     ToolStatus = "in_cycle"
	ToolStatusMaintenance ToolStatus = "maintenance"
	ToolStatusRetired     ToolStatus = "retired"
)

// IsValid reports whether the status is a known tool status.
func (s ToolStatus) IsValid() bool {
	switch s {
	case ToolStatusAvailable, ToolStatusInCycle, ToolStatusMaintenance, ToolStatusRetired:
		return true
	}
	return false
}

// CycleStatus enumerates sterilization cycle workflow states.
type CycleStatus string

// Canonical cycle statuses. Completed, failed and cancelled are terminal.
const (
	CycleStatusPending    CycleStatus = "pending"
	CycleStatusInProgress CycleStatus = "in_progress"
	CycleStatusCompleted  CycleStatus = "completed"
	CycleStatusFailed     CycleStatus = "failed"
	CycleStatusCancelled  CycleStatus = "cancelled"
)

// IsValid reports whether the status is a known cycle status.
func (s CycleStatus) IsValid() bool {
	switch s {
	case CycleStatusPending, CycleStatusInProgress, CycleStatusCompleted, CycleStatusFailed, CycleStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s CycleStatus) Terminal() bool {
	return s == CycleStatusCompleted || s == CycleStatusFailed || s == CycleStatusCancelled
}

// PhaseStatus enumerates phase instance states.
type PhaseStatus string

// Canonical phase instance statuses.
const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusActive    PhaseStatus = "active"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusPaused    PhaseStatus = "paused"
)

// TestOutcome is the read-out of a biological indicator vial.
type TestOutcome string

// Canonical BI test outcomes.
const (
	TestPass TestOutcome = "pass"
	TestFail TestOutcome = "fail"
	TestSkip TestOutcome = "skip"
)

// IsValid reports whether the outcome is known.
func (o TestOutcome) IsValid() bool {
	switch o {
	case TestPass, TestFail, TestSkip:
		return true
	}
	return false
}

// TestResultStatus is the only refinable attribute of a BI test result.
type TestResultStatus string

// BI test result refinement states.
const (
	TestResultIncubating TestResultStatus = "incubating"
	TestResultFinal      TestResultStatus = "final"
)

// IncidentStatus tracks whether a BI failure is still blocking tool reuse.
type IncidentStatus string

// Incident resolution states. Resolved is terminal.
const (
	IncidentActive   IncidentStatus = "active"
	IncidentResolved IncidentStatus = "resolved"
)

// IncidentSeverity grades the blast radius of a BI failure.
type IncidentSeverity string

// Incident severities, lowest first.
const (
	IncidentSeverityLow      IncidentSeverity = "low"
	IncidentSeverityMedium   IncidentSeverity = "medium"
	IncidentSeverityHigh     IncidentSeverity = "high"
	IncidentSeverityCritical IncidentSeverity = "critical"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all mutable domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PhaseDefinition describes one decontamination step. Definitions are
// validated once by the phase registry and never mutated afterwards.
type PhaseDefinition struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Duration    time.Duration `json:"duration"`
	Temperature *float64      `json:"temperature_c,omitempty"`
	Pressure    *float64      `json:"pressure_psi,omitempty"`
	RequiresCI  bool          `json:"requires_ci"`
	RequiresBI  bool          `json:"requires_bi"`
}

// Clone returns a deep copy so callers cannot reach shared optional values.
func (d PhaseDefinition) Clone() PhaseDefinition {
	cp := d
	if d.Temperature != nil {
		v := *d.Temperature
		cp.Temperature = &v
	}
	if d.Pressure != nil {
		v := *d.Pressure
		cp.Pressure = &v
	}
	return cp
}

// Tool is a reusable instrument tracked by barcode.
type Tool struct {
	Base
	FacilityID     string     `json:"facility_id"`
	Barcode        string     `json:"barcode"`
	Name           string     `json:"name"`
	Status         ToolStatus `json:"status"`
	CurrentPhaseID *string    `json:"current_phase_id"`
	CycleID        *string    `json:"cycle_id"`
}

// PhaseInstance is a single run of a phase definition within a cycle.
type PhaseInstance struct {
	ID         string        `json:"id"`
	PhaseID    string        `json:"phase_id"`
	IsActive   bool          `json:"is_active"`
	ToolIDs    []string      `json:"tool_ids"`
	Duration   time.Duration `json:"duration"`
	Status     PhaseStatus   `json:"status"`
	StartedAt  *time.Time    `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at"`
	ManualStop bool          `json:"manual_stop"`
}

// Cycle is one pass of a set of tools through the phase sequence.
type Cycle struct {
	Base
	FacilityID string          `json:"facility_id"`
	Operator   string          `json:"operator"`
	StartedAt  time.Time       `json:"started_at"`
	Status     CycleStatus     `json:"status"`
	Phases     []PhaseInstance `json:"phases"`
	ToolIDs    []string        `json:"tool_ids"`

	// PendingVerification is set when the final phase finished but the BI
	// gate has not been satisfied for the current day.
	PendingVerification bool       `json:"pending_verification"`
	CompletedAt         *time.Time `json:"completed_at"`
	BatchCode           string     `json:"batch_code,omitempty"`
	Reason              string     `json:"reason,omitempty"`
}

// ActiveInstance returns the active instance of a phase definition, if any.
func (c Cycle) ActiveInstance(phaseID string) (PhaseInstance, bool) {
	for _, p := range c.Phases {
		if p.PhaseID == phaseID && p.IsActive {
			return p, true
		}
	}
	return PhaseInstance{}, false
}

// HasCompleted reports whether the cycle holds a completed instance of the phase.
func (c Cycle) HasCompleted(phaseID string) bool {
	for _, p := range c.Phases {
		if p.PhaseID == phaseID && p.Status == PhaseStatusCompleted {
			return true
		}
	}
	return false
}

// HasTool reports membership of a tool in the cycle.
func (c Cycle) HasTool(toolID string) bool {
	for _, id := range c.ToolIDs {
		if id == toolID {
			return true
		}
	}
	return false
}

// BITestResult records a daily biological indicator read-out.
type BITestResult struct {
	ID              string            `json:"id"`
	FacilityID      string            `json:"facility_id"`
	OperatorID      string            `json:"operator_id"`
	TestDate        time.Time         `json:"test_date"`
	Result          TestOutcome       `json:"result"`
	LotNumber       string            `json:"lot_number"`
	Expiry          *time.Time        `json:"expiry,omitempty"`
	IncubationHours float64           `json:"incubation_hours"`
	IncubationTempC float64           `json:"incubation_temp_c"`
	Conditions      map[string]string `json:"conditions,omitempty"`
	Status          TestResultStatus  `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
}

// BIFailureIncident documents a failed BI test and the batches it invalidates.
type BIFailureIncident struct {
	Base
	FacilityID         string           `json:"facility_id"`
	IncidentNumber     string           `json:"incident_number"`
	FailureDate        time.Time        `json:"failure_date"`
	LastPassDate       *time.Time       `json:"last_pass_date"`
	FailingTestID      string           `json:"failing_test_id"`
	AffectedBatchIDs   []string         `json:"affected_batch_ids"`
	AffectedBatchCodes []string         `json:"affected_batch_codes"`
	AffectedToolIDs    []string         `json:"affected_tool_ids"`
	AffectedToolCount  int              `json:"affected_tool_count"`
	Severity           IncidentSeverity `json:"severity"`
	DetectedBy         string           `json:"detected_by"`
	Status             IncidentStatus   `json:"status"`
	ResolutionNotes    string           `json:"resolution_notes,omitempty"`
	ResolvedBy         string           `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`
}

// AffectsTool reports whether the tool is part of the incident's blast radius.
func (i BIFailureIncident) AffectsTool(toolID string) bool {
	for _, id := range i.AffectedToolIDs {
		if id == toolID {
			return true
		}
	}
	return false
}

// BatchCode is a printed label identifying a processed batch.
type BatchCode struct {
	Code        string    `json:"code"`
	FacilityID  string    `json:"facility_id"`
	CycleID     string    `json:"cycle_id,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	Operator    string    `json:"operator"`
	ToolCount   int       `json:"tool_count"`
	Single      bool      `json:"single"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before ChangePayload
	After  ChangePayload
	At     time.Time
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}
