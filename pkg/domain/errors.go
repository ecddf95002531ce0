package domain

import (
	"errors"
	"fmt"
)

// Guard violations. Callers match them with errors.Is; messages returned to
// operators carry additional context through %w wrapping.
var (
	ErrInvalidOperator     = errors.New("operator name must contain at least 2 characters")
	ErrPhaseAlreadyActive  = errors.New("phase already in process")
	ErrPhaseNotEligible    = errors.New("phase not eligible to start")
	ErrPhaseNotAdded       = errors.New("phase not added to cycle")
	ErrPhaseNotActive      = errors.New("phase instance is not active")
	ErrUnknownPhase        = errors.New("unknown phase definition")
	ErrCycleClosed         = errors.New("cycle is closed")
	ErrCycleEmpty          = errors.New("cycle has no tools")
	ErrBIVerification      = errors.New("cycle pending BI verification")
	ErrToolAlreadyAssigned = errors.New("tool already assigned to an active cycle")
	ErrToolUnavailable     = errors.New("tool is not available")
	ErrToolQuarantined     = errors.New("tool blocked by active BI failure incident")
	ErrToolNotInCycle      = errors.New("tool is not part of cycle")
	ErrIncidentResolved    = errors.New("incident already resolved")
	ErrDuplicate           = errors.New("record already exists")
)

// Validation errors surfaced to the operator. These are never retried.
var (
	ErrInvalidBarcode = errors.New("malformed barcode")
	ErrInvalidResult  = errors.New("invalid BI test result")
)

// ErrNotFound is returned when a referenced record does not exist or is not
// visible from the caller's facility.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}
