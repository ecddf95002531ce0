package core

import (
	"context"
	"errors"

	"sterilcore/pkg/domain"
)

// WriteStatus distinguishes writes the store has acknowledged from writes
// that were only applied locally.
type WriteStatus string

// Write statuses.
const (
	WriteConfirmed WriteStatus = "confirmed"
	WritePending   WriteStatus = "pending"
)

// WriteResult is returned by commands that keep going when the store is
// unreachable. Err carries the store failure for pending writes.
type WriteResult struct {
	Status   WriteStatus
	Result   domain.BITestResult
	Incident *domain.BIFailureIncident
	Err      error
}

// Confirmed reports whether the store acknowledged the write.
func (w WriteResult) Confirmed() bool { return w.Status == WriteConfirmed }

// isRejection reports whether err is a deliberate refusal by the domain
// rather than a store or transport failure. Rejections are never queued.
func isRejection(err error) bool {
	var ruleErr domain.RuleViolationError
	switch {
	case err == nil:
		return false
	case errors.As(err, &ruleErr),
		domain.IsNotFound(err),
		errors.Is(err, domain.ErrDuplicate),
		errors.Is(err, domain.ErrInvalidResult),
		errors.Is(err, domain.ErrInvalidOperator),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
