package escrow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("escrow: not found")
	ErrInvalidTransition = errors.New("escrow: invalid transition")
	ErrForbidden         = errors.New("escrow: forbidden")
	ErrComplianceDenied  = errors.New("escrow: compliance denied")
	ErrDuplicateDispute  = errors.New("escrow: dispute already open")
	ErrConflict          = errors.New("escrow: concurrent update, retry the operation")
	ErrValidation        = errors.New("escrow: validation failed")
)

// TransitionError explains why an operation is illegal in the current status.
type TransitionError struct {
	Operation Operation
	Status    Status
	Rule      string
	Allowed   []Operation
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("escrow: %s not allowed in %s: %s", e.Operation, e.Status, e.Rule)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ComplianceError lists what the actor must provide before retrying.
type ComplianceError struct {
	Operation Operation
	Reason    string
	Missing   []string
}

func (e *ComplianceError) Error() string {
	return fmt.Sprintf("escrow: %s denied: %s (missing: %s)", e.Operation, e.Reason, strings.Join(e.Missing, ", "))
}

func (e *ComplianceError) Unwrap() error { return ErrComplianceDenied }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrForbidden}, args...)...)
}
