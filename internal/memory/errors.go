package memory

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Every error returned by an engine operation matches exactly
// one of them with errors.Is, except raw storage failures which are wrapped
// as they are.
var (
	ErrValidation           = errors.New("validation error")
	ErrDuplicateConflict    = errors.New("duplicate conflict")
	ErrTenancyViolation     = errors.New("tenancy violation")
	ErrNotFound             = errors.New("not found")
	ErrDeadlineExceeded     = errors.New("deadline exceeded")
	ErrMaintenanceJobFailed = errors.New("maintenance job failed")
)

// Error is an operation failure of a specific kind.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, kind error, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// wrapStorage classifies a storage-layer error. Context deadline errors turn
// into ErrDeadlineExceeded; errors that already carry a kind keep it.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Kind: ErrDeadlineExceeded, Err: err}
	}
	for _, kind := range []error{ErrNotFound, ErrDuplicateConflict, ErrValidation, ErrTenancyViolation} {
		if errors.Is(err, kind) {
			return &Error{Op: op, Kind: kind, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// KindOf returns the kind sentinel carried by err, or nil.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrValidation, ErrDuplicateConflict, ErrTenancyViolation,
		ErrNotFound, ErrDeadlineExceeded, ErrMaintenanceJobFailed,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
