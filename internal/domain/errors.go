package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the routing domain.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrSSRFBlocked  = fmt.Errorf("request to private/reserved address blocked")

	// ErrWorkerBusy means a guarded claim or unregister lost to the worker's
	// live load: the worker was at capacity (or no longer available) at
	// write time.
	ErrWorkerBusy = fmt.Errorf("worker at capacity")

	// ErrConflict means a status-gated task transition found the task in a
	// different state than expected; another path already processed it.
	ErrConflict = fmt.Errorf("concurrent state change")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Router.Route")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown      ErrorCode = "UNKNOWN"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeSSRFBlocked  ErrorCode = "SSRF_BLOCKED"
	CodeWorkerBusy   ErrorCode = "WORKER_BUSY"
	CodeConflict     ErrorCode = "CONFLICT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrInvalidInput: CodeInvalidInput,
	ErrSSRFBlocked:  CodeSSRFBlocked,
	ErrWorkerBusy:   CodeWorkerBusy,
	ErrConflict:     CodeConflict,
}

// ErrorCodeOf returns the machine-parseable code for err, walking the error
// chain with errors.Is. Returns CodeUnknown when no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
