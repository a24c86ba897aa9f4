package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewDomainError to add operation context.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrTimeout      = fmt.Errorf("operation timed out")
)

// Sentinel errors for the orchestration domain.
var (
	ErrCycleActive      = fmt.Errorf("a cycle is already active")
	ErrCycleNotPaused   = fmt.Errorf("cycle is not paused for approval")
	ErrApprovalPending  = fmt.Errorf("unresolved tool invocation blocks the cycle")
	ErrGenerationFailed = fmt.Errorf("generation failed")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrToolFailure      = fmt.Errorf("tool execution failed")
	ErrAgentNotFound    = fmt.Errorf("agent not found")
	ErrProviderError    = fmt.Errorf("inference provider error")
	ErrBadEnvelope      = fmt.Errorf("malformed bridge envelope")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g. "ApprovalGate.Resolve")
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

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
