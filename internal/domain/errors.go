package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Ledger errors
	ErrInsufficientBalance = errors.New("not enough time in the bank")
	ErrDuplicateOperation  = errors.New("operation already applied")
	ErrInvariantViolation  = errors.New("ledger invariant violated")
	ErrBankFrozen          = fmt.Errorf("time bank is frozen pending repair: %w", ErrInvariantViolation)
	ErrBankNotFound        = errors.New("time bank not found")
	ErrBankExists          = errors.New("time bank already exists")
	ErrBalanceOverflow     = errors.New("balance arithmetic overflow")

	// Session errors
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session state transition")

	// Reward errors
	ErrClaimConflict = errors.New("reward event already claimed for another user")

	// Request errors
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")

	// Infrastructure errors
	ErrTransient = errors.New("temporarily unavailable")
)

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// Invalid returns an ErrInvalidInput with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether the caller may retry the failed operation
// with the same idempotency key.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrBankFrozen)
}
