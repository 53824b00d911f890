// Package errors defines the trading core's error taxonomy.
//
// Errors fall into three classes: deterministic rejections (validation,
// lifecycle state, funds/position checks) that are returned to the caller
// as-is, transient concurrency errors that the coordinator retries, and
// settlement failures that require an operator-visible resumed sweep.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions re-exported for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Kind classifies an error for HTTP mapping and retry policy.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindInsufficientBalance  Kind = "insufficient_balance"
	KindInsufficientPosition Kind = "insufficient_position"
	KindMarketNotOpen        Kind = "market_not_open"
	KindContractResolved     Kind = "contract_already_resolved"
	KindOrderTerminal        Kind = "order_already_terminal"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "transaction_conflict"
	KindSettlementFailure    Kind = "settlement_failure"
	KindInternal             Kind = "internal_error"
)

// Error carries a kind, a human readable message, and an optional cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// Retriable marks errors the caller may safely resubmit, i.e. the
	// operation had no effect (exhausted concurrency retries).
	Retriable bool `json:"retriable,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by kind so callers can compare against sentinels.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindInsufficientBalance, KindInsufficientPosition:
		return http.StatusBadRequest
	case KindMarketNotOpen, KindContractResolved, KindOrderTerminal:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a deterministic input-validation rejection.
func Validation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

// InsufficientBalance rejects a BUY that exceeds available funds.
func InsufficientBalance(format string, args ...any) *Error {
	return newError(KindInsufficientBalance, format, args...)
}

// InsufficientPosition rejects a SELL that exceeds held shares.
func InsufficientPosition(format string, args ...any) *Error {
	return newError(KindInsufficientPosition, format, args...)
}

// MarketNotOpen rejects an operation illegal for the current lifecycle state.
func MarketNotOpen(format string, args ...any) *Error {
	return newError(KindMarketNotOpen, format, args...)
}

// ContractResolved rejects writes against a contract whose resolution is set.
func ContractResolved(format string, args ...any) *Error {
	return newError(KindContractResolved, format, args...)
}

// OrderTerminal reports a cancel against a FILLED or CANCELLED order.
func OrderTerminal(format string, args ...any) *Error {
	return newError(KindOrderTerminal, format, args...)
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// RetryExhausted surfaces a concurrency conflict after the retry budget is
// spent. The operation did not apply; the caller may resubmit.
func RetryExhausted(cause error) *Error {
	return &Error{
		Kind:      KindConflict,
		Message:   "high contention, operation not applied",
		Retriable: true,
		cause:     cause,
	}
}

// SettlementFailure wraps an interrupted settlement pass. Affected positions
// remain unsettled and are picked up by the next sweep.
func SettlementFailure(cause error) *Error {
	return &Error{
		Kind:    KindSettlementFailure,
		Message: "settlement pass failed, sweep will resume",
		cause:   cause,
	}
}

// Internal wraps an unexpected error.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: cause}
}
