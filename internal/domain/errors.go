package domain

import "fmt"

// Error types for consistent error handling across the attendance flow.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates malformed input (empty PIX key, non-positive
// amount, unknown stage). Surfaced inline next to the offending control.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrProvider indicates a create/poll call failed at the transport level.
// Retried only on explicit operator action.
type ErrProvider struct {
	Service string
	Err     error
}

func (e *ErrProvider) Error() string {
	return fmt.Sprintf("provider error [%s]: %v", e.Service, e.Err)
}

func (e *ErrProvider) Unwrap() error {
	return e.Err
}

// ErrDeclined indicates the provider or terminal explicitly reported the
// charge as failed. Non-retriable for the same attempt.
type ErrDeclined struct {
	Method PaymentMethod
	Reason string
}

func (e *ErrDeclined) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s declined: %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("%s declined", e.Method)
}

// ErrConfiguration indicates a missing tenant setting (no PIX key, terminal
// not enabled). Surfaced as a disabled control, not a transient banner.
type ErrConfiguration struct {
	Setting string
	Message string
}

func (e *ErrConfiguration) Error() string {
	return fmt.Sprintf("configuration error [%s]: %s", e.Setting, e.Message)
}

// ErrConcurrencyGuard indicates an operation was attempted while another is
// in flight for the same checkout. The UI keeps the control disabled, so
// this is not surfaced as a user-facing error banner.
type ErrConcurrencyGuard struct {
	Operation string
}

func (e *ErrConcurrencyGuard) Error() string {
	return fmt.Sprintf("operation already in flight: %s", e.Operation)
}

// ErrChargeExpired indicates the outstanding charge can no longer be paid
// and must be regenerated with a fresh attempt.
type ErrChargeExpired struct {
	OrderID string
}

func (e *ErrChargeExpired) Error() string {
	return fmt.Sprintf("charge expired: %s", e.OrderID)
}

// ErrStageLocked indicates a stage transition was attempted before its
// predecessor was done or skipped.
type ErrStageLocked struct {
	Stage Stage
}

func (e *ErrStageLocked) Error() string {
	return fmt.Sprintf("stage locked: %s", e.Stage)
}

// ErrConflict indicates the operation does not apply to the checkout's or
// stage's current state (e.g. dismissing an unresolved checkout).
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// ErrCircuitOpen indicates the circuit breaker is open for a downstream.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrUnauthorized indicates an invalid or missing operator token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}
