package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrLockNotAcquired    = errors.New("could not acquire user lock")

	// Lifecycle rule violations (wrapped by ValidationError)
	ErrInvalidTransition   = errors.New("command not allowed in current status")
	ErrPaymentInFlight     = errors.New("a payment is already pending for this user")
	ErrInvoiceMismatch     = errors.New("invoice does not match the pending invoice")
	ErrInvoiceNotPaid      = errors.New("invoice has not been paid")
	ErrUnknownInvoice      = errors.New("unknown invoice")
	ErrInvoiceUserMismatch = errors.New("invoice belongs to another user")
	ErrAmountMismatch      = errors.New("paid amount differs from invoice amount")
	ErrReminderNotDue      = errors.New("reminder not due")
	ErrNotExpired          = errors.New("subscription has not expired yet")
	ErrUnknownPlan         = errors.New("unknown plan")
	ErrNoPanelAccount      = errors.New("subscription has no panel account")

	// Panel failure kinds (wrapped by the external error types)
	ErrAccountNotFound  = errors.New("panel account not found")
	ErrQuotaExceeded    = errors.New("panel quota exceeded")
	ErrPanelAuth        = errors.New("panel authentication failed")
	ErrPanelRejected    = errors.New("panel rejected the request")
	ErrPanelUnavailable = errors.New("panel unavailable")
	ErrDeliveryFailed   = errors.New("message delivery failed")
)

// ConflictError reports a stale expected version. The caller must re-read and retry.
type ConflictError struct {
	UserID   string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict for user %s: expected %d, current %d", e.UserID, e.Expected, e.Actual)
}

// ValidationError is a rejected command or event. Never retried automatically.
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return e.Reason.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// Invalid builds a ValidationError with a formatted detail.
func Invalid(reason error, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// RetryableExternalError is a transient collaborator failure (network, timeout, 5xx).
type RetryableExternalError struct {
	Op  string
	Err error
}

func (e *RetryableExternalError) Error() string {
	return fmt.Sprintf("%s: retryable: %v", e.Op, e.Err)
}

func (e *RetryableExternalError) Unwrap() error { return e.Err }

// TerminalExternalError is a collaborator failure that will not heal by retrying.
// Kind is one of ErrAccountNotFound, ErrQuotaExceeded, ErrPanelAuth, ErrPanelRejected.
type TerminalExternalError struct {
	Op   string
	Kind error
	Err  error
}

func (e *TerminalExternalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *TerminalExternalError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsRetryable(err error) bool {
	var r *RetryableExternalError
	return errors.As(err, &r)
}

func IsTerminal(err error) bool {
	var t *TerminalExternalError
	return errors.As(err, &t)
}

const (
	MsgProcessing     = "Your request is being processed, please try again shortly."
	MsgPaymentPending = "You already have a payment in progress. Complete it or wait for it to expire."
	MsgNotAllowed     = "This action is not available for your subscription right now."
	MsgUnknownPlan    = "This plan is not available."
)

// UserMessage maps any error to a message that is safe to show to a user.
// Internal and external failures degrade to MsgProcessing.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPaymentInFlight):
		return MsgPaymentPending
	case errors.Is(err, ErrUnknownPlan):
		return MsgUnknownPlan
	case errors.Is(err, ErrInvalidTransition):
		return MsgNotAllowed
	default:
		return MsgProcessing
	}
}
