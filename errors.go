package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrRateLimited        = errors.New("llmrouter: rate limited by provider")
	ErrTransient          = errors.New("llmrouter: transient upstream error")
	ErrPermanent          = errors.New("llmrouter: permanent upstream error")
	ErrCircuitOpen        = errors.New("llmrouter: circuit open")
	ErrBudgetExceeded     = errors.New("llmrouter: budget exceeded")
	ErrRetriesExhausted   = errors.New("llmrouter: retries exhausted without a captured error")
	ErrUnknownProvider    = errors.New("llmrouter: unknown provider")
	ErrInvalidRequest     = errors.New("llmrouter: invalid request")
	ErrUnknownReservation = errors.New("llmrouter: unknown reservation")
	ErrUnknownRoute       = errors.New("llmrouter: unknown route")
)

// RateLimitedError reports that the upstream asked us to slow down.
// RetryAfter is zero when the provider gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *RateLimitedError) Error() string {
	msg := ErrRateLimited.Error()
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }
func (e *RateLimitedError) Unwrap() error        { return e.Cause }

// TransientError is a retryable upstream failure, typically 5xx or a
// dropped connection. Status is zero when no HTTP status was received.
type TransientError struct {
	Status int
	Cause  error
}

func (e *TransientError) Error() string {
	msg := ErrTransient.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status=%d", msg, e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransientError) Is(target error) bool { return target == ErrTransient }
func (e *TransientError) Unwrap() error        { return e.Cause }

// PermanentError is an upstream failure that retrying will not fix
// (bad request, auth failure, unknown model).
type PermanentError struct {
	Status int
	Cause  error
}

func (e *PermanentError) Error() string {
	msg := ErrPermanent.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status=%d", msg, e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PermanentError) Is(target error) bool { return target == ErrPermanent }
func (e *PermanentError) Unwrap() error        { return e.Cause }

// CircuitOpenError is returned without calling the provider while a
// route's breaker is open.
type CircuitOpenError struct {
	Route     string
	OpenUntil time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: route=%s until=%s", ErrCircuitOpen, e.Route, e.OpenUntil.Format(time.RFC3339Nano))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// BudgetExceededError is returned by BudgetManager.Reserve under the fail
// strategy.
type BudgetExceededError struct {
	RequestedTokens int64
	RequestedCost   float64
	TokensSpent     int64
	MaxTokens       int64
	CostSpent       float64
	MaxCostUSD      *float64
}

func (e *BudgetExceededError) Error() string {
	msg := fmt.Sprintf("%s: tokens %d+%d > %d", ErrBudgetExceeded, e.TokensSpent, e.RequestedTokens, e.MaxTokens)
	if e.MaxCostUSD != nil {
		msg += fmt.Sprintf(", cost $%.6f+$%.6f (max $%.6f)", e.CostSpent, e.RequestedCost, *e.MaxCostUSD)
	}
	return msg
}

func (e *BudgetExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

// ErrorClass is the retry-relevant category of an error.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassRateLimited
	ClassTransient
	ClassPermanent
	ClassCircuitOpen
	ClassBudgetExceeded
	ClassCanceled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCircuitOpen:
		return "circuit_open"
	case ClassBudgetExceeded:
		return "budget_exceeded"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps err onto an ErrorClass. Errors of any other shape fall
// into ClassUnknown, which the router does not retry.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrTransient):
		return ClassTransient
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, ErrBudgetExceeded):
		return ClassBudgetExceeded
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrInvalidRequest):
		return ClassPermanent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	default:
		return ClassUnknown
	}
}

// IsRetryable returns true if the router may retry the request on the
// same route.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassRateLimited, ClassTransient:
		return true
	default:
		return false
	}
}

// RetryAfterOf extracts the provider-suggested delay from a rate limit error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}

// FromStatus maps an unsuccessful upstream HTTP status onto the error
// taxonomy: 429 is rate limited, 408 and 5xx are transient, everything
// else is permanent. cause usually carries the response body.
func FromStatus(status int, retryAfter time.Duration, cause error) error {
	switch {
	case status == 429:
		return &RateLimitedError{RetryAfter: retryAfter, Cause: cause}
	case status == 408, status >= 500:
		return &TransientError{Status: status, Cause: cause}
	default:
		return &PermanentError{Status: status, Cause: cause}
	}
}
