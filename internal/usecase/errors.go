package usecase

import (
	"fmt"
	"time"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// RateLimitStatus describes the generation cooldown window as seen by one
// rate-limit check. RemainingSeconds is rounded up so "wait N seconds" is
// never an under-estimate.
type RateLimitStatus struct {
	Limited          bool      `json:"isLimited"`
	RemainingSeconds int       `json:"remainingSeconds,omitempty"`
	CooldownEnds     time.Time `json:"cooldownEnds,omitempty"`
}

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error

	// RateLimit is set on ErrorRateLimited so transports can surface the
	// retry-after information without re-reading shared state.
	RateLimit *RateLimitStatus
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func newRateLimitError(reason string, status RateLimitStatus) *Error {
	return &Error{Code: ErrorRateLimited, Reason: reason, RateLimit: &status}
}
