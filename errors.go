package planauth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAccountNotFound is returned when the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAlreadyVerified is returned when a verification operation targets an
	// account whose email is already verified. Non-retryable.
	ErrAlreadyVerified = errors.New("account already verified")
	// ErrAlreadyExists is returned by Register when the email or username is taken.
	ErrAlreadyExists = errors.New("account already exists")
	// ErrInvalidCode is returned when the submitted verification code does not
	// match the account's current code.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrCodeExpired is returned when the submitted verification code matched
	// but its validity window has passed.
	ErrCodeExpired = errors.New("verification code expired")
	// ErrThrottled is the sentinel wrapped by [ThrottledError].
	ErrThrottled = errors.New("operation throttled")
	// ErrLocked is the sentinel wrapped by [LockedError].
	ErrLocked = errors.New("account verification locked")
	// ErrInvalidCredential is returned for any refresh credential that cannot
	// be redeemed: malformed, unknown, already rotated, or expired. The
	// specific reason is recorded in the audit stream only.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrInvalidCredentials is returned by Login for any credential failure.
	// It never distinguishes an unknown identifier from a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrBanned is returned by Login when the identifier is on the banlist.
	ErrBanned = errors.New("account banned")
	// ErrLoginRateLimited is returned when the login attempt budget for an
	// identifier or IP is exhausted.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrSessionNotFound is returned by session management operations when the
	// referenced session does not belong to the account.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInternal is returned when a backing store or collaborator failed
	// unexpectedly. Details are logged, never surfaced.
	ErrInternal = errors.New("internal error")
	// ErrEngineNotReady is returned when the engine is used before Build
	// completed or with a missing dependency.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// ThrottledError reports a rate-limit gate with the remaining wait time.
// It unwraps to [ErrThrottled].
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("operation throttled, retry in %ds", e.SecondsLeft())
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// SecondsLeft returns the remaining wait rounded up to whole seconds.
func (e *ThrottledError) SecondsLeft() int {
	if e == nil || e.RetryAfter <= 0 {
		return 0
	}
	return int((e.RetryAfter + time.Second - 1) / time.Second)
}

// LockedError reports a verification lockout with the remaining duration.
// It unwraps to [ErrLocked]. Recoverable only by waiting or AdminUnlock.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account verification locked, retry in %ds", e.SecondsLeft())
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// SecondsLeft returns the remaining lockout rounded up to whole seconds.
func (e *LockedError) SecondsLeft() int {
	if e == nil || e.RetryAfter <= 0 {
		return 0
	}
	return int((e.RetryAfter + time.Second - 1) / time.Second)
}
