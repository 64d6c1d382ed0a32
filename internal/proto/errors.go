package proto

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FloodWaitError is the platform's rate-limit signal. The signalled wait is
// authoritative; the rate coordinator applies its floor and buffer on top.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string { return fmt.Sprintf("flood wait %s", e.Wait) }

// FloodWait wraps a wait duration as a FloodWaitError.
func FloodWait(wait time.Duration) error {
	if wait < 0 {
		wait = 0
	}
	return &FloodWaitError{Wait: wait}
}

// AsFloodWait extracts the signalled wait from err, if present.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}

// AccountInvalidError means the platform rejected the account itself
// (banned, deactivated, session revoked). Terminal for the account, not for
// the operation.
type AccountInvalidError struct {
	Reason string
}

func (e *AccountInvalidError) Error() string {
	if e.Reason == "" {
		return "account invalid"
	}
	return "account invalid: " + e.Reason
}

// AccountInvalid wraps a reason as an AccountInvalidError.
func AccountInvalid(reason string) error { return &AccountInvalidError{Reason: reason} }

// IsAccountInvalid reports whether err marks the account terminally invalid.
func IsAccountInvalid(err error) bool {
	var ai *AccountInvalidError
	return errors.As(err, &ai)
}

// IsTransient reports whether err should count against an operation's retry
// budget. Everything that is neither a flood-wait nor an account-invalid
// signal is transient, including call timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := AsFloodWait(err); ok {
		return false
	}
	if IsAccountInvalid(err) {
		return false
	}
	return true
}

// IsTimeout reports whether err is a call-deadline hit.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
