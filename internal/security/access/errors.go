// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/accessguard/internal/security/throttle"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

var (
	// ErrRateLimited matches every *RateLimitedError.
	ErrRateLimited = errors.New("too many attempts")

	// ErrInvalidCredentials is returned for any username or password
	// mismatch. It never says which one was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrSecondFactorRequired is returned when the credentials are valid but
	// a second factor is needed from this device.
	ErrSecondFactorRequired = errors.New("second factor required")

	// ErrSecondFactorInvalid is returned when the supplied code did not
	// verify as a time code or a backup code.
	ErrSecondFactorInvalid = errors.New("second factor invalid")

	// ErrSessionNotFound is returned for unknown, expired and terminated
	// sessions alike.
	ErrSessionNotFound = errors.New("session not found")
)

// RateLimitedError reports a throttled login attempt.
type RateLimitedError struct {
	// Endpoint is the throttle endpoint that rejected the attempt.
	Endpoint string

	// Reason is the throttle's reason for the rejection.
	Reason throttle.Reason

	// RetryAfter is how long the caller should wait. Zero for deny-listed
	// keys, which have no retry time.
	RetryAfter time.Duration
}

func newRateLimitedError(endpoint string, res throttle.Result) *RateLimitedError {
	return &RateLimitedError{
		Endpoint:   endpoint,
		Reason:     res.Reason,
		RetryAfter: res.RetryAfter,
	}
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: retry after %ds", ErrRateLimited, e.RetryAfterSeconds())
	}
	return ErrRateLimited.Error()
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (e *RateLimitedError) RetryAfterSeconds() int {
	return throttle.Result{RetryAfter: e.RetryAfter}.RetryAfterSeconds()
}
