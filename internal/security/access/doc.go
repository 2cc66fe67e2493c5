// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package access runs the login protocol on top of the throttle, mfa and
// session packages and records every outcome to an audit sink.
//
// This package implements NIST 800-53 controls:
//   - AC-7: Unsuccessful Logon Attempts (login throttling)
//   - AC-12: Session Termination (logout, logout everywhere)
//   - IA-2: Identification and Authentication
//   - IA-2(1): Multi-Factor Authentication
//   - AU-2: Event Logging (one audit event per login outcome)
//
// # Login Protocol
//
// Login checks, in order:
//
//  1. the "login" throttle rule for the client, returning *RateLimitedError;
//  2. the password, returning ErrInvalidCredentials without saying which
//     part was wrong;
//  3. the second factor, when the user requires one and the device is not
//     trusted. No code yields ErrSecondFactorRequired. A code is tried as a
//     time code and then as a backup code; one that is neither yields
//     ErrSecondFactorInvalid. Codes are throttled only when a "login:mfa"
//     rule is configured;
//  4. session creation, which may evict the user's least recently used
//     session.
//
// Usage:
//
//	creds := access.NewMemoryCredentials(bcrypt.DefaultCost)
//	_ = creds.AddUser(access.Identity{UserID: "u1", Username: "alice"}, "pw")
//
//	coord, err := access.New(creds, access.WithAuditSink(sink))
//	if err != nil {
//	    return err
//	}
//
//	res, err := coord.Login(ctx, access.Credentials{
//	    Username: "alice",
//	    Password: "pw",
//	}, session.DeviceInfo{Address: "203.0.113.7"})
//	switch {
//	case errors.Is(err, access.ErrRateLimited):
//	    // 429 with Retry-After
//	case errors.Is(err, access.ErrSecondFactorRequired):
//	    // prompt for a code
//	}
//
// # Configuration
//
// NewFromConfig builds every component from a config.Config and enrolls the
// users that carry an mfa_secret. Reload applies a changed throttle policy to
// a running Coordinator; enrollments are left as they are so backup codes
// used since startup stay used.
package access
