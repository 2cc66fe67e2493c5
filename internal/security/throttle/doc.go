// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package throttle provides sliding-window request throttling per logical
// endpoint, with allow and deny lists.
//
// This package implements NIST 800-53 controls:
//   - AC-7: Unsuccessful Logon Attempts (via the "login" rule)
//   - SC-5: Denial of Service Protection
//
// # Rules
//
// A rule bounds how many requests a single key (by default the client
// address) may make to an endpoint inside a trailing window:
//
//	t := throttle.New()
//	err := t.Configure("login", throttle.Rule{
//	    Window:      time.Minute,
//	    MaxRequests: 5,
//	})
//
// The wildcard endpoint "*" applies to any endpoint without a rule of its
// own. Endpoints with no rule at all are never throttled.
//
// # Checking
//
//	res := t.Check("login", throttle.RequestContext{Address: remoteAddr})
//	if !res.Allowed {
//	    // respond with Retry-After: res.RetryAfterSeconds()
//	}
//
// A record whose age equals the window still counts against the limit.
// Denied requests are not recorded, so RetryAfter is the time until the
// oldest retained request leaves the window.
//
// # Lists
//
// Deny-listed keys are always rejected; allow-listed keys are always
// accepted without being counted. A key on both lists is rejected.
package throttle
