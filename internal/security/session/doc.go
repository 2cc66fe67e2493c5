// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session manages authenticated session lifetime for IL5 compliance.
//
// This package implements NIST 800-53 AC-10, AC-12 session controls:
//   - AC-10: Concurrent Session Control
//   - AC-12: Session Termination
//
// # Lifetime
//
// A session expires MaxAge after it is created. Validating a session whose
// remaining lifetime has dropped under RenewThreshold extends it to MaxAge
// from now; expiry never moves backwards. Expired and destroyed sessions
// are indistinguishable from unknown ones.
//
//	store := session.NewStore(session.WithConfig(session.Config{
//	    MaxAge:                8 * time.Hour,
//	    RenewThreshold:        15 * time.Minute,
//	    MaxConcurrentSessions: 3,
//	}))
//	s, err := store.Create(userID, session.DeviceInfo{Address: addr})
//	...
//	s, ok := store.Validate(s.ID)
//
// # Concurrent Sessions (AC-10)
//
// Creating a session for a user already at MaxConcurrentSessions evicts the
// least recently accessed sessions first. Creation always succeeds.
package session
