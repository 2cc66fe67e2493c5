// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the accessguard operator commands.
//
// Commands check and print the access policy, provision second factors and
// password hashes, and manage the audit trail:
//
//   - validate, policy, init: configuration (CM-6)
//   - keygen, verify: audit chain keys and integrity checks (AU-9)
//   - events: audit queries against the SQLite store (AU-6)
//   - hash: bcrypt hashes for the users table (IA-5)
//   - enroll: second-factor provisioning with QR codes (IA-2(1))
//   - watch: runs the components and applies configuration changes live
//
// Every command accepts --json and then prints a JSONResponse envelope.
// Colors follow NO_COLOR, FORCE_COLOR and TTY detection.
//
// Usage:
//
//	cmd, args := cli.Parse(os.Args[1:])
//	os.Exit(cli.NewApp().Run(ctx, cmd, args))
package cli
