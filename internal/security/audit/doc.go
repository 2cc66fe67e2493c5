// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records security-relevant access events.
//
// This package implements NIST 800-53 AU-* controls:
//   - AU-2: Audit Events - login outcomes are named events (see the Event* constants)
//   - AU-3: Content of Audit Records - every record carries an ID, timestamp and structured data
//   - AU-5: Response to Audit Processing Failures - failure callback on write errors
//   - AU-9: Protection of Audit Information - optional HMAC chain over file records
//
// # Sinks
//
// Everything that accepts events implements Sink. Recording is fire-and-forget:
// sinks never return errors to the caller and report failures out of band.
//
// Logger - append-only JSON-lines file with secret redaction
//
//	logger, err := audit.NewLogger("/var/log/accessguard/audit.log",
//	    audit.WithChainKey(key),
//	    audit.WithFailureCallback(func(err error) { alert(err) }),
//	)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
// SQLiteSink - events in an audit_events table
//
//	sink, err := audit.OpenSQLite("/var/lib/accessguard/audit.db")
//	events, err := sink.Query(ctx, audit.Filter{Name: audit.EventLoginSuccess})
//
// Memory and Multi are an in-process buffer and a fan-out.
//
// # Integrity
//
// With a chain key, each file record carries the HMAC-SHA256 of its content
// and the previous record's MAC. VerifyChain detects edits, deletions and
// reordering.
package audit
