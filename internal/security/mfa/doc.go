// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mfa provides second-factor verification for IL5 compliance.
//
// This package implements NIST 800-53 IA-2(1) and IA-2(8) controls:
//   - IA-2(1): Multi-factor Authentication for Network Access
//   - IA-2(8): Network Access to Privileged Accounts - Replay Resistant
//   - IA-5: Authenticator Management (backup codes)
//
// # Enrollment
//
//	v := mfa.NewVerifier()
//	enr, err := v.Enroll("user123")
//	// Show enr.BackupCodes once; render enr.QRCode(256) for the authenticator app.
//
// The verifier keeps secrets in memory only. A stored enrollment is loaded
// with Restore, using the secret and DigestBackupCode of each unused code:
//
//	err := v.Restore("user123", secret, digests)
//
// # Verification
//
// Time codes are accepted for the current period and one period either side.
// Verifying a time code has no side effects. Backup codes are single use:
//
//	ok := v.VerifyTimeCode("user123", code)
//	if !ok {
//	    ok = v.VerifyBackupCode("user123", code)
//	}
//
// # Trusted Devices
//
// After a successful second-factor login a device fingerprint may be trusted
// so that later logins from it skip the second factor:
//
//	v.MarkDeviceTrusted("user123", fingerprint)
//	if v.IsDeviceTrusted("user123", fingerprint) { ... }
package mfa
