// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and validation for
// accessguard.
//
// Supports both TOML and JSON configuration formats, with defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure
//   - MFAConfig: Second-factor settings (issuer, period, digits, backup codes, device trust)
//   - SessionConfig: Session lifetime and per-user concurrency cap
//   - ThrottleConfig: Per-endpoint rate-limit rules and allow/deny lists
//   - AuditConfig: Audit sinks
//
// # Configuration Precedence
//
//   - Environment variables (ACCESSGUARD_*)
//   - The configuration file (.toml, or .json)
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("/etc/accessguard/config.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Throttle rules can be re-applied when the file changes:
//
//	err := config.Watch(ctx, path, func(cfg *config.Config, err error) {
//	    if err == nil {
//	        coordinator.Reload(cfg)
//	    }
//	})
package config
