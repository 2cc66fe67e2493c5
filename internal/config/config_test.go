// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[mfa]
issuer = "corp"
period = "30s"
digits = 6
backup_code_count = 8
trust_ttl = "720h"

[session]
max_age = "1h"
renew_threshold = "10m"
max_concurrent_sessions = 2

[throttle]
deny_list = ["203.0.113.9"]
flood_rate = 100.0
flood_burst = 200

[throttle.rules.login]
window = "1m"
max_requests = 5
key = "address"

[throttle.rules."login:mfa"]
window = "5m"
max_requests = 5
key = "user"

[throttle.rules."api:export"]
window = "10s"
max_requests = 2
key = "user"

[audit]
file = "/var/log/accessguard/audit.log"

[[users]]
id = "u1"
username = "alice"
password_hash = "$2a$10$abcdefghijklmnopqrstuv"
second_factor = true
mfa_secret = "JBSWY3DPEHPK3PXP"
backup_code_digests = ["9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// =============================================================================
// DEFAULTS
// =============================================================================

// TestConfig_Default tests the default configuration.
func TestConfig_Default(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "accessguard", cfg.MFA.Issuer)
	assert.Equal(t, 30*time.Second, cfg.MFA.Period.Duration)
	assert.Equal(t, time.Duration(0), cfg.MFA.TrustTTL.Duration)
	assert.Equal(t, 8*time.Hour, cfg.Session.MaxAge.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Session.RenewThreshold.Duration)
	assert.Equal(t, 3, cfg.Session.MaxConcurrentSessions)
	// Second factor codes are only throttled when a rule is configured.
	assert.Equal(t, []string{LoginEndpoint}, cfg.RuleNames())
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := &Config{
		Throttle: ThrottleConfig{
			Rules: map[string]RuleConfig{
				"api": {Window: D(time.Second), MaxRequests: 1},
			},
		},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, KeyAddress, cfg.Throttle.Rules["api"].Key)
	assert.Contains(t, cfg.Throttle.Rules, LoginEndpoint)
	assert.NotContains(t, cfg.Throttle.Rules, SecondFactorEndpoint)
}

// =============================================================================
// LOADING
// =============================================================================

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.toml", sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "corp", cfg.MFA.Issuer)
	assert.Equal(t, 8, cfg.MFA.BackupCodeCount)
	assert.Equal(t, 720*time.Hour, cfg.MFA.TrustTTL.Duration)
	assert.Equal(t, time.Hour, cfg.Session.MaxAge.Duration)
	assert.Equal(t, 2, cfg.Session.MaxConcurrentSessions)
	assert.Equal(t, []string{"203.0.113.9"}, cfg.Throttle.DenyList)
	assert.Equal(t, 100.0, cfg.Throttle.FloodRate)

	assert.Equal(t, []string{"api:export", LoginEndpoint, SecondFactorEndpoint}, cfg.RuleNames())
	assert.Equal(t, 10*time.Second, cfg.Throttle.Rules["api:export"].Window.Duration)

	require.Len(t, cfg.Users, 1)
	assert.True(t, cfg.Users[0].SecondFactor)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", cfg.Users[0].MFASecret)
	assert.Len(t, cfg.Users[0].BackupCodeDigests, 1)
	assert.Equal(t, KeyUser, cfg.Throttle.Rules[SecondFactorEndpoint].Key)

	// Omitted sections keep their defaults.
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Session.SweepInterval.Duration)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"session": {"max_age": "2h", "max_concurrent_sessions": 5},
		"throttle": {"rules": {"login": {"window": "30s", "max_requests": 3}}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Session.MaxAge.Duration)
	assert.Equal(t, 5, cfg.Session.MaxConcurrentSessions)
	assert.Equal(t, 3, cfg.Throttle.Rules[LoginEndpoint].MaxRequests)
	assert.Equal(t, KeyAddress, cfg.Throttle.Rules[LoginEndpoint].Key)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"missing file", "", "", "failed to load"},
		{"bad toml", "c.toml", "[mfa\n", "failed to decode TOML"},
		{"unknown key", "c.toml", "[mfa]\ncolour = \"red\"\n", "unknown configuration keys"},
		{"bad duration", "c.toml", "[session]\nmax_age = \"soon\"\n", "invalid duration"},
		{"unknown json key", "c.json", `{"nope": 1}`, "failed to decode JSON"},
		{"invalid values", "c.toml", "[mfa]\ndigits = 7\n", "mfa.digits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.toml")
			if tt.file != "" {
				path = writeFile(t, tt.file, tt.content)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.MFA.TrustTTL = D(24 * time.Hour)
	require.NoError(t, SaveTOML(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.MFA, loaded.MFA)
	assert.Equal(t, cfg.Session, loaded.Session)
	assert.Equal(t, cfg.Throttle.Rules, loaded.Throttle.Rules)
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ACCESSGUARD_MFA_ISSUER", "env-issuer")
	t.Setenv("ACCESSGUARD_MFA_TRUST_TTL", "48h")
	t.Setenv("ACCESSGUARD_SESSION_MAX_AGE", "30m")
	t.Setenv("ACCESSGUARD_SESSION_MAX_CONCURRENT", "7")
	t.Setenv("ACCESSGUARD_THROTTLE_DENY", "10.0.0.1, 10.0.0.2")
	t.Setenv("ACCESSGUARD_THROTTLE_ALLOW", "127.0.0.1")
	t.Setenv("ACCESSGUARD_AUDIT_SQLITE", "/tmp/audit.db")
	t.Setenv("ACCESSGUARD_LOG_LEVEL", "debug")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnvOverrides())

	assert.Equal(t, "env-issuer", cfg.MFA.Issuer)
	assert.Equal(t, 48*time.Hour, cfg.MFA.TrustTTL.Duration)
	assert.Equal(t, 30*time.Minute, cfg.Session.MaxAge.Duration)
	assert.Equal(t, 7, cfg.Session.MaxConcurrentSessions)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Throttle.DenyList)
	assert.Equal(t, []string{"127.0.0.1"}, cfg.Throttle.AllowList)
	assert.Equal(t, "/tmp/audit.db", cfg.Audit.SQLite)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnvOverrides_Invalid(t *testing.T) {
	t.Setenv("ACCESSGUARD_SESSION_MAX_AGE", "forever")
	t.Setenv("ACCESSGUARD_SESSION_MAX_CONCURRENT", "many")

	err := Default().ApplyEnvOverrides()
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "ACCESSGUARD_SESSION_MAX_AGE")
	assert.Contains(t, err.Error(), "ACCESSGUARD_SESSION_MAX_CONCURRENT")
}

// =============================================================================
// VALIDATION
// =============================================================================

// TestConfig_Validate tests configuration validation.
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		field  string
	}{
		{"empty issuer", func(c *Config) { c.MFA.Issuer = "" }, "mfa.issuer"},
		{"short period", func(c *Config) { c.MFA.Period = D(time.Millisecond) }, "mfa.period"},
		{"bad digits", func(c *Config) { c.MFA.Digits = 5 }, "mfa.digits"},
		{"no backup codes", func(c *Config) { c.MFA.BackupCodeCount = 0 }, "mfa.backup_code_count"},
		{"negative trust ttl", func(c *Config) { c.MFA.TrustTTL = D(-time.Second) }, "mfa.trust_ttl"},
		{"zero max age", func(c *Config) { c.Session.MaxAge = D(0) }, "session.max_age"},
		{"threshold over max age", func(c *Config) { c.Session.RenewThreshold = D(9 * time.Hour) }, "session.renew_threshold"},
		{"zero cap", func(c *Config) { c.Session.MaxConcurrentSessions = 0 }, "session.max_concurrent_sessions"},
		{"zero window", func(c *Config) {
			c.Throttle.Rules["x"] = RuleConfig{MaxRequests: 1, Key: KeyAddress}
		}, `throttle.rules."x".window`},
		{"zero max", func(c *Config) {
			c.Throttle.Rules["x"] = RuleConfig{Window: D(time.Second), Key: KeyAddress}
		}, `throttle.rules."x".max_requests`},
		{"bad key", func(c *Config) {
			c.Throttle.Rules["x"] = RuleConfig{Window: D(time.Second), MaxRequests: 1, Key: "cookie"}
		}, `throttle.rules."x".key`},
		{"flood without burst", func(c *Config) { c.Throttle.FloodRate = 10 }, "throttle.flood_burst"},
		{"chain key without file", func(c *Config) { c.Audit.ChainKeyFile = "/k" }, "audit.chain_key_file"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"user without hash", func(c *Config) {
			c.Users = []UserConfig{{ID: "u1", Username: "alice", PasswordHash: "plain"}}
		}, "users[0].password_hash"},
		{"duplicate user", func(c *Config) {
			c.Users = []UserConfig{
				{ID: "u1", Username: "alice", PasswordHash: "$2a$x"},
				{ID: "u2", Username: "alice", PasswordHash: "$2a$x"},
			}
		}, "users[1].username"},
		{"secret not base32", func(c *Config) {
			c.Users = []UserConfig{{ID: "u1", Username: "alice", PasswordHash: "$2a$x", MFASecret: "abc!"}}
		}, "users[0].mfa_secret"},
		{"digests without secret", func(c *Config) {
			c.Users = []UserConfig{{ID: "u1", Username: "alice", PasswordHash: "$2a$x",
				BackupCodeDigests: []string{strings.Repeat("a", 64)}}}
		}, "users[0].backup_code_digests"},
		{"short digest", func(c *Config) {
			c.Users = []UserConfig{{ID: "u1", Username: "alice", PasswordHash: "$2a$x",
				MFASecret: "JBSWY3DPEHPK3PXP", BackupCodeDigests: []string{"abcd"}}}
		}, "users[0].backup_code_digests[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			err := c.Validate()
			require.Error(t, err)

			var ve ValidateErrors
			require.ErrorAs(t, err, &ve)
			var fields []string
			for _, e := range ve {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidateErrors_Error(t *testing.T) {
	assert.Equal(t, "no validation errors", ValidateErrors{}.Error())
	errs := ValidateErrors{{Field: "a", Message: "x"}, {Field: "b", Message: "y"}}
	assert.Equal(t, "a: x; b: y", errs.Error())
}

// =============================================================================
// HELPERS
// =============================================================================

// TestConfig_Clone tests deep copying.
func TestConfig_Clone(t *testing.T) {
	orig := Default()
	orig.Throttle.DenyList = []string{"a"}
	orig.Users = []UserConfig{{ID: "u1", Username: "alice", PasswordHash: "$2a$x"}}

	clone := orig.Clone()
	clone.Throttle.Rules[LoginEndpoint] = RuleConfig{}
	clone.Throttle.DenyList[0] = "b"
	clone.Users[0].Username = "mallory"

	assert.Equal(t, 5, orig.Throttle.Rules[LoginEndpoint].MaxRequests)
	assert.Equal(t, "a", orig.Throttle.DenyList[0])
	assert.Equal(t, "alice", orig.Users[0].Username)
}

func TestConfig_StringRedactsHashes(t *testing.T) {
	cfg := Default()
	cfg.Users = []UserConfig{{ID: "u1", Username: "alice", PasswordHash: "$2a$10$secret"}}

	s := cfg.String()
	assert.NotContains(t, s, "$2a$10$secret")
	assert.Contains(t, s, "[REDACTED]")
	assert.Contains(t, s, `"max_age": "8h0m0s"`)
	assert.Equal(t, "$2a$10$secret", cfg.Users[0].PasswordHash)
}

func TestConfig_RedactedHidesSecondFactor(t *testing.T) {
	cfg := Default()
	cfg.Users = []UserConfig{{
		ID: "u1", Username: "alice", PasswordHash: "$2a$10$secret",
		MFASecret: "JBSWY3DPEHPK3PXP", BackupCodeDigests: []string{strings.Repeat("b", 64)},
	}}

	safe := cfg.Redacted()
	assert.Equal(t, "[REDACTED]", safe.Users[0].MFASecret)
	assert.Equal(t, []string{"[REDACTED]"}, safe.Users[0].BackupCodeDigests)
	assert.NotContains(t, cfg.String(), "JBSWY3DPEHPK3PXP")

	// The original keeps its values.
	assert.Equal(t, "JBSWY3DPEHPK3PXP", cfg.Users[0].MFASecret)
	assert.Equal(t, strings.Repeat("b", 64), cfg.Users[0].BackupCodeDigests[0])
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 90s ")))
	assert.Equal(t, 90*time.Second, d.Duration)

	require.NoError(t, d.UnmarshalText(nil))
	assert.Equal(t, time.Duration(0), d.Duration)

	assert.Error(t, d.UnmarshalText([]byte("ninety")))
}

// =============================================================================
// WATCH
// =============================================================================

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeFile(t, "config.toml", "[session]\nmax_concurrent_sessions = 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		got  []*Config
		errs []error
	)
	err := WatchWithDebounce(ctx, path, 20*time.Millisecond, func(cfg *Config, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		got = append(got, cfg)
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[session]\nmax_concurrent_sessions = 4\n"), 0600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Session.MaxConcurrentSessions == 4
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("[session]\nmax_concurrent_sessions = -1\n"), 0600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range errs {
			if strings.Contains(e.Error(), "session.max_concurrent_sessions") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "config.toml"), func(*Config, error) {})
	require.Error(t, err)
}
