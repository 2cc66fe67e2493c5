// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "ACCESSGUARD_"

	// LoginEndpoint and SecondFactorEndpoint are the throttle endpoints the
	// login protocol consults. LoginEndpoint always has a rule;
	// SecondFactorEndpoint is only enforced when a rule is configured for it.
	LoginEndpoint        = "login"
	SecondFactorEndpoint = "login:mfa"

	redacted = "[REDACTED]"

	// Rule key strategies.
	KeyAddress     = "address"
	KeyUser        = "user"
	KeyAddressUser = "address+user"
)

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as a Go duration string ("90s",
// "15m") in configuration files.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete accessguard configuration.
type Config struct {
	MFA      MFAConfig      `toml:"mfa" json:"mfa"`
	Session  SessionConfig  `toml:"session" json:"session"`
	Throttle ThrottleConfig `toml:"throttle" json:"throttle"`
	Audit    AuditConfig    `toml:"audit" json:"audit"`
	Log      LogConfig      `toml:"log" json:"log"`
	Users    []UserConfig   `toml:"users" json:"users,omitempty"`
}

// MFAConfig configures second-factor verification (IA-2(1)).
type MFAConfig struct {
	Issuer          string   `toml:"issuer" json:"issuer"`
	Period          Duration `toml:"period" json:"period"`
	Digits          int      `toml:"digits" json:"digits"`
	BackupCodeCount int      `toml:"backup_code_count" json:"backup_code_count"`

	// TrustTTL bounds device trust. Zero means trust never expires.
	TrustTTL Duration `toml:"trust_ttl" json:"trust_ttl"`
}

// SessionConfig configures session lifetime (AC-10, AC-12).
type SessionConfig struct {
	MaxAge                Duration `toml:"max_age" json:"max_age"`
	RenewThreshold        Duration `toml:"renew_threshold" json:"renew_threshold"`
	MaxConcurrentSessions int      `toml:"max_concurrent_sessions" json:"max_concurrent_sessions"`
	SweepInterval         Duration `toml:"sweep_interval" json:"sweep_interval"`
}

// ThrottleConfig configures request throttling (AC-7, SC-5).
type ThrottleConfig struct {
	Rules         map[string]RuleConfig `toml:"rules" json:"rules"`
	DenyList      []string              `toml:"deny_list" json:"deny_list,omitempty"`
	AllowList     []string              `toml:"allow_list" json:"allow_list,omitempty"`
	SweepInterval Duration              `toml:"sweep_interval" json:"sweep_interval"`

	// FloodRate is the global request rate per second. Zero disables the
	// flood guard.
	FloodRate  float64 `toml:"flood_rate" json:"flood_rate"`
	FloodBurst int     `toml:"flood_burst" json:"flood_burst"`
}

// RuleConfig is one throttle rule.
type RuleConfig struct {
	Window      Duration `toml:"window" json:"window"`
	MaxRequests int      `toml:"max_requests" json:"max_requests"`
	Key         string   `toml:"key" json:"key"`
}

// AuditConfig selects audit sinks. Every configured sink receives every
// event.
type AuditConfig struct {
	File         string `toml:"file" json:"file"`
	SQLite       string `toml:"sqlite" json:"sqlite"`
	ChainKeyFile string `toml:"chain_key_file" json:"chain_key_file"`
	MaxFileSize  int64  `toml:"max_file_size" json:"max_file_size"`
}

// LogConfig configures the operational logger.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// UserConfig seeds the built-in credential store.
type UserConfig struct {
	ID           string `toml:"id" json:"id"`
	Username     string `toml:"username" json:"username"`
	PasswordHash string `toml:"password_hash" json:"password_hash"`
	SecondFactor bool   `toml:"second_factor" json:"second_factor"`

	// MFASecret is the base32 time-code secret issued by "accessguard enroll".
	MFASecret string `toml:"mfa_secret" json:"mfa_secret,omitempty"`

	// BackupCodeDigests are the SHA-256 hex digests of the unused backup codes.
	BackupCodeDigests []string `toml:"backup_code_digests" json:"backup_code_digests,omitempty"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MFA: MFAConfig{
			Issuer:          "accessguard",
			Period:          D(30 * time.Second),
			Digits:          6,
			BackupCodeCount: 10,
		},
		Session: SessionConfig{
			MaxAge:                D(8 * time.Hour),
			RenewThreshold:        D(15 * time.Minute),
			MaxConcurrentSessions: 3,
			SweepInterval:         D(time.Minute),
		},
		Throttle: ThrottleConfig{
			Rules:         DefaultRules(),
			SweepInterval: D(time.Minute),
		},
		Audit: AuditConfig{
			MaxFileSize: 10 * 1024 * 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultRules returns the login throttle rule.
func DefaultRules() map[string]RuleConfig {
	return map[string]RuleConfig{
		LoginEndpoint: {
			Window:      D(time.Minute),
			MaxRequests: 5,
			Key:         KeyAddress,
		},
	}
}

// SetDefaults fills zero values with defaults. The login rule is always
// present.
func (c *Config) SetDefaults() {
	d := Default()

	if c.MFA.Issuer == "" {
		c.MFA.Issuer = d.MFA.Issuer
	}
	if c.MFA.Period.Duration == 0 {
		c.MFA.Period = d.MFA.Period
	}
	if c.MFA.Digits == 0 {
		c.MFA.Digits = d.MFA.Digits
	}
	if c.MFA.BackupCodeCount == 0 {
		c.MFA.BackupCodeCount = d.MFA.BackupCodeCount
	}

	if c.Session.MaxAge.Duration == 0 {
		c.Session.MaxAge = d.Session.MaxAge
	}
	if c.Session.MaxConcurrentSessions == 0 {
		c.Session.MaxConcurrentSessions = d.Session.MaxConcurrentSessions
	}

	if c.Throttle.Rules == nil {
		c.Throttle.Rules = make(map[string]RuleConfig)
	}
	for name, rule := range d.Throttle.Rules {
		if _, ok := c.Throttle.Rules[name]; !ok {
			c.Throttle.Rules[name] = rule
		}
	}
	for name, rule := range c.Throttle.Rules {
		if rule.Key == "" {
			rule.Key = KeyAddress
			c.Throttle.Rules[name] = rule
		}
	}

	if c.Audit.MaxFileSize == 0 {
		c.Audit.MaxFileSize = d.Audit.MaxFileSize
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration at path (TOML, or JSON for a .json suffix)
// over the defaults, then applies environment overrides, defaults and
// validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	// A rule in the file is taken whole. A missing login rule is filled in by
	// SetDefaults.
	cfg.Throttle.Rules = nil

	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file into cfg. Unknown keys are rejected.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// LoadJSON decodes a JSON file into cfg. Unknown keys are rejected.
func LoadJSON(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// SaveTOML writes cfg to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Sync()
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies ACCESSGUARD_* environment variables:
//   - ACCESSGUARD_MFA_ISSUER: overrides mfa.issuer
//   - ACCESSGUARD_MFA_TRUST_TTL: overrides mfa.trust_ttl
//   - ACCESSGUARD_SESSION_MAX_AGE: overrides session.max_age
//   - ACCESSGUARD_SESSION_RENEW_THRESHOLD: overrides session.renew_threshold
//   - ACCESSGUARD_SESSION_MAX_CONCURRENT: overrides session.max_concurrent_sessions
//   - ACCESSGUARD_THROTTLE_DENY: comma-separated keys appended to throttle.deny_list
//   - ACCESSGUARD_THROTTLE_ALLOW: comma-separated keys appended to throttle.allow_list
//   - ACCESSGUARD_AUDIT_FILE: overrides audit.file
//   - ACCESSGUARD_AUDIT_SQLITE: overrides audit.sqlite
//   - ACCESSGUARD_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidateErrors

	if v := getenv("MFA_ISSUER"); v != "" {
		c.MFA.Issuer = v
	}
	envDuration(&errs, "MFA_TRUST_TTL", &c.MFA.TrustTTL)
	envDuration(&errs, "SESSION_MAX_AGE", &c.Session.MaxAge)
	envDuration(&errs, "SESSION_RENEW_THRESHOLD", &c.Session.RenewThreshold)

	if v := getenv("SESSION_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + "SESSION_MAX_CONCURRENT", Message: "must be an integer"})
		} else {
			c.Session.MaxConcurrentSessions = n
		}
	}

	c.Throttle.DenyList = append(c.Throttle.DenyList, splitList(getenv("THROTTLE_DENY"))...)
	c.Throttle.AllowList = append(c.Throttle.AllowList, splitList(getenv("THROTTLE_ALLOW"))...)

	if v := getenv("AUDIT_FILE"); v != "" {
		c.Audit.File = v
	}
	if v := getenv("AUDIT_SQLITE"); v != "" {
		c.Audit.SQLite = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment override: %w", errs)
	}
	return nil
}

func getenv(name string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + name))
}

func envDuration(errs *ValidateErrors, name string, dst *Duration) {
	v := getenv(name)
	if v == "" {
		return
	}
	var d Duration
	if err := d.UnmarshalText([]byte(v)); err != nil {
		*errs = append(*errs, ValidationError{Field: EnvPrefix + name, Message: err.Error()})
		return
	}
	*dst = d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidateErrors listing every
// problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// MFA
	if c.MFA.Issuer == "" {
		add("mfa.issuer", "must not be empty")
	}
	if c.MFA.Period.Duration < time.Second {
		add("mfa.period", "must be at least 1s, got %v", c.MFA.Period.Duration)
	}
	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		add("mfa.digits", "must be 6 or 8, got %d", c.MFA.Digits)
	}
	if c.MFA.BackupCodeCount < 1 || c.MFA.BackupCodeCount > 100 {
		add("mfa.backup_code_count", "must be between 1 and 100, got %d", c.MFA.BackupCodeCount)
	}
	if c.MFA.TrustTTL.Duration < 0 {
		add("mfa.trust_ttl", "must not be negative")
	}

	// Session
	if c.Session.MaxAge.Duration <= 0 {
		add("session.max_age", "must be positive")
	}
	if c.Session.RenewThreshold.Duration < 0 {
		add("session.renew_threshold", "must not be negative")
	} else if c.Session.MaxAge.Duration > 0 && c.Session.RenewThreshold.Duration >= c.Session.MaxAge.Duration {
		add("session.renew_threshold", "must be less than session.max_age (%v)", c.Session.MaxAge.Duration)
	}
	if c.Session.MaxConcurrentSessions < 1 {
		add("session.max_concurrent_sessions", "must be at least 1, got %d", c.Session.MaxConcurrentSessions)
	}
	if c.Session.SweepInterval.Duration < 0 {
		add("session.sweep_interval", "must not be negative")
	}

	// Throttle
	for _, name := range c.RuleNames() {
		rule := c.Throttle.Rules[name]
		field := fmt.Sprintf("throttle.rules.%q", name)
		if name == "" {
			add("throttle.rules", "rule name must not be empty")
		}
		if rule.Window.Duration <= 0 {
			add(field+".window", "must be positive")
		}
		if rule.MaxRequests <= 0 {
			add(field+".max_requests", "must be positive, got %d", rule.MaxRequests)
		}
		switch rule.Key {
		case KeyAddress, KeyUser, KeyAddressUser:
		default:
			add(field+".key", "invalid key %q, must be one of: %s, %s, %s", rule.Key, KeyAddress, KeyUser, KeyAddressUser)
		}
	}
	if c.Throttle.SweepInterval.Duration < 0 {
		add("throttle.sweep_interval", "must not be negative")
	}
	if c.Throttle.FloodRate < 0 {
		add("throttle.flood_rate", "must not be negative")
	}
	if c.Throttle.FloodRate > 0 && c.Throttle.FloodBurst < 1 {
		add("throttle.flood_burst", "must be at least 1 when flood_rate is set")
	}

	// Audit
	if c.Audit.MaxFileSize < 0 {
		add("audit.max_file_size", "must not be negative")
	}
	if c.Audit.ChainKeyFile != "" && c.Audit.File == "" {
		add("audit.chain_key_file", "requires audit.file")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format", "invalid format '%s', must be one of: text, json", c.Log.Format)
	}

	// Users
	seen := make(map[string]bool)
	for i, u := range c.Users {
		field := fmt.Sprintf("users[%d]", i)
		if u.ID == "" {
			add(field+".id", "must not be empty")
		}
		if u.Username == "" {
			add(field+".username", "must not be empty")
		} else if seen[u.Username] {
			add(field+".username", "duplicate username %q", u.Username)
		}
		seen[u.Username] = true
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			add(field+".password_hash", "must be a bcrypt hash")
		}
		if u.MFASecret != "" && !validSecret(u.MFASecret) {
			add(field+".mfa_secret", "must be base32")
		}
		if u.MFASecret == "" && len(u.BackupCodeDigests) > 0 {
			add(field+".backup_code_digests", "requires mfa_secret")
		}
		for j, d := range u.BackupCodeDigests {
			if b, err := hex.DecodeString(strings.TrimSpace(d)); err != nil || len(b) != sha256.Size {
				add(fmt.Sprintf("%s.backup_code_digests[%d]", field, j), "must be a SHA-256 hex digest")
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RuleNames returns the configured throttle endpoints in sorted order.
func (c *Config) RuleNames() []string {
	names := make([]string, 0, len(c.Throttle.Rules))
	for name := range c.Throttle.Rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// HELPERS
// =============================================================================

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	clone := *c

	if c.Throttle.Rules != nil {
		clone.Throttle.Rules = make(map[string]RuleConfig, len(c.Throttle.Rules))
		for k, v := range c.Throttle.Rules {
			clone.Throttle.Rules[k] = v
		}
	}
	clone.Throttle.DenyList = append([]string(nil), c.Throttle.DenyList...)
	clone.Throttle.AllowList = append([]string(nil), c.Throttle.AllowList...)
	clone.Users = append([]UserConfig(nil), c.Users...)
	for i := range clone.Users {
		clone.Users[i].BackupCodeDigests = append([]string(nil), c.Users[i].BackupCodeDigests...)
	}

	return &clone
}

// Redacted returns a copy with user credentials replaced by a marker.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	for i := range safe.Users {
		u := &safe.Users[i]
		if u.PasswordHash != "" {
			u.PasswordHash = redacted
		}
		if u.MFASecret != "" {
			u.MFASecret = redacted
		}
		for j := range u.BackupCodeDigests {
			u.BackupCodeDigests[j] = redacted
		}
	}
	return safe
}

// String returns the configuration as indented JSON with credentials
// redacted.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c.Redacted(), "", "  ")
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}

func validSecret(s string) bool {
	s = strings.TrimRight(strings.ToUpper(strings.ReplaceAll(s, " ", "")), "=")
	if s == "" {
		return false
	}
	_, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	return err == nil
}

// IsValidationError reports whether err carries validation errors.
func IsValidationError(err error) bool {
	var ve ValidateErrors
	return errors.As(err, &ve)
}
