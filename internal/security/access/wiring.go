// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/jeranaias/accessguard/internal/config"
	"github.com/jeranaias/accessguard/internal/security/audit"
	"github.com/jeranaias/accessguard/internal/security/mfa"
	"github.com/jeranaias/accessguard/internal/security/session"
	"github.com/jeranaias/accessguard/internal/security/throttle"
)

// =============================================================================
// CONFIGURATION WIRING
// =============================================================================

// KeyFuncFor maps a configured key strategy to a throttle key function.
func KeyFuncFor(key string) (throttle.KeyFunc, error) {
	switch strings.ToLower(key) {
	case "", config.KeyAddress:
		return throttle.AddressKey, nil
	case config.KeyUser:
		return throttle.UserKey, nil
	case config.KeyAddressUser:
		return throttle.AddressUserKey, nil
	default:
		return nil, fmt.Errorf("unknown throttle key %q", key)
	}
}

// RuleFromConfig converts a configured rule.
func RuleFromConfig(rc config.RuleConfig) (throttle.Rule, error) {
	fn, err := KeyFuncFor(rc.Key)
	if err != nil {
		return throttle.Rule{}, err
	}
	return throttle.Rule{
		Window:      rc.Window.Duration,
		MaxRequests: rc.MaxRequests,
		KeyFunc:     fn,
	}, nil
}

// NewFromConfig builds a Coordinator and its components from cfg. When auth
// is nil, the users listed in cfg back a MemoryCredentials store. Users with
// an mfa_secret are enrolled in the verifier. Options are
// applied after the configured components, so they may override them.
func NewFromConfig(cfg *config.Config, auth Authenticator, sink audit.Sink, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Resolve the clock and logger the caller asked for so the components
	// built here share them.
	resolved := &Coordinator{}
	for _, opt := range opts {
		opt(resolved)
	}

	if auth == nil {
		creds := NewMemoryCredentials(bcrypt.DefaultCost)
		for _, u := range cfg.Users {
			ident := Identity{UserID: u.ID, Username: u.Username, SecondFactorRequired: u.SecondFactor}
			if err := creds.AddUserHash(ident, u.PasswordHash); err != nil {
				return nil, err
			}
		}
		auth = creds
	}

	tOpts := []throttle.Option{throttle.WithClock(resolved.clock), throttle.WithLogger(resolved.logger)}
	if cfg.Throttle.FloodRate > 0 {
		tOpts = append(tOpts, throttle.WithFloodGuard(rate.Limit(cfg.Throttle.FloodRate), cfg.Throttle.FloodBurst))
	}
	thr := throttle.New(tOpts...)
	if err := applyThrottlePolicy(thr, cfg.Throttle); err != nil {
		return nil, err
	}

	ver := mfa.NewVerifier(
		mfa.WithConfig(mfa.Config{
			Issuer:          cfg.MFA.Issuer,
			Period:          cfg.MFA.Period.Duration,
			Digits:          cfg.MFA.Digits,
			BackupCodeCount: cfg.MFA.BackupCodeCount,
			TrustTTL:        cfg.MFA.TrustTTL.Duration,
		}),
		mfa.WithClock(resolved.clock),
		mfa.WithLogger(resolved.logger),
	)
	for _, u := range cfg.Users {
		if u.MFASecret == "" {
			continue
		}
		if err := ver.Restore(u.ID, u.MFASecret, u.BackupCodeDigests); err != nil {
			return nil, fmt.Errorf("user %q: %w", u.Username, err)
		}
	}

	store := session.NewStore(
		session.WithConfig(session.Config{
			MaxAge:                cfg.Session.MaxAge.Duration,
			RenewThreshold:        cfg.Session.RenewThreshold.Duration,
			MaxConcurrentSessions: cfg.Session.MaxConcurrentSessions,
		}),
		session.WithClock(resolved.clock),
		session.WithLogger(resolved.logger),
	)

	all := append([]Option{
		WithThrottle(thr),
		WithVerifier(ver),
		WithSessions(store),
		WithAuditSink(sink),
	}, opts...)
	return New(auth, all...)
}

// applyThrottlePolicy installs the configured rules and lists, removing any
// endpoint the configuration no longer names.
func applyThrottlePolicy(t *throttle.Throttle, tc config.ThrottleConfig) error {
	rules := make(map[string]throttle.Rule, len(tc.Rules))
	for name, rc := range tc.Rules {
		rule, err := RuleFromConfig(rc)
		if err != nil {
			return fmt.Errorf("throttle rule %q: %w", name, err)
		}
		rules[name] = rule
	}

	for name, rule := range rules {
		if err := t.Configure(name, rule); err != nil {
			return fmt.Errorf("throttle rule %q: %w", name, err)
		}
	}
	for _, name := range t.Endpoints() {
		if _, ok := rules[name]; !ok {
			t.Remove(name)
		}
	}

	t.ReplaceLists(tc.DenyList, tc.AllowList)
	return nil
}

// Reload applies the throttle policy from cfg to a running coordinator. Rule
// windows already counted are kept. Session and second-factor settings are
// fixed at construction and are not changed.
func (c *Coordinator) Reload(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("reload: nil configuration")
	}
	cfg = cfg.Clone()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	tc := cfg.Throttle

	if err := applyThrottlePolicy(c.throttle, tc); err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	c.record(audit.EventConfigReloaded, nil,
		"rules", strconv.Itoa(len(tc.Rules)),
		"deny_list", strconv.Itoa(len(tc.DenyList)),
		"allow_list", strconv.Itoa(len(tc.AllowList)))
	c.logger.Info("throttle policy reloaded", "rules", len(tc.Rules))
	return nil
}

// =============================================================================
// AUDIT SINKS
// =============================================================================

// Sinks is the set of audit sinks opened from configuration.
type Sinks struct {
	Logger *audit.Logger
	SQLite *audit.SQLiteSink
}

// Sink returns a sink fanning out to every open sink, or audit.Discard when
// none is configured.
func (s *Sinks) Sink() audit.Sink {
	var multi audit.Multi
	if s.Logger != nil {
		multi = append(multi, s.Logger)
	}
	if s.SQLite != nil {
		multi = append(multi, s.SQLite)
	}
	if len(multi) == 0 {
		return audit.Discard
	}
	return multi
}

// Close closes every open sink.
func (s *Sinks) Close() error {
	var errs []error
	if s.Logger != nil {
		errs = append(errs, s.Logger.Close())
	}
	if s.SQLite != nil {
		errs = append(errs, s.SQLite.Close())
	}
	return errors.Join(errs...)
}

// OpenSinks opens the audit sinks named in ac. The file sink is chained when
// a key is available from the environment or ac.ChainKeyFile.
func OpenSinks(ac config.AuditConfig, opts ...audit.Option) (*Sinks, error) {
	s := &Sinks{}

	if ac.File != "" {
		fileOpts := append([]audit.Option{}, opts...)
		if ac.MaxFileSize > 0 {
			fileOpts = append(fileOpts, audit.WithMaxSize(ac.MaxFileSize))
		}
		if ac.ChainKeyFile != "" || audit.ChainKeyConfigured() {
			key, err := audit.LoadKey(ac.ChainKeyFile)
			if err != nil {
				return nil, err
			}
			fileOpts = append(fileOpts, audit.WithChainKey(key))
		}
		l, err := audit.NewLogger(ac.File, fileOpts...)
		if err != nil {
			return nil, err
		}
		s.Logger = l
	}

	if ac.SQLite != "" {
		db, err := audit.OpenSQLite(ac.SQLite, opts...)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.SQLite = db
	}

	return s, nil
}
