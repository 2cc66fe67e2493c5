// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jeranaias/accessguard/internal/clock"
	"github.com/jeranaias/accessguard/internal/config"
	"github.com/jeranaias/accessguard/internal/security/audit"
	"github.com/jeranaias/accessguard/internal/security/mfa"
	"github.com/jeranaias/accessguard/internal/security/session"
	"github.com/jeranaias/accessguard/internal/security/throttle"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// LoginEndpoint is the throttle endpoint every login attempt is checked
	// against, keyed by client address by default.
	LoginEndpoint = config.LoginEndpoint

	// SecondFactorEndpoint throttles submitted second factor codes. It has
	// no default rule; codes are only counted once one is configured.
	SecondFactorEndpoint = config.SecondFactorEndpoint
)

// Second-factor methods recorded on sessions and in audit data.
const (
	MethodNone          = "none"
	MethodTrustedDevice = "trusted-device"
	MethodTimeCode      = "totp"
	MethodBackupCode    = "backup-code"
)

// MetadataSecondFactor is the session metadata key holding the second-factor
// method used at login.
const MetadataSecondFactor = "second_factor"

// DefaultLoginRule returns the default rule for LoginEndpoint.
func DefaultLoginRule() throttle.Rule {
	return throttle.Rule{Window: time.Minute, MaxRequests: 5, KeyFunc: throttle.AddressKey}
}

// =============================================================================
// TYPES
// =============================================================================

// Credentials are what a client presents at login.
type Credentials struct {
	Username string
	Password string

	// SecondFactorCode is a time code or a backup code. Empty when the
	// client has not been prompted yet.
	SecondFactorCode string

	// DeviceFingerprint identifies the device for trust decisions. When
	// empty, DeviceInfo.Fingerprint is used.
	DeviceFingerprint string

	// TrustDevice asks that the device skip the second factor on future
	// logins once this one verifies.
	TrustDevice bool
}

// LoginResult is a successful login.
type LoginResult struct {
	User    Identity
	Session *session.Session

	// SecondFactor is the method that satisfied the second factor.
	SecondFactor string
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator composes throttling, credential checks, second-factor
// verification and sessions into the login protocol, auditing every outcome.
// It is safe for concurrent use.
type Coordinator struct {
	auth     Authenticator
	throttle *throttle.Throttle
	verifier *mfa.Verifier
	sessions *session.Store
	sink     audit.Sink

	clock  clock.Clock
	logger *slog.Logger
}

// Option is a functional option for configuring a Coordinator.
type Option func(*Coordinator)

// WithThrottle sets the request throttle. Missing login rules are added.
func WithThrottle(t *throttle.Throttle) Option {
	return func(c *Coordinator) {
		c.throttle = t
	}
}

// WithVerifier sets the second-factor verifier.
func WithVerifier(v *mfa.Verifier) Option {
	return func(c *Coordinator) {
		c.verifier = v
	}
}

// WithSessions sets the session store.
func WithSessions(s *session.Store) Option {
	return func(c *Coordinator) {
		c.sessions = s
	}
}

// WithAuditSink sets the audit sink. Defaults to audit.Discard.
func WithAuditSink(s audit.Sink) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithClock sets the clock for components the coordinator creates itself.
func WithClock(cl clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock.OrReal(cl)
	}
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Coordinator around auth. Components not supplied through
// options are created with their defaults.
func New(auth Authenticator, opts ...Option) (*Coordinator, error) {
	if auth == nil {
		return nil, fmt.Errorf("access: authenticator required")
	}

	c := &Coordinator{
		auth:   auth,
		sink:   audit.Discard,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.throttle == nil {
		c.throttle = throttle.New(throttle.WithClock(c.clock), throttle.WithLogger(c.logger))
	}
	if c.verifier == nil {
		c.verifier = mfa.NewVerifier(mfa.WithClock(c.clock), mfa.WithLogger(c.logger))
	}
	if c.sessions == nil {
		c.sessions = session.NewStore(session.WithClock(c.clock), session.WithLogger(c.logger))
	}

	if err := c.ensureRule(LoginEndpoint, DefaultLoginRule()); err != nil {
		return nil, err
	}

	c.logger = c.logger.With("component", "access")
	return c, nil
}

// ensureRule installs rule unless endpoint already has its own.
func (c *Coordinator) ensureRule(endpoint string, rule throttle.Rule) error {
	if _, name, ok := c.throttle.Rule(endpoint); ok && name == endpoint {
		return nil
	}
	return c.throttle.Configure(endpoint, rule)
}

// Throttle returns the request throttle.
func (c *Coordinator) Throttle() *throttle.Throttle { return c.throttle }

// Verifier returns the second-factor verifier.
func (c *Coordinator) Verifier() *mfa.Verifier { return c.verifier }

// Sessions returns the session store.
func (c *Coordinator) Sessions() *session.Store { return c.sessions }

// =============================================================================
// LOGIN
// =============================================================================

// Login runs the login protocol:
//  1. throttle the attempt on LoginEndpoint;
//  2. authenticate the username and password;
//  3. when the identity needs a second factor and the device is not trusted,
//     require and verify a code (time code first, then backup code);
//     submitted codes are throttled only when SecondFactorEndpoint has a
//     rule of its own;
//  4. create a session.
//
// Every return path records exactly one audit event. Failures are one of
// *RateLimitedError, ErrInvalidCredentials, ErrSecondFactorRequired,
// ErrSecondFactorInvalid, or a wrapped authenticator or entropy failure.
func (c *Coordinator) Login(ctx context.Context, creds Credentials, device session.DeviceInfo) (*LoginResult, error) {
	base := map[string]string{
		"username":     creds.Username,
		"address":      device.Address,
		"client_agent": device.ClientAgent,
	}

	// Step 1: throttle by client.
	rc := throttle.RequestContext{
		Address:     device.Address,
		UserID:      creds.Username,
		ClientAgent: device.ClientAgent,
	}
	if res := c.throttle.Check(LoginEndpoint, rc); !res.Allowed {
		return nil, c.rateLimited(LoginEndpoint, res, base)
	}

	// Step 2: credentials.
	ident, err := c.auth.Authenticate(ctx, creds.Username, creds.Password)
	if err != nil {
		c.record(audit.EventLoginError, base, "stage", "authenticate", "error", err.Error())
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if ident == nil {
		c.record(audit.EventLoginInvalidCredentials, base)
		return nil, ErrInvalidCredentials
	}
	base["user_id"] = ident.UserID

	// Step 3: second factor.
	method, err := c.secondFactor(ident, creds, device, base)
	if err != nil {
		return nil, err
	}

	// Step 4: session.
	sess, err := c.sessions.Create(ident.UserID, device)
	if err != nil {
		c.record(audit.EventLoginError, base, "stage", "session", "error", err.Error())
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	c.sessions.SetMetadata(sess.ID, MetadataSecondFactor, method)
	sess.Metadata[MetadataSecondFactor] = method

	c.record(audit.EventLoginSuccess, base,
		"session", session.SanitizeID(sess.ID),
		"second_factor", method)
	c.logger.Info("login succeeded",
		"user_id", ident.UserID,
		"session", session.SanitizeID(sess.ID),
		"second_factor", method)

	return &LoginResult{User: *ident, Session: sess, SecondFactor: method}, nil
}

// secondFactor applies step 3 of Login and returns the method that
// satisfied it. Failures are already audited.
func (c *Coordinator) secondFactor(ident *Identity, creds Credentials, device session.DeviceInfo, base map[string]string) (string, error) {
	if !ident.SecondFactorRequired {
		return MethodNone, nil
	}

	fingerprint := creds.DeviceFingerprint
	if fingerprint == "" {
		fingerprint = device.Fingerprint
	}
	if fingerprint != "" && c.verifier.IsDeviceTrusted(ident.UserID, fingerprint) {
		return MethodTrustedDevice, nil
	}

	if creds.SecondFactorCode == "" {
		c.record(audit.EventLoginSecondFactorRequired, base)
		return "", ErrSecondFactorRequired
	}

	if _, name, ok := c.throttle.Rule(SecondFactorEndpoint); ok && name == SecondFactorEndpoint {
		rc := throttle.RequestContext{
			Address:     device.Address,
			UserID:      ident.UserID,
			ClientAgent: device.ClientAgent,
		}
		if res := c.throttle.Check(SecondFactorEndpoint, rc); !res.Allowed {
			return "", c.rateLimited(SecondFactorEndpoint, res, base)
		}
	}

	var method string
	switch {
	case c.verifier.VerifyTimeCode(ident.UserID, creds.SecondFactorCode):
		method = MethodTimeCode
	case c.verifier.VerifyBackupCode(ident.UserID, creds.SecondFactorCode):
		method = MethodBackupCode
	default:
		c.record(audit.EventLoginSecondFactorInvalid, base)
		return "", ErrSecondFactorInvalid
	}

	if creds.TrustDevice && fingerprint != "" {
		c.verifier.MarkDeviceTrusted(ident.UserID, fingerprint)
		base["device_trusted"] = "true"
	}
	return method, nil
}

func (c *Coordinator) rateLimited(endpoint string, res throttle.Result, base map[string]string) error {
	c.record(audit.EventLoginRateLimited, base,
		"endpoint", endpoint,
		"reason", string(res.Reason),
		"retry_after", strconv.Itoa(res.RetryAfterSeconds()))
	c.logger.Warn("login throttled",
		"endpoint", endpoint,
		"address", base["address"],
		"reason", res.Reason)
	return newRateLimitedError(endpoint, res)
}

// record sends one audit event built from base plus key/value pairs.
func (c *Coordinator) record(name string, base map[string]string, kv ...string) {
	data := make(map[string]string, len(base)+len(kv)/2)
	for k, v := range base {
		if v != "" {
			data[k] = v
		}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		data[kv[i]] = kv[i+1]
	}
	c.sink.RecordEvent(name, data)
}

// =============================================================================
// REQUEST ENTRY POINTS
// =============================================================================

// CheckLimit checks a request against the throttle rule for endpoint.
func (c *Coordinator) CheckLimit(endpoint string, rc throttle.RequestContext) throttle.Result {
	return c.throttle.Check(endpoint, rc)
}

// ValidateSession returns the live session for id, renewing it when due.
// Unknown, expired and terminated sessions all yield ErrSessionNotFound.
func (c *Coordinator) ValidateSession(id string) (*session.Session, error) {
	sess, ok := c.sessions.Validate(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Logout terminates one session. It reports whether the session existed.
func (c *Coordinator) Logout(id string) bool {
	if !c.sessions.Destroy(id) {
		return false
	}
	c.record(audit.EventLogout, nil, "session", session.SanitizeID(id))
	return true
}

// LogoutAll terminates every session of userID and returns how many ended.
func (c *Coordinator) LogoutAll(userID string) int {
	n := c.sessions.DestroyAllForUser(userID)
	c.record(audit.EventLogoutAll, nil, "user_id", userID, "count", strconv.Itoa(n))
	return n
}
