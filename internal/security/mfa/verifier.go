// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/accessguard/internal/clock"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

// =============================================================================
// IA-2(1) CONSTANTS
// =============================================================================

const (
	// DefaultIssuer is the issuer shown by authenticator apps.
	DefaultIssuer = "accessguard"

	// DefaultPeriod is the time-code period.
	DefaultPeriod = 30 * time.Second

	// DefaultDigits is the time-code length.
	DefaultDigits = 6

	// DefaultBackupCodeCount is the number of backup codes issued per enrollment.
	DefaultBackupCodeCount = 10

	// skew is the number of adjacent periods accepted on either side of now.
	skew = 1

	// backupCodeBytes is the entropy per backup code: 40 bits, 8 base32 chars.
	backupCodeBytes = 5
)

var (
	// ErrNotEnrolled indicates the user has no second-factor secret.
	ErrNotEnrolled = errors.New("user not enrolled in second factor")

	// ErrUserIDRequired indicates an empty user ID.
	ErrUserIDRequired = errors.New("user ID required")

	// ErrInvalidSecret indicates a stored secret or backup-code digest that
	// cannot be used.
	ErrInvalidSecret = errors.New("invalid second-factor secret")
)

var backupEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds second-factor settings.
type Config struct {
	// Issuer is embedded in provisioning URLs.
	Issuer string

	// Period is the time-code period. Must be a whole number of seconds.
	Period time.Duration

	// Digits is the time-code length, 6 or 8.
	Digits int

	// BackupCodeCount is the number of single-use backup codes per user.
	BackupCodeCount int

	// TrustTTL bounds how long a trusted device skips the second factor.
	// Zero means trust never expires.
	TrustTTL time.Duration
}

// DefaultConfig returns the default second-factor configuration.
func DefaultConfig() Config {
	return Config{
		Issuer:          DefaultIssuer,
		Period:          DefaultPeriod,
		Digits:          DefaultDigits,
		BackupCodeCount: DefaultBackupCodeCount,
	}
}

func (c *Config) setDefaults() {
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.Period < time.Second {
		c.Period = DefaultPeriod
	}
	if c.Digits != 6 && c.Digits != 8 {
		c.Digits = DefaultDigits
	}
	if c.BackupCodeCount <= 0 {
		c.BackupCodeCount = DefaultBackupCodeCount
	}
	if c.TrustTTL < 0 {
		c.TrustTTL = 0
	}
}

// =============================================================================
// TYPES
// =============================================================================

// Enrollment is returned once by Enroll. The backup codes are never
// retrievable again: only their digests are kept.
type Enrollment struct {
	UserID      string
	Secret      string
	URL         string
	BackupCodes []string
}

// QRCode renders the provisioning URL as a PNG of size x size pixels.
func (e *Enrollment) QRCode(size int) ([]byte, error) {
	png, err := qrcode.Encode(e.URL, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to render provisioning QR code: %w", err)
	}
	return png, nil
}

// secretRecord is the server-side second-factor state of one user.
type secretRecord struct {
	secret     string
	backup     map[string]struct{} // SHA-256 digests of unused backup codes
	enrolledAt time.Time
}

type trustGrant struct {
	grantedAt time.Time
	expiresAt time.Time // zero = never
}

func (g trustGrant) valid(now time.Time) bool {
	return g.expiresAt.IsZero() || now.Before(g.expiresAt)
}

// TrustedDevice describes a trust grant.
type TrustedDevice struct {
	Fingerprint string    `json:"fingerprint"`
	GrantedAt   time.Time `json:"granted_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// =============================================================================
// VERIFIER
// =============================================================================

// Verifier issues and checks time codes and backup codes and tracks trusted
// devices. It is safe for concurrent use.
type Verifier struct {
	cfg Config

	// mu protects secrets.
	mu      sync.RWMutex
	secrets map[string]*secretRecord

	// devMu protects devices.
	devMu   sync.Mutex
	devices map[string]map[string]trustGrant

	clock  clock.Clock
	logger *slog.Logger
}

// Option is a functional option for configuring a Verifier.
type Option func(*Verifier)

// WithConfig sets the verifier configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(v *Verifier) {
		v.cfg = cfg
	}
}

// WithClock sets the clock used for time codes and trust expiry.
func WithClock(c clock.Clock) Option {
	return func(v *Verifier) {
		v.clock = clock.OrReal(c)
	}
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewVerifier creates a Verifier with the given options.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		cfg:     DefaultConfig(),
		secrets: make(map[string]*secretRecord),
		devices: make(map[string]map[string]trustGrant),
		clock:   clock.Real{},
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(v)
	}

	v.cfg.setDefaults()
	v.logger = v.logger.With("component", "mfa")
	return v
}

// Config returns the effective configuration.
func (v *Verifier) Config() Config {
	return v.cfg
}

func (v *Verifier) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(v.cfg.Period / time.Second),
		Skew:      skew,
		Digits:    otp.Digits(v.cfg.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}

// =============================================================================
// ENROLLMENT
// =============================================================================

// Enroll generates a new shared secret and a fresh set of backup codes for
// userID, replacing any previous enrollment. It fails only for an empty
// user ID or when the system entropy source fails.
func (v *Verifier) Enroll(userID string) (*Enrollment, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.cfg.Issuer,
		AccountName: userID,
		Period:      uint(v.cfg.Period / time.Second),
		Digits:      otp.Digits(v.cfg.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	codes, digests, err := generateBackupCodes(v.cfg.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.secrets[userID] = &secretRecord{
		secret:     key.Secret(),
		backup:     digests,
		enrolledAt: v.clock.Now(),
	}
	v.mu.Unlock()

	v.logger.Info("second factor enrolled", "user_id", userID, "backup_codes", len(codes))

	return &Enrollment{
		UserID:      userID,
		Secret:      key.Secret(),
		URL:         key.URL(),
		BackupCodes: codes,
	}, nil
}

// IsEnrolled reports whether userID has a second-factor secret.
func (v *Verifier) IsEnrolled(userID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.secrets[userID]
	return ok
}

// Restore loads an enrollment kept by the credential store: the base32
// secret and the digests of the unused backup codes (see DigestBackupCode).
// It replaces any existing record for userID.
func (v *Verifier) Restore(userID, secret string, backupDigests []string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	secret, err := NormalizeSecret(secret)
	if err != nil {
		return err
	}

	digests := make(map[string]struct{}, len(backupDigests))
	for i, d := range backupDigests {
		d = strings.ToLower(strings.TrimSpace(d))
		if b, err := hex.DecodeString(d); err != nil || len(b) != sha256.Size {
			return fmt.Errorf("%w: backup code digest %d is not a SHA-256 hex digest", ErrInvalidSecret, i)
		}
		digests[d] = struct{}{}
	}

	v.mu.Lock()
	v.secrets[userID] = &secretRecord{
		secret:     secret,
		backup:     digests,
		enrolledAt: v.clock.Now(),
	}
	v.mu.Unlock()

	v.logger.Debug("second factor restored", "user_id", userID, "backup_codes", len(digests))
	return nil
}

// NormalizeSecret uppercases a base32 secret, strips spaces and padding, and
// checks that it decodes.
func NormalizeSecret(secret string) (string, error) {
	secret = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	secret = strings.TrimRight(secret, "=")
	if secret == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSecret)
	}
	if _, err := backupEncoding.DecodeString(secret); err != nil {
		return "", fmt.Errorf("%w: not base32", ErrInvalidSecret)
	}
	return secret, nil
}

// Unenroll removes the user's secret and backup codes. Device trust is kept.
func (v *Verifier) Unenroll(userID string) {
	v.mu.Lock()
	delete(v.secrets, userID)
	v.mu.Unlock()
}

// =============================================================================
// TIME CODES
// =============================================================================

// VerifyTimeCode reports whether code matches the user's time code for the
// current period or one period either side. It has no side effects.
func (v *Verifier) VerifyTimeCode(userID, code string) bool {
	v.mu.RLock()
	rec, ok := v.secrets[userID]
	var secret string
	if ok {
		secret = rec.secret
	}
	v.mu.RUnlock()

	if !ok {
		return false
	}

	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	valid, err := totp.ValidateCustom(code, secret, v.clock.Now(), v.validateOpts())
	if err != nil {
		// Malformed input (wrong length) is just a wrong code.
		return false
	}
	return valid
}

// CodeAt returns the user's time code for the period containing t.
func (v *Verifier) CodeAt(userID string, t time.Time) (string, error) {
	v.mu.RLock()
	rec, ok := v.secrets[userID]
	var secret string
	if ok {
		secret = rec.secret
	}
	v.mu.RUnlock()

	if !ok {
		return "", ErrNotEnrolled
	}

	opts := v.validateOpts()
	code, err := totp.GenerateCodeCustom(secret, t, opts)
	if err != nil {
		return "", fmt.Errorf("failed to generate time code: %w", err)
	}
	return code, nil
}

// =============================================================================
// BACKUP CODES
// =============================================================================

// VerifyBackupCode reports whether code is one of the user's unused backup
// codes. A matching code is removed in the same step and can never verify
// again. Nothing changes when the code does not match.
func (v *Verifier) VerifyBackupCode(userID, code string) bool {
	normalized := NormalizeBackupCode(code)
	if normalized == "" {
		return false
	}
	digest := digestBackupCode(normalized)

	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.secrets[userID]
	if !ok {
		return false
	}
	if _, ok := rec.backup[digest]; !ok {
		return false
	}
	delete(rec.backup, digest)

	v.logger.Info("backup code consumed", "user_id", userID, "remaining", len(rec.backup))
	return true
}

// RemainingBackupCodes returns how many unused backup codes the user has.
func (v *Verifier) RemainingBackupCodes(userID string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rec, ok := v.secrets[userID]
	if !ok {
		return 0
	}
	return len(rec.backup)
}

// RegenerateBackupCodes replaces the user's backup codes with a fresh set,
// keeping the shared secret.
func (v *Verifier) RegenerateBackupCodes(userID string) ([]string, error) {
	codes, digests, err := generateBackupCodes(v.cfg.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.secrets[userID]
	if !ok {
		return nil, ErrNotEnrolled
	}
	rec.backup = digests

	v.logger.Info("backup codes regenerated", "user_id", userID)
	return codes, nil
}

// NormalizeBackupCode lowercases code and strips spaces and dashes.
func NormalizeBackupCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, " ", "")
	return strings.ReplaceAll(code, "-", "")
}

// DigestBackupCode returns the stored form of a backup code.
func DigestBackupCode(code string) string {
	return digestBackupCode(NormalizeBackupCode(code))
}

func digestBackupCode(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// generateBackupCodes returns n distinct codes formatted xxxx-xxxx and the
// set of their digests.
func generateBackupCodes(n int) ([]string, map[string]struct{}, error) {
	codes := make([]string, 0, n)
	digests := make(map[string]struct{}, n)
	buf := make([]byte, backupCodeBytes)

	for len(codes) < n {
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("cryptographic random generation failed: %w", err)
		}
		raw := strings.ToLower(backupEncoding.EncodeToString(buf))
		digest := digestBackupCode(raw)
		if _, dup := digests[digest]; dup {
			continue
		}
		digests[digest] = struct{}{}
		codes = append(codes, raw[:4]+"-"+raw[4:])
	}
	return codes, digests, nil
}

// =============================================================================
// TRUSTED DEVICES
// =============================================================================

// MarkDeviceTrusted lets future logins from fingerprint skip the second
// factor. Granting trust again renews the grant.
func (v *Verifier) MarkDeviceTrusted(userID, fingerprint string) {
	if userID == "" || fingerprint == "" {
		return
	}

	now := v.clock.Now()
	grant := trustGrant{grantedAt: now}
	if v.cfg.TrustTTL > 0 {
		grant.expiresAt = now.Add(v.cfg.TrustTTL)
	}

	v.devMu.Lock()
	userDevices, ok := v.devices[userID]
	if !ok {
		userDevices = make(map[string]trustGrant)
		v.devices[userID] = userDevices
	}
	userDevices[fingerprint] = grant
	v.devMu.Unlock()

	v.logger.Info("device trusted", "user_id", userID)
}

// IsDeviceTrusted reports whether fingerprint holds a live trust grant.
// Expired grants are removed.
func (v *Verifier) IsDeviceTrusted(userID, fingerprint string) bool {
	if fingerprint == "" {
		return false
	}

	v.devMu.Lock()
	defer v.devMu.Unlock()

	grant, ok := v.devices[userID][fingerprint]
	if !ok {
		return false
	}
	if !grant.valid(v.clock.Now()) {
		delete(v.devices[userID], fingerprint)
		return false
	}
	return true
}

// RevokeDevice removes trust from one device.
func (v *Verifier) RevokeDevice(userID, fingerprint string) {
	v.devMu.Lock()
	defer v.devMu.Unlock()

	if userDevices, ok := v.devices[userID]; ok {
		delete(userDevices, fingerprint)
		if len(userDevices) == 0 {
			delete(v.devices, userID)
		}
	}
}

// RevokeAllDevices removes trust from every device of the user.
func (v *Verifier) RevokeAllDevices(userID string) {
	v.devMu.Lock()
	delete(v.devices, userID)
	v.devMu.Unlock()
}

// TrustedDevices lists the user's live trust grants, oldest first.
func (v *Verifier) TrustedDevices(userID string) []TrustedDevice {
	v.devMu.Lock()
	defer v.devMu.Unlock()

	now := v.clock.Now()
	var out []TrustedDevice
	for fp, grant := range v.devices[userID] {
		if !grant.valid(now) {
			continue
		}
		out = append(out, TrustedDevice{
			Fingerprint: fp,
			GrantedAt:   grant.grantedAt,
			ExpiresAt:   grant.expiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
	return out
}
