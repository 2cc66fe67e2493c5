// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/accessguard/internal/clock"
)

// =============================================================================
// AC-12 CONSTANTS
// =============================================================================

const (
	// DefaultMaxAge is the default absolute session lifetime.
	DefaultMaxAge = 8 * time.Hour

	// DefaultRenewThreshold is the default remaining lifetime under which a
	// validated session is renewed.
	DefaultRenewThreshold = 15 * time.Minute

	// DefaultMaxConcurrentSessions is the default per-user session cap (AC-10).
	DefaultMaxConcurrentSessions = 3

	// IDPrefix is the prefix for session IDs.
	IDPrefix = "sess_"
)

// ErrUserIDRequired is returned by Create for an empty user ID.
var ErrUserIDRequired = errors.New("user ID required")

// Removal reasons, used in logs.
const (
	reasonExpired  = "expired"
	reasonInactive = "inactive"
	reasonEvicted  = "evicted"
	reasonDestroy  = "destroyed"
)

// =============================================================================
// TYPES
// =============================================================================

// DeviceInfo describes the client a session was created from.
type DeviceInfo struct {
	Address     string `json:"address"`
	ClientAgent string `json:"client_agent"`
	Fingerprint string `json:"fingerprint"`
}

// Session is an authenticated session. Values returned by Store are copies.
type Session struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Device         DeviceInfo        `json:"device"`
	Active         bool              `json:"active"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TimeRemaining returns the lifetime left at now, or 0 once expired.
func (s *Session) TimeRemaining(now time.Time) time.Duration {
	remaining := s.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Session) clone() *Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// live reports whether the session may still be validated at now.
func (s *Session) live(now time.Time) bool {
	return s.Active && !now.After(s.ExpiresAt)
}

// Config holds session lifetime settings.
type Config struct {
	// MaxAge is the lifetime granted on creation and on renewal.
	MaxAge time.Duration

	// RenewThreshold triggers renewal when remaining lifetime falls under it.
	// Zero disables renewal.
	RenewThreshold time.Duration

	// MaxConcurrentSessions caps active sessions per user.
	MaxConcurrentSessions int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		MaxAge:                DefaultMaxAge,
		RenewThreshold:        DefaultRenewThreshold,
		MaxConcurrentSessions: DefaultMaxConcurrentSessions,
	}
}

func (c *Config) setDefaults() {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.RenewThreshold < 0 {
		c.RenewThreshold = 0
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
}

// =============================================================================
// STORE
// =============================================================================

// Store holds sessions in memory. It is safe for concurrent use.
type Store struct {
	cfg Config

	// mu protects sessions and byUser.
	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}

	clock  clock.Clock
	logger *slog.Logger
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithConfig sets the store configuration. Zero MaxAge and
// MaxConcurrentSessions take defaults.
func WithConfig(cfg Config) Option {
	return func(s *Store) {
		s.cfg = cfg
	}
}

// WithClock sets the clock used for expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = clock.OrReal(c)
	}
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		cfg:      DefaultConfig(),
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		clock:    clock.Real{},
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.cfg.setDefaults()
	s.logger = s.logger.With("component", "session")
	return s
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Create starts a new session for userID. If the user is already at the
// concurrency cap, the least recently accessed sessions are evicted first.
// Create fails only for an empty user ID or an entropy source failure.
func (s *Store) Create(userID string, device DeviceInfo) (*Session, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.purgeUserLocked(userID, now)

	for len(s.byUser[userID]) >= s.cfg.MaxConcurrentSessions {
		victim := s.leastRecentlyAccessedLocked(userID)
		if victim == nil {
			break
		}
		s.removeLocked(victim, reasonEvicted)
	}

	sess := &Session{
		ID:             id,
		UserID:         userID,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(s.cfg.MaxAge),
		Device:         device,
		Active:         true,
		Metadata:       make(map[string]string),
	}

	s.sessions[id] = sess
	ids, ok := s.byUser[userID]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[userID] = ids
	}
	ids[id] = struct{}{}

	s.logger.Debug("session created",
		"session", SanitizeID(id),
		"user_id", userID,
		"expires_at", sess.ExpiresAt)

	return sess.clone(), nil
}

// Validate returns the session if it exists, is active and has not expired,
// bumping its last access time and renewing it when its remaining lifetime
// is under the renew threshold. Expired or inactive sessions are destroyed
// and reported the same way as unknown ones.
func (s *Store) Validate(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}

	now := s.clock.Now()
	if !sess.live(now) {
		reason := reasonExpired
		if !sess.Active {
			reason = reasonInactive
		}
		s.removeLocked(sess, reason)
		return nil, false
	}

	sess.LastAccessedAt = now
	if sess.ExpiresAt.Sub(now) < s.cfg.RenewThreshold {
		renewed := now.Add(s.cfg.MaxAge)
		// Expiry never moves backwards.
		if renewed.After(sess.ExpiresAt) {
			sess.ExpiresAt = renewed
			s.logger.Debug("session renewed", "session", SanitizeID(id), "expires_at", renewed)
		}
	}

	return sess.clone(), true
}

// Destroy terminates a session. It reports whether the session existed.
func (s *Store) Destroy(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	s.removeLocked(sess, reasonDestroy)
	return true
}

// DestroyAllForUser terminates every session of userID and returns how many
// were removed.
func (s *Store) DestroyAllForUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id := range s.byUser[userID] {
		if sess, ok := s.sessions[id]; ok {
			s.removeLocked(sess, reasonDestroy)
			n++
		}
	}
	delete(s.byUser, userID)
	return n
}

// SetMetadata stores a metadata value on a live session.
func (s *Store) SetMetadata(id, key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || !sess.live(s.clock.Now()) {
		return false
	}
	sess.Metadata[key] = value
	return true
}

// ListForUser returns the user's live sessions, oldest first. It does not
// count as access.
func (s *Store) ListForUser(userID string) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var out []*Session
	for id := range s.byUser[userID] {
		sess, ok := s.sessions[id]
		if !ok || !sess.live(now) {
			continue
		}
		out = append(out, sess.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// =============================================================================
// CLEANUP AND STATS
// =============================================================================

// Sweep removes every expired or inactive session and returns the count.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for _, sess := range s.sessions {
		if !sess.live(now) {
			s.removeLocked(sess, reasonExpired)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("swept expired sessions", "removed", n)
				}
			}
		}
	}()
}

// Stats summarises store state.
type Stats struct {
	Sessions int `json:"sessions"`
	Users    int `json:"users"`
}

// Stats returns a snapshot of store state. Sessions may include expired
// sessions that have not been purged yet.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Sessions: len(s.sessions), Users: len(s.byUser)}
}

// =============================================================================
// HELPERS
// =============================================================================

// purgeUserLocked drops the user's expired and inactive sessions.
func (s *Store) purgeUserLocked(userID string, now time.Time) {
	for id := range s.byUser[userID] {
		sess, ok := s.sessions[id]
		if !ok {
			delete(s.byUser[userID], id)
			continue
		}
		if !sess.live(now) {
			s.removeLocked(sess, reasonExpired)
		}
	}
}

// leastRecentlyAccessedLocked picks the eviction victim for userID. Ties on
// last access fall back to creation time, then ID.
func (s *Store) leastRecentlyAccessedLocked(userID string) *Session {
	var victim *Session
	for id := range s.byUser[userID] {
		sess, ok := s.sessions[id]
		if !ok {
			continue
		}
		if victim == nil || lessRecentlyAccessed(sess, victim) {
			victim = sess
		}
	}
	return victim
}

func lessRecentlyAccessed(a, b *Session) bool {
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) removeLocked(sess *Session, reason string) {
	sess.Active = false
	delete(s.sessions, sess.ID)
	if ids, ok := s.byUser[sess.UserID]; ok {
		delete(ids, sess.ID)
		if len(ids) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}

	s.logger.Debug("session removed",
		"session", SanitizeID(sess.ID),
		"user_id", sess.UserID,
		"reason", reason)
}

// newSessionID generates a session ID with 128 bits of cryptographic
// randomness. Format: sess_<32 hex chars>
func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cryptographic random generation failed: %w", err)
	}
	return IDPrefix + hex.EncodeToString(b), nil
}

// SanitizeID truncates a session ID for logging.
func SanitizeID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:9] + "..." + id[len(id)-4:]
}
