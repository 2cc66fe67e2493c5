// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// IA-2 AUTHENTICATION
// =============================================================================

// Identity is an authenticated principal.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`

	// SecondFactorRequired forces second-factor verification from devices
	// the user has not trusted.
	SecondFactorRequired bool `json:"second_factor_required"`
}

// Authenticator checks a username and password. A mismatch is (nil, nil);
// errors are reserved for failures of the credential store itself.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, username, password string) (*Identity, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, username, password string) (*Identity, error) {
	return f(ctx, username, password)
}

// =============================================================================
// IN-MEMORY CREDENTIAL STORE (IA-5)
// =============================================================================

// ErrUserExists is returned when adding a username that is already taken.
var ErrUserExists = errors.New("user already exists")

// ErrUnknownUser is returned when changing a user that does not exist.
var ErrUnknownUser = errors.New("unknown user")

type credentialRecord struct {
	identity Identity
	hash     []byte
}

// MemoryCredentials is an Authenticator backed by bcrypt hashes held in
// memory. It is safe for concurrent use.
type MemoryCredentials struct {
	cost int

	mu    sync.RWMutex
	users map[string]credentialRecord

	// missHash is compared against on unknown usernames so that a miss costs
	// about as much as a wrong password.
	missOnce sync.Once
	missHash []byte
}

// NewMemoryCredentials creates an empty store. cost is the bcrypt cost;
// values outside bcrypt's range use bcrypt.DefaultCost.
func NewMemoryCredentials(cost int) *MemoryCredentials {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &MemoryCredentials{
		cost:  cost,
		users: make(map[string]credentialRecord),
	}
}

func (m *MemoryCredentials) compareMiss(password string) {
	m.missOnce.Do(func() {
		m.missHash, _ = bcrypt.GenerateFromPassword([]byte("accessguard-unknown-user"), m.cost)
	})
	if m.missHash != nil {
		_ = bcrypt.CompareHashAndPassword(m.missHash, []byte(password))
	}
}

// Len returns the number of registered users.
func (m *MemoryCredentials) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// AddUser registers a user with a plaintext password.
func (m *MemoryCredentials) AddUser(id Identity, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return m.AddUserHash(id, string(hash))
}

// AddUserHash registers a user with an existing bcrypt hash.
func (m *MemoryCredentials) AddUserHash(id Identity, hash string) error {
	if id.UserID == "" || id.Username == "" {
		return errors.New("user ID and username required")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("invalid bcrypt hash for %s: %w", id.Username, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id.Username]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, id.Username)
	}
	m.users[id.Username] = credentialRecord{identity: id, hash: []byte(hash)}
	return nil
}

// SetPassword replaces a user's password.
func (m *MemoryCredentials) SetPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.users[username]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	rec.hash = hash
	m.users[username] = rec
	return nil
}

// SetSecondFactorRequired changes whether a user must present a second
// factor.
func (m *MemoryCredentials) SetSecondFactorRequired(username string, required bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.users[username]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	rec.identity.SecondFactorRequired = required
	m.users[username] = rec
	return nil
}

// RemoveUser deletes a user. Existing sessions are not affected.
func (m *MemoryCredentials) RemoveUser(username string) {
	m.mu.Lock()
	delete(m.users, username)
	m.mu.Unlock()
}

// Authenticate implements Authenticator.
func (m *MemoryCredentials) Authenticate(ctx context.Context, username, password string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	rec, ok := m.users[username]
	m.mu.RUnlock()

	if !ok {
		m.compareMiss(password)
		return nil, nil
	}

	err := bcrypt.CompareHashAndPassword(rec.hash, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("password comparison failed: %w", err)
	}

	id := rec.identity
	return &id, nil
}
