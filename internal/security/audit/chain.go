// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// NIST 800-53 AU-9: HMAC CHAIN
// =============================================================================

const (
	// KeySize is the chain key size in bytes (256 bits).
	KeySize = 32

	// ChainKeyEnvVar holds a hex-encoded chain key.
	ChainKeyEnvVar = "ACCESSGUARD_AUDIT_HMAC_KEY"

	maxLineSize = 1024 * 1024
)

// ErrChainBroken is returned by VerifyChain when a record does not verify.
var ErrChainBroken = errors.New("AU-9: audit chain broken")

// record is the on-disk form of an event.
type record struct {
	Event
	PrevMAC string `json:"prev_mac,omitempty"`
	MAC     string `json:"mac,omitempty"`
}

// computeMAC binds an event to its predecessor's MAC.
func computeMAC(key []byte, prevMAC string, event Event) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(prevMAC))
	h.Write([]byte{'\n'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain checks every record read from r against key and returns the
// number of records verified. The first bad record stops verification.
func VerifyChain(r io.Reader, key []byte) (int, error) {
	if len(key) != KeySize {
		return 0, fmt.Errorf("AU-9: chain key must be %d bytes, got %d", KeySize, len(key))
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	prev := ""
	n := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return n, fmt.Errorf("%w: line %d: %v", ErrChainBroken, lineNo, err)
		}
		if rec.PrevMAC != prev {
			return n, fmt.Errorf("%w: line %d: previous MAC mismatch", ErrChainBroken, lineNo)
		}

		want, err := computeMAC(key, prev, rec.Event)
		if err != nil {
			return n, err
		}
		if !hmac.Equal([]byte(want), []byte(rec.MAC)) {
			return n, fmt.Errorf("%w: line %d: MAC mismatch", ErrChainBroken, lineNo)
		}

		prev = rec.MAC
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	return n, nil
}

// VerifyFile runs VerifyChain over the file at path.
func VerifyFile(path string, key []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return VerifyChain(f, key)
}

// =============================================================================
// KEY LOADING
// =============================================================================

// LoadKey loads the chain key. Priority: the ChainKeyEnvVar environment
// variable (hex), then the raw key file at path. Keys are never generated
// implicitly.
func LoadKey(path string) ([]byte, error) {
	if keyHex := os.Getenv(ChainKeyEnvVar); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("AU-9: invalid chain key in %s: %w", ChainKeyEnvVar, err)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("AU-9: chain key must be %d bytes, got %d", KeySize, len(key))
		}
		return key, nil
	}

	if path == "" {
		return nil, fmt.Errorf("AU-9: no chain key configured; set %s or a key file", ChainKeyEnvVar)
	}

	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("AU-9: failed to read chain key file %s: %w", path, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("AU-9: chain key file must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// ChainKeyConfigured reports whether a chain key is set in the environment.
func ChainKeyConfigured() bool {
	return os.Getenv(ChainKeyEnvVar) != ""
}

// GenerateKey writes a new random chain key to path with 0600 permissions.
func GenerateKey(path string) error {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate random key: %w", err)
	}
	defer zeroBytes(key)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// zeroBytes zeros key material.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
