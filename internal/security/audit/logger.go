// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jeranaias/accessguard/internal/clock"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultMaxFileSize is the default max file size before rotation (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// ErrPathRequired is returned by NewLogger for an empty path.
var ErrPathRequired = errors.New("audit log path required")

// ErrAuditSystemFailed is returned once a write has failed. Further writes are
// refused until ResetFailure is called (AU-5).
var ErrAuditSystemFailed = errors.New("audit system has failed")

// FailureCallback is called synchronously, outside the logger lock, when a
// write fails.
type FailureCallback func(err error)

// =============================================================================
// OPTIONS
// =============================================================================

type options struct {
	clock     clock.Clock
	logger    *slog.Logger
	onFailure FailureCallback
	chainKey  []byte
	maxSize   int64
	redactors []Redactor
}

func defaultOptions() options {
	return options{
		clock:     clock.Real{},
		logger:    slog.Default(),
		maxSize:   DefaultMaxFileSize,
		redactors: DefaultRedactors(),
	}
}

// Option configures a sink. Sinks ignore options that do not apply to them.
type Option func(*options)

// WithClock sets the clock used to timestamp events.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = clock.OrReal(c)
	}
}

// WithLogger sets the operational logger used to report sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithFailureCallback sets the AU-5 failure callback.
func WithFailureCallback(fn FailureCallback) Option {
	return func(o *options) {
		o.onFailure = fn
	}
}

// WithChainKey enables the HMAC chain on file records. The key must be
// KeySize bytes.
func WithChainKey(key []byte) Option {
	return func(o *options) {
		o.chainKey = append([]byte(nil), key...)
	}
}

// WithMaxSize sets the file size that triggers rotation. Zero disables
// rotation.
func WithMaxSize(size int64) Option {
	return func(o *options) {
		o.maxSize = size
	}
}

// WithRedactors appends redactors to the built-in set.
func WithRedactors(r ...Redactor) Option {
	return func(o *options) {
		o.redactors = append(o.redactors, r...)
	}
}

// =============================================================================
// FILE LOGGER
// =============================================================================

// Logger is an append-only JSON-lines audit file. Each record is fsynced
// before Log returns. It is safe for concurrent use.
type Logger struct {
	path string
	opts options

	mu          sync.Mutex
	file        *os.File
	prevMAC     string
	failed      bool
	lastFailure error
}

// NewLogger opens (or creates) the audit file at path. When a chain key is
// configured the chain continues from the last record already in the file.
func NewLogger(path string, opts ...Option) (*Logger, error) {
	if path == "" {
		return nil, ErrPathRequired
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.chainKey != nil && len(o.chainKey) != KeySize {
		return nil, fmt.Errorf("AU-9: chain key must be %d bytes, got %d", KeySize, len(o.chainKey))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &Logger{path: path, opts: o}
	l.opts.logger = o.logger.With("component", "audit")

	if o.chainKey != nil {
		prev, err := lastMAC(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit chain head: %w", err)
		}
		l.prevMAC = prev
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	l.file = file

	return l, nil
}

// RecordEvent implements Sink. Failures go to the failure callback and the
// operational log.
func (l *Logger) RecordEvent(name string, data map[string]string) {
	event := NewEvent(name, data, l.opts.clock.Now())
	if err := l.Log(event); err != nil {
		l.opts.logger.Error("audit write failed", "event", name, "error", err)
	}
}

// Log writes an event. Data values are redacted before they reach disk.
func (l *Logger) Log(event Event) error {
	event.Data = RedactData(event.Data, l.opts.redactors)

	l.mu.Lock()

	if l.file == nil {
		l.mu.Unlock()
		return os.ErrClosed
	}
	if l.failed {
		lastErr := l.lastFailure
		l.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrAuditSystemFailed, lastErr)
	}

	if err := l.checkRotationLocked(); err != nil {
		return l.failLocked(fmt.Errorf("audit rotation failed: %w", err))
	}

	line, mac, err := l.encodeLocked(event)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	if _, err := l.file.Write(line); err != nil {
		return l.failLocked(fmt.Errorf("failed to write audit log: %w", err))
	}
	if err := l.file.Sync(); err != nil {
		return l.failLocked(fmt.Errorf("failed to sync audit log: %w", err))
	}

	l.prevMAC = mac
	l.mu.Unlock()
	return nil
}

// encodeLocked renders one record line and returns its MAC (empty without a
// chain key).
func (l *Logger) encodeLocked(event Event) ([]byte, string, error) {
	rec := record{Event: event}
	if l.opts.chainKey != nil {
		mac, err := computeMAC(l.opts.chainKey, l.prevMAC, event)
		if err != nil {
			return nil, "", err
		}
		rec.PrevMAC = l.prevMAC
		rec.MAC = mac
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, "", err
	}
	return append(line, '\n'), rec.MAC, nil
}

// failLocked records a failure, releases the lock and then runs the callback.
func (l *Logger) failLocked(err error) error {
	l.failed = true
	l.lastFailure = err
	cb := l.opts.onFailure
	l.mu.Unlock()

	if cb != nil {
		cb(err)
	}
	return err
}

// Failed returns the failure that halted the logger, or nil.
func (l *Logger) Failed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.failed {
		return nil
	}
	return l.lastFailure
}

// ResetFailure clears the halted state after an operator has resolved the
// underlying problem.
func (l *Logger) ResetFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = false
	l.lastFailure = nil
}

// =============================================================================
// FILE ROTATION
// =============================================================================

// Rotate moves the current file aside with a timestamp suffix and starts a
// new one. The HMAC chain restarts in the new file.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

func (l *Logger) rotateLocked() error {
	if l.file == nil {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}

	timestamp := l.opts.clock.Now().UTC().Format("20060102_150405.000000000")
	ext := filepath.Ext(l.path)
	base := strings.TrimSuffix(l.path, ext)
	rotatedPath := fmt.Sprintf("%s_%s%s", base, timestamp, ext)

	if err := os.Rename(l.path, rotatedPath); err != nil {
		l.file, _ = os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		l.file = nil
		return fmt.Errorf("failed to create new audit log after rotation: %w", err)
	}
	l.file = file
	l.prevMAC = ""

	return nil
}

func (l *Logger) checkRotationLocked() error {
	if l.opts.maxSize <= 0 {
		return nil
	}

	info, err := l.file.Stat()
	if err != nil {
		return nil
	}
	if info.Size() >= l.opts.maxSize {
		return l.rotateLocked()
	}
	return nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Path returns the audit log file path.
func (l *Logger) Path() string {
	return l.path
}

// Sync flushes the file to disk.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Close closes the file. Further writes return os.ErrClosed.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	zeroBytes(l.opts.chainKey)
	return err
}

// lastMAC returns the MAC of the final record in path, or "" when the file
// is missing or empty.
func lastMAC(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if last == "" {
		return "", nil
	}

	var rec record
	if err := json.Unmarshal([]byte(last), &rec); err != nil {
		return "", fmt.Errorf("malformed final record: %w", err)
	}
	return rec.MAC, nil
}
