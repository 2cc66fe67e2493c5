// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SQLITE SINK
// =============================================================================

// sqliteSchema creates the audit table. Rows are never updated.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id         TEXT PRIMARY KEY,
    ts         INTEGER NOT NULL,
    name       TEXT NOT NULL,
    user_id    TEXT NOT NULL DEFAULT '',
    address    TEXT NOT NULL DEFAULT '',
    data       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_events_name ON audit_events(name);
CREATE INDEX IF NOT EXISTS idx_audit_events_user ON audit_events(user_id);
`

// DefaultQueryLimit caps Query results when Filter.Limit is zero.
const DefaultQueryLimit = 1000

// SQLiteSink stores events in a SQLite database. It is safe for concurrent
// use.
type SQLiteSink struct {
	db   *sql.DB
	opts options
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func OpenSQLite(path string, opts ...Option) (*SQLiteSink, error) {
	if path == "" {
		return nil, ErrPathRequired
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// keeps a :memory: database alive for the sink's lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	sink, err := NewSQLiteSink(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

// NewSQLiteSink wraps an open database and applies the schema.
func NewSQLiteSink(db *sql.DB, opts ...Option) (*SQLiteSink, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "audit", "sink", "sqlite")

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteSink{db: db, opts: o}, nil
}

// RecordEvent implements Sink.
func (s *SQLiteSink) RecordEvent(name string, data map[string]string) {
	event := NewEvent(name, data, s.opts.clock.Now())
	if err := s.Log(context.Background(), event); err != nil {
		s.opts.logger.Error("audit insert failed", "event", name, "error", err)
		if s.opts.onFailure != nil {
			s.opts.onFailure(err)
		}
	}
}

// Log inserts an event. Data values are redacted first.
func (s *SQLiteSink) Log(ctx context.Context, event Event) error {
	event.Data = RedactData(event.Data, s.opts.redactors)

	payload := []byte("{}")
	if len(event.Data) > 0 {
		var err error
		payload, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, ts, name, user_id, address, data) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Timestamp.UnixNano(),
		event.Name,
		event.Data["user_id"],
		event.Data["address"],
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	Name   string
	UserID string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Query returns matching events oldest first.
func (s *SQLiteSink) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UnixNano())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	query := "SELECT id, ts, name, data FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts, rowid LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e    Event
			ts   int64
			data string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Name, &data); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("malformed data for event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns the number of events with the given name, or all events
// when name is empty.
func (s *SQLiteSink) Count(ctx context.Context, name string) (int, error) {
	var (
		n   int
		err error
	)
	if name == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events WHERE name = ?", name).Scan(&n)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
