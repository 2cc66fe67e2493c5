// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AU-2 EVENT NAMES
// =============================================================================

const (
	EventLoginRateLimited          = "LOGIN_RATE_LIMITED"
	EventLoginInvalidCredentials   = "LOGIN_INVALID_CREDENTIALS"
	EventLoginSecondFactorRequired = "LOGIN_SECOND_FACTOR_REQUIRED"
	EventLoginSecondFactorInvalid  = "LOGIN_SECOND_FACTOR_INVALID"
	EventLoginSuccess              = "LOGIN_SUCCESS"
	EventLoginError                = "LOGIN_ERROR"
	EventLogout                    = "LOGOUT"
	EventLogoutAll                 = "LOGOUT_ALL"
	EventConfigReloaded            = "CONFIG_RELOADED"
)

// =============================================================================
// SINK
// =============================================================================

// Sink receives audit events. RecordEvent must not block for long and never
// reports errors to the caller.
type Sink interface {
	RecordEvent(name string, data map[string]string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(name string, data map[string]string)

// RecordEvent calls f.
func (f SinkFunc) RecordEvent(name string, data map[string]string) {
	f(name, data)
}

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(string, map[string]string) {})

// =============================================================================
// EVENT
// =============================================================================

// Event is a single audit record.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Name      string            `json:"event"`
	Data      map[string]string `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh ID. data is copied.
func NewEvent(name string, data map[string]string, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		Name:      name,
		Data:      copyData(data),
	}
}

// ToLogLine formats the event as a single human-readable line with data
// keys in sorted order.
func (e *Event) ToLogLine() string {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%q", k, e.Data[k])
	}

	return fmt.Sprintf("%s | %s | %s | %s",
		e.Timestamp.Format("2006-01-02 15:04:05"),
		e.Name,
		e.ID,
		b.String(),
	)
}

// ToJSON formats the event as JSON.
func (e *Event) ToJSON() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func copyData(data map[string]string) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
