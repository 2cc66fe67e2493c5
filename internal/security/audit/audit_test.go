// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/accessguard/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func readRecords(t *testing.T, path string) []record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var recs []record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, scanner.Err())
	return recs
}

// =============================================================================
// EVENT
// =============================================================================

func TestNewEvent(t *testing.T) {
	data := map[string]string{"user_id": "u1"}
	e := NewEvent(EventLoginSuccess, data, epoch)

	assert.Len(t, e.ID, 36)
	assert.Equal(t, epoch, e.Timestamp)
	assert.Equal(t, EventLoginSuccess, e.Name)
	assert.Equal(t, "u1", e.Data["user_id"])

	data["user_id"] = "changed"
	assert.Equal(t, "u1", e.Data["user_id"], "data must be copied")

	other := NewEvent(EventLoginSuccess, nil, epoch)
	assert.NotEqual(t, e.ID, other.ID)
	assert.Nil(t, other.Data)
}

func TestEvent_ToLogLine(t *testing.T) {
	e := Event{
		ID:        "id-1",
		Timestamp: epoch,
		Name:      EventLoginRateLimited,
		Data:      map[string]string{"retry_after": "12", "address": "10.0.0.1"},
	}
	assert.Equal(t,
		`2025-03-01 12:00:00 | LOGIN_RATE_LIMITED | id-1 | address="10.0.0.1" retry_after="12"`,
		e.ToLogLine())
}

func TestEvent_ToJSON(t *testing.T) {
	e := NewEvent(EventLogout, map[string]string{"user_id": "u1"}, epoch)
	s, err := e.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, s, `"event":"LOGOUT"`)
	assert.Contains(t, s, `"user_id":"u1"`)
}

func TestSinkFunc(t *testing.T) {
	var got string
	var s Sink = SinkFunc(func(name string, _ map[string]string) { got = name })
	s.RecordEvent("X", nil)
	assert.Equal(t, "X", got)

	Discard.RecordEvent("ignored", nil)
}

// =============================================================================
// REDACTION
// =============================================================================

func TestRedactData(t *testing.T) {
	tests := []struct {
		name string
		key  string
		in   string
		want string
	}{
		{"sensitive key", "password", "hunter2", "[REDACTED]"},
		{"sensitive key case", "Second_Factor_Code", "123456", "[REDACTED]"},
		{"bearer", "header", "Bearer abc.def", "Bearer [TOKEN_REDACTED]"},
		{"inline password", "note", "password=hunter2 ok", "[PASSWORD_REDACTED] ok"},
		{"otpauth", "url", "otpauth://totp/x?secret=ABC", "[OTPAUTH_URL_REDACTED]"},
		{"session id", "session", "sess_0123456789abcdef0123456789abcdef", "sess_0123...cdef"},
		{"plain", "user_id", "u1", "u1"},
	}

	redactors := DefaultRedactors()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := RedactData(map[string]string{tt.key: tt.in}, redactors)
			assert.Equal(t, tt.want, out[tt.key])
		})
	}
}

func TestRedactData_DoesNotMutateInput(t *testing.T) {
	in := map[string]string{"password": "hunter2"}
	_ = RedactData(in, DefaultRedactors())
	assert.Equal(t, "hunter2", in["password"])
	assert.Nil(t, RedactData(nil, DefaultRedactors()))
}

func TestPatternRedactor(t *testing.T) {
	r := NewPatternRedactor("Digits", regexp.MustCompile(`\d+`), "#")
	assert.Equal(t, "Digits", r.Name())
	assert.Equal(t, "a#b#", r.Redact("a12b3"))
}

// =============================================================================
// FILE LOGGER
// =============================================================================

func TestNewLogger_RequiresPath(t *testing.T) {
	_, err := NewLogger("")
	require.ErrorIs(t, err, ErrPathRequired)
}

func TestNewLogger_RejectsShortKey(t *testing.T) {
	_, err := NewLogger(filepath.Join(t.TempDir(), "audit.log"), WithChainKey([]byte("short")))
	require.Error(t, err)
}

func TestLogger_RecordEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	l, err := NewLogger(path, WithClock(clock.NewFake(epoch)))
	require.NoError(t, err)
	defer l.Close()

	l.RecordEvent(EventLoginInvalidCredentials, map[string]string{
		"username": "alice",
		"password": "hunter2",
	})

	recs := readRecords(t, path)
	require.Len(t, recs, 1)
	assert.Equal(t, EventLoginInvalidCredentials, recs[0].Name)
	assert.Equal(t, epoch, recs[0].Timestamp)
	assert.Equal(t, "alice", recs[0].Data["username"])
	assert.Equal(t, "[REDACTED]", recs[0].Data["password"])
	assert.Empty(t, recs[0].MAC, "no chain without a key")

	info, err := os.Stat(path)
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

func TestLogger_ChainVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(path, WithChainKey(testKey()))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		l.RecordEvent(EventLoginSuccess, map[string]string{"user_id": "u1"})
	}
	require.NoError(t, l.Close())

	n, err := VerifyFile(path, testKey())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	recs := readRecords(t, path)
	assert.Empty(t, recs[0].PrevMAC)
	for i := 1; i < len(recs); i++ {
		assert.Equal(t, recs[i-1].MAC, recs[i].PrevMAC)
	}
}

func TestLogger_ChainContinuesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l, err := NewLogger(path, WithChainKey(testKey()))
	require.NoError(t, err)
	l.RecordEvent(EventLoginSuccess, nil)
	require.NoError(t, l.Close())

	l, err = NewLogger(path, WithChainKey(testKey()))
	require.NoError(t, err)
	l.RecordEvent(EventLogout, nil)
	require.NoError(t, l.Close())

	n, err := VerifyFile(path, testKey())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(path, WithChainKey(testKey()))
	require.NoError(t, err)
	l.RecordEvent(EventLoginSuccess, map[string]string{"user_id": "u1"})
	l.RecordEvent(EventLoginSuccess, map[string]string{"user_id": "u2"})
	l.RecordEvent(EventLoginSuccess, map[string]string{"user_id": "u3"})
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)

	t.Run("edited", func(t *testing.T) {
		edited := strings.Replace(string(raw), `"u2"`, `"u9"`, 1)
		n, err := VerifyChain(strings.NewReader(edited), testKey())
		require.ErrorIs(t, err, ErrChainBroken)
		assert.Equal(t, 1, n)
	})

	t.Run("deleted", func(t *testing.T) {
		cut := lines[0] + "\n" + lines[2] + "\n"
		_, err := VerifyChain(strings.NewReader(cut), testKey())
		require.ErrorIs(t, err, ErrChainBroken)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := VerifyChain(strings.NewReader(string(raw)), bytes.Repeat([]byte{1}, KeySize))
		require.ErrorIs(t, err, ErrChainBroken)
	})
}

func TestLogger_Rotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	l, err := NewLogger(path, WithChainKey(testKey()), WithClock(clock.NewFake(epoch)))
	require.NoError(t, err)
	defer l.Close()

	l.RecordEvent(EventLoginSuccess, nil)
	require.NoError(t, l.Rotate())
	l.RecordEvent(EventLogout, nil)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	n, err := VerifyFile(path, testKey())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the chain restarts in the new file")
}

func TestLogger_RotatesAtMaxSize(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFake(epoch)
	l, err := NewLogger(filepath.Join(dir, "audit.log"), WithMaxSize(1), WithClock(fc))
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.RecordEvent(EventLoginSuccess, nil)
		fc.Advance(time.Second)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestLogger_FailureHalts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	var mu sync.Mutex
	var failures []error
	l, err := NewLogger(path, WithMaxSize(0), WithFailureCallback(func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}))
	require.NoError(t, err)

	// Break the underlying file so the next write fails.
	require.NoError(t, l.file.Close())

	err = l.Log(NewEvent(EventLoginSuccess, nil, epoch))
	require.Error(t, err)
	require.Error(t, l.Failed())

	err = l.Log(NewEvent(EventLoginSuccess, nil, epoch))
	require.ErrorIs(t, err, ErrAuditSystemFailed)

	mu.Lock()
	assert.Len(t, failures, 1)
	mu.Unlock()

	l.ResetFailure()
	assert.NoError(t, l.Failed())
}

func TestLogger_Closed(t *testing.T) {
	l, err := NewLogger(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	err = l.Log(NewEvent(EventLogout, nil, epoch))
	require.ErrorIs(t, err, os.ErrClosed)
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(path, WithChainKey(testKey()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				l.RecordEvent(EventLoginSuccess, map[string]string{"user_id": "u1"})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	n, err := VerifyFile(path, testKey())
	require.NoError(t, err)
	assert.Equal(t, 200, n)
}

// =============================================================================
// KEYS
// =============================================================================

func TestLoadKey_FromEnv(t *testing.T) {
	t.Setenv(ChainKeyEnvVar, hex.EncodeToString(testKey()))
	key, err := LoadKey("")
	require.NoError(t, err)
	assert.Equal(t, testKey(), key)
}

func TestLoadKey_InvalidEnv(t *testing.T) {
	t.Setenv(ChainKeyEnvVar, "zz")
	_, err := LoadKey("")
	require.Error(t, err)

	t.Setenv(ChainKeyEnvVar, "abcd")
	_, err = LoadKey("")
	require.Error(t, err)
}

func TestLoadKey_FromFile(t *testing.T) {
	t.Setenv(ChainKeyEnvVar, "")
	path := filepath.Join(t.TempDir(), "keys", "audit.key")

	_, err := LoadKey(path)
	require.Error(t, err, "keys are never generated implicitly")

	require.NoError(t, GenerateKey(path))
	key, err := LoadKey(path)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	_, err = LoadKey("")
	require.Error(t, err)
}

// =============================================================================
// SQLITE SINK
// =============================================================================

func TestSQLiteSink(t *testing.T) {
	fc := clock.NewFake(epoch)
	sink, err := OpenSQLite(":memory:", WithClock(fc))
	require.NoError(t, err)
	defer sink.Close()

	sink.RecordEvent(EventLoginInvalidCredentials, map[string]string{"username": "alice", "address": "10.0.0.1"})
	fc.Advance(time.Second)
	sink.RecordEvent(EventLoginSuccess, map[string]string{"user_id": "u1", "password": "hunter2"})
	fc.Advance(time.Second)
	sink.RecordEvent(EventLoginSuccess, map[string]string{"user_id": "u2"})

	ctx := context.Background()

	all, err := sink.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventLoginInvalidCredentials, all[0].Name)
	assert.Equal(t, epoch, all[0].Timestamp)

	ok, err := sink.Query(ctx, Filter{Name: EventLoginSuccess})
	require.NoError(t, err)
	require.Len(t, ok, 2)
	assert.Equal(t, "[REDACTED]", ok[0].Data["password"])

	byUser, err := sink.Query(ctx, Filter{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)

	ranged, err := sink.Query(ctx, Filter{Since: epoch.Add(time.Second), Until: epoch.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "u1", ranged[0].Data["user_id"])

	limited, err := sink.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := sink.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = sink.Count(ctx, EventLoginSuccess)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteSink_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "audit.db")
	sink, err := OpenSQLite(path)
	require.NoError(t, err)
	sink.RecordEvent(EventLogout, nil)
	require.NoError(t, sink.Close())

	sink, err = OpenSQLite(path)
	require.NoError(t, err)
	defer sink.Close()

	events, err := sink.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Data)
}

// =============================================================================
// MEMORY AND MULTI
// =============================================================================

func TestMemory(t *testing.T) {
	m := NewMemory(WithClock(clock.NewFake(epoch)))
	m.RecordEvent(EventLoginSuccess, map[string]string{"user_id": "u1"})
	m.RecordEvent(EventLogout, nil)

	require.Equal(t, 2, m.Len())
	events := m.Events()
	assert.Equal(t, EventLoginSuccess, events[0].Name)
	assert.Equal(t, epoch, events[0].Timestamp)

	events[0].Data["user_id"] = "changed"
	assert.Equal(t, "u1", m.Named(EventLoginSuccess)[0].Data["user_id"])

	m.Reset()
	assert.Equal(t, 0, m.Len())
}

func TestMulti(t *testing.T) {
	a := NewMemory()
	b := NewMemory()
	Multi{a, nil, b}.RecordEvent(EventLogout, map[string]string{"user_id": "u1"})

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
}
