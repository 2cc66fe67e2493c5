// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package throttle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/accessguard/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestThrottle(t *testing.T, opts ...Option) (*Throttle, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(epoch)
	th := New(append([]Option{WithClock(fc)}, opts...)...)
	return th, fc
}

func from(addr string) RequestContext {
	return RequestContext{Address: addr}
}

// =============================================================================
// SLIDING WINDOW
// =============================================================================

func TestCheck_LoginScenario(t *testing.T) {
	th, _ := newTestThrottle(t)
	require.NoError(t, th.Configure("login", Rule{Window: 60 * time.Second, MaxRequests: 5}))

	for i := 0; i < 5; i++ {
		res := th.Check("login", from("10.0.0.1"))
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
		require.Equal(t, 4-i, res.Remaining)
	}

	res := th.Check("login", from("10.0.0.1"))
	require.False(t, res.Allowed)
	require.Equal(t, ReasonRateLimited, res.Reason)
	require.Greater(t, res.RetryAfterSeconds(), 0)
	require.LessOrEqual(t, res.RetryAfter, 60*time.Second)
}

func TestCheck_SpreadInsideWindow(t *testing.T) {
	th, fc := newTestThrottle(t)
	require.NoError(t, th.Configure("api", Rule{Window: 10 * time.Second, MaxRequests: 3}))

	for i := 0; i < 3; i++ {
		require.True(t, th.Check("api", from("k")).Allowed)
		fc.Advance(3 * time.Second)
	}

	// t=9s: all three records are still inside the 10s window.
	res := th.Check("api", from("k"))
	require.False(t, res.Allowed)
	// Oldest record (t=0) leaves the window 1s from now.
	require.Equal(t, time.Second, res.RetryAfter)
	require.Equal(t, 1, res.RetryAfterSeconds())
}

func TestCheck_WindowEviction(t *testing.T) {
	th, fc := newTestThrottle(t)
	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 2}))

	require.True(t, th.Check("login", from("a")).Allowed)
	fc.Advance(10 * time.Second)
	require.True(t, th.Check("login", from("a")).Allowed)
	require.False(t, th.Check("login", from("a")).Allowed)

	// Past the first request's window, one slot frees up.
	fc.Advance(50*time.Second + time.Millisecond)
	res := th.Check("login", from("a"))
	require.True(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	require.False(t, th.Check("login", from("a")).Allowed)
}

func TestCheck_BoundaryCountsAsInside(t *testing.T) {
	th, fc := newTestThrottle(t)
	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 1}))

	require.True(t, th.Check("login", from("a")).Allowed)

	fc.Advance(time.Minute)
	res := th.Check("login", from("a"))
	require.False(t, res.Allowed, "a record exactly one window old still counts")
	require.Equal(t, 1, res.RetryAfterSeconds())

	fc.Advance(time.Nanosecond)
	require.True(t, th.Check("login", from("a")).Allowed)
}

func TestCheck_DeniedRequestsAreNotRecorded(t *testing.T) {
	th, fc := newTestThrottle(t)
	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 1}))

	require.True(t, th.Check("login", from("a")).Allowed)
	for i := 0; i < 10; i++ {
		fc.Advance(time.Second)
		require.False(t, th.Check("login", from("a")).Allowed)
	}

	fc.Advance(50*time.Second + time.Millisecond)
	require.True(t, th.Check("login", from("a")).Allowed)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	th, _ := newTestThrottle(t)
	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 1}))

	require.True(t, th.Check("login", from("a")).Allowed)
	require.False(t, th.Check("login", from("a")).Allowed)
	require.True(t, th.Check("login", from("b")).Allowed)
}

// =============================================================================
// RULE RESOLUTION
// =============================================================================

func TestCheck_NoRuleAllowsUnconditionally(t *testing.T) {
	th, _ := newTestThrottle(t)

	for i := 0; i < 100; i++ {
		res := th.Check("anything", from("a"))
		require.True(t, res.Allowed)
		require.Equal(t, Unlimited, res.Remaining)
		require.Empty(t, res.Rule)
	}
}

func TestCheck_WildcardFallback(t *testing.T) {
	th, _ := newTestThrottle(t)
	require.NoError(t, th.Configure(Wildcard, Rule{Window: time.Minute, MaxRequests: 1}))
	require.NoError(t, th.Configure("search", Rule{Window: time.Minute, MaxRequests: 3}))

	res := th.Check("profile", from("a"))
	require.True(t, res.Allowed)
	require.Equal(t, Wildcard, res.Rule)
	require.False(t, th.Check("profile", from("a")).Allowed)

	// Each endpoint keeps its own window under the wildcard rule.
	require.True(t, th.Check("settings", from("a")).Allowed)

	// A specific rule takes precedence.
	for i := 0; i < 3; i++ {
		res := th.Check("search", from("a"))
		require.True(t, res.Allowed)
		require.Equal(t, "search", res.Rule)
	}
	require.False(t, th.Check("search", from("a")).Allowed)
}

func TestCheck_CustomKeyFunc(t *testing.T) {
	th, _ := newTestThrottle(t)
	require.NoError(t, th.Configure("mfa", Rule{Window: time.Minute, MaxRequests: 1, KeyFunc: UserKey}))

	require.True(t, th.Check("mfa", RequestContext{Address: "1.1.1.1", UserID: "u1"}).Allowed)
	res := th.Check("mfa", RequestContext{Address: "2.2.2.2", UserID: "u1"})
	require.False(t, res.Allowed, "same user from another address shares the window")
	require.Equal(t, "u1", res.Key)
}

func TestConfigure_RejectsInvalidRules(t *testing.T) {
	th, _ := newTestThrottle(t)

	tests := []struct {
		name     string
		endpoint string
		rule     Rule
	}{
		{"empty endpoint", "", Rule{Window: time.Second, MaxRequests: 1}},
		{"zero window", "login", Rule{MaxRequests: 1}},
		{"negative window", "login", Rule{Window: -time.Second, MaxRequests: 1}},
		{"zero max", "login", Rule{Window: time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := th.Configure(tt.endpoint, tt.rule)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidRule))
		})
	}
}

func TestConfigure_ReplaceRule(t *testing.T) {
	th, _ := newTestThrottle(t)
	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 1}))
	require.True(t, th.Check("login", from("a")).Allowed)
	require.False(t, th.Check("login", from("a")).Allowed)

	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 3}))
	res := th.Check("login", from("a"))
	require.True(t, res.Allowed, "existing records count against the new limit")
	require.Equal(t, 1, res.Remaining)

	th.Remove("login")
	require.True(t, th.Check("login", from("a")).Allowed)
	_, _, ok := th.Rule("login")
	require.False(t, ok)
}

// =============================================================================
// LISTS
// =============================================================================

func TestLists_Precedence(t *testing.T) {
	th, _ := newTestThrottle(t)
	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 1}))

	th.AddToDenyList("bad")
	th.AddToDenyList("bad") // idempotent
	for i := 0; i < 3; i++ {
		res := th.Check("login", from("bad"))
		require.False(t, res.Allowed)
		require.Equal(t, ReasonDenied, res.Reason)
	}

	th.AddToAllowList("good")
	for i := 0; i < 10; i++ {
		res := th.Check("login", from("good"))
		require.True(t, res.Allowed)
		require.Equal(t, ReasonAllowListed, res.Reason)
	}

	th.AddToAllowList("bad")
	require.False(t, th.Check("login", from("bad")).Allowed, "deny wins over allow")

	th.RemoveFromDenyList("bad")
	require.True(t, th.Check("login", from("bad")).Allowed)

	th.RemoveFromAllowList("good")
	require.True(t, th.Check("login", from("good")).Allowed)
	require.False(t, th.Check("login", from("good")).Allowed)

	stats := th.Stats()
	assert.Equal(t, 0, stats.DenyListed)
	assert.Equal(t, 1, stats.AllowListed)
}

func TestLists_DoNotApplyWithoutRule(t *testing.T) {
	th, _ := newTestThrottle(t)
	th.AddToDenyList("bad")

	require.True(t, th.Check("unruled", from("bad")).Allowed)
}

func TestReplaceLists(t *testing.T) {
	th, _ := newTestThrottle(t)
	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 1}))
	th.AddToDenyList("old-bad")
	th.AddToAllowList("old-good")

	th.ReplaceLists([]string{"bad"}, []string{"good", "good"})

	assert.Equal(t, ReasonDenied, th.Check("login", from("bad")).Reason)
	assert.Equal(t, ReasonAllowListed, th.Check("login", from("good")).Reason)
	assert.True(t, th.Check("login", from("old-bad")).Allowed)
	assert.Equal(t, ReasonNone, th.Check("login", from("old-good")).Reason)

	stats := th.Stats()
	assert.Equal(t, 1, stats.DenyListed)
	assert.Equal(t, 1, stats.AllowListed)

	th.ReplaceLists(nil, nil)
	stats = th.Stats()
	assert.Zero(t, stats.DenyListed)
	assert.Zero(t, stats.AllowListed)
}

func TestEndpoints(t *testing.T) {
	th, _ := newTestThrottle(t)
	assert.Empty(t, th.Endpoints())

	for _, ep := range []string{"search", "login", "api:*"} {
		require.NoError(t, th.Configure(ep, Rule{Window: time.Second, MaxRequests: 1}))
	}
	assert.Equal(t, []string{"api:*", "login", "search"}, th.Endpoints())

	th.Remove("login")
	assert.Equal(t, []string{"api:*", "search"}, th.Endpoints())
}

func TestAddressUserKey(t *testing.T) {
	th, _ := newTestThrottle(t)
	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 1, KeyFunc: AddressUserKey}))

	alice := RequestContext{Address: "10.0.0.1", UserID: "alice"}
	bob := RequestContext{Address: "10.0.0.1", UserID: "bob"}

	res := th.Check("login", alice)
	require.True(t, res.Allowed)
	assert.Equal(t, "10.0.0.1|alice", res.Key)
	require.False(t, th.Check("login", alice).Allowed)
	require.True(t, th.Check("login", bob).Allowed)
}

// =============================================================================
// CALLBACKS, FLOOD GUARD, CLEANUP
// =============================================================================

func TestOnLimitReached(t *testing.T) {
	th, _ := newTestThrottle(t)

	var calls int32
	var gotKey string
	require.NoError(t, th.Configure("login", Rule{
		Window:      time.Minute,
		MaxRequests: 1,
		OnLimitReached: func(endpoint, key string, rc RequestContext) {
			atomic.AddInt32(&calls, 1)
			gotKey = key
			// Re-entering the throttle from the callback must not deadlock.
			th.AddToDenyList(key)
		},
	}))

	require.True(t, th.Check("login", from("a")).Allowed)
	require.False(t, th.Check("login", from("a")).Allowed)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Equal(t, "a", gotKey)

	res := th.Check("login", from("a"))
	require.Equal(t, ReasonDenied, res.Reason)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFloodGuard(t *testing.T) {
	th, fc := newTestThrottle(t, WithFloodGuard(rate.Limit(1), 2))
	require.NoError(t, th.Configure(Wildcard, Rule{Window: time.Minute, MaxRequests: 100}))

	require.True(t, th.Check("a", from("x")).Allowed)
	require.True(t, th.Check("b", from("y")).Allowed)

	res := th.Check("c", from("z"))
	require.False(t, res.Allowed)
	require.Equal(t, ReasonFlood, res.Reason)
	require.Greater(t, res.RetryAfter, time.Duration(0))

	fc.Advance(time.Second)
	require.True(t, th.Check("c", from("z")).Allowed)
}

func TestFloodGuard_WindowRejectionKeepsCapacity(t *testing.T) {
	th, _ := newTestThrottle(t, WithFloodGuard(rate.Limit(0.001), 2))
	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 1}))

	require.True(t, th.Check("login", from("x")).Allowed)
	for i := 0; i < 3; i++ {
		res := th.Check("login", from("x"))
		require.Equal(t, ReasonRateLimited, res.Reason, "attempt %d", i+1)
	}

	// The rejected attempts gave their tokens back.
	require.True(t, th.Check("login", from("y")).Allowed)

	res := th.Check("login", from("z"))
	require.False(t, res.Allowed)
	require.Equal(t, ReasonFlood, res.Reason)
}

func TestSweep(t *testing.T) {
	th, fc := newTestThrottle(t)
	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 5}))
	require.NoError(t, th.Configure("search", Rule{Window: time.Hour, MaxRequests: 5}))

	th.Check("login", from("a"))
	th.Check("login", from("b"))
	th.Check("search", from("a"))
	require.Equal(t, 3, th.Stats().Buckets)

	fc.Advance(2 * time.Minute)
	require.Equal(t, 2, th.Sweep())

	stats := th.Stats()
	require.Equal(t, 1, stats.Buckets)
	require.Equal(t, 1, stats.Records)

	th.Remove("search")
	require.Equal(t, 1, th.Sweep())
	require.Equal(t, 0, th.Stats().Buckets)
}

func TestReset(t *testing.T) {
	th, _ := newTestThrottle(t)
	require.NoError(t, th.Configure("login", Rule{Window: time.Minute, MaxRequests: 1}))

	require.True(t, th.Check("login", from("a")).Allowed)
	require.False(t, th.Check("login", from("a")).Allowed)

	th.Reset("login", "a")
	require.True(t, th.Check("login", from("a")).Allowed)
}

func TestStartSweeper_StopsOnCancel(t *testing.T) {
	th := New()
	ctx, cancel := context.WithCancel(context.Background())
	th.StartSweeper(ctx, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	cancel()
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want int
	}{
		{"allowed", Result{Allowed: true, RetryAfter: time.Minute}, 0},
		{"no delay", Result{}, 0},
		{"sub-second", Result{RetryAfter: time.Millisecond}, 1},
		{"exact", Result{RetryAfter: 2 * time.Second}, 2},
		{"round up", Result{RetryAfter: 2*time.Second + time.Millisecond}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.res.RetryAfterSeconds())
		})
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestCheck_ConcurrentSameKeyNeverExceedsLimit(t *testing.T) {
	th, _ := newTestThrottle(t)
	const limit = 25
	require.NoError(t, th.Configure("login", Rule{Window: time.Hour, MaxRequests: limit}))

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Check("login", from("shared")).Allowed {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(limit), atomic.LoadInt32(&allowed))
}

func TestCheck_ConcurrentConfigureAndCheck(t *testing.T) {
	th, _ := newTestThrottle(t)
	require.NoError(t, th.Configure(Wildcard, Rule{Window: time.Minute, MaxRequests: 10}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_ = th.Configure("login", Rule{Window: time.Minute, MaxRequests: 5})
		}()
		go func(id int) {
			defer wg.Done()
			_ = th.Check("login", from(string(rune('a'+id%26))))
		}(i)
		go func() {
			defer wg.Done()
			_ = th.Sweep()
			_ = th.Stats()
		}()
	}
	wg.Wait()
}
