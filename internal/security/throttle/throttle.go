// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package throttle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/accessguard/internal/clock"
	"golang.org/x/time/rate"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// Wildcard is the endpoint name whose rule applies to any endpoint
	// without a rule of its own.
	Wildcard = "*"

	// shardCount is the number of lock stripes for request buckets.
	shardCount = 32

	// Unlimited is reported as Remaining when a request was not counted.
	Unlimited = -1
)

// ErrInvalidRule is returned by Configure for rules that cannot be enforced.
var ErrInvalidRule = errors.New("invalid throttle rule")

// Reason explains a Check outcome.
type Reason string

const (
	// ReasonNone is used for requests accepted by the sliding window or
	// for endpoints without a rule.
	ReasonNone Reason = ""

	// ReasonAllowListed indicates the key bypassed counting.
	ReasonAllowListed Reason = "allow-listed"

	// ReasonDenied indicates the key is on the deny list.
	ReasonDenied Reason = "denied"

	// ReasonRateLimited indicates the window limit was reached.
	ReasonRateLimited Reason = "rate-limited"

	// ReasonFlood indicates the global flood guard rejected the request.
	ReasonFlood Reason = "flood"
)

// =============================================================================
// RULES AND REQUESTS
// =============================================================================

// RequestContext carries what a KeyFunc may derive a rate-limit key from.
type RequestContext struct {
	// Address is the client network address.
	Address string

	// UserID is the authenticated or claimed user, if known.
	UserID string

	// ClientAgent is the client user-agent string.
	ClientAgent string

	// Attributes holds any additional request attributes.
	Attributes map[string]string
}

// KeyFunc derives the rate-limit key from a request.
type KeyFunc func(rc RequestContext) string

// LimitFunc is invoked when a request is rejected by the sliding window.
type LimitFunc func(endpoint, key string, rc RequestContext)

// AddressKey keys requests by client address. It is the default KeyFunc.
func AddressKey(rc RequestContext) string { return rc.Address }

// UserKey keys requests by user ID.
func UserKey(rc RequestContext) string { return rc.UserID }

// AddressUserKey keys requests by the address and user ID pair.
func AddressUserKey(rc RequestContext) string { return rc.Address + "|" + rc.UserID }

// Rule bounds the request rate for one endpoint.
type Rule struct {
	// Window is the trailing interval requests are counted over.
	Window time.Duration

	// MaxRequests is the number of requests allowed inside Window.
	MaxRequests int

	// KeyFunc derives the rate-limit key. Defaults to AddressKey.
	KeyFunc KeyFunc

	// OnLimitReached is called after a request is rejected for exceeding
	// the limit. It runs outside of any throttle lock.
	OnLimitReached LimitFunc
}

func (r Rule) validate() error {
	if r.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %v", ErrInvalidRule, r.Window)
	}
	if r.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidRule, r.MaxRequests)
	}
	return nil
}

// Result is the outcome of a Check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is the number of further requests the key may make in the
	// current window, or Unlimited when the request was not counted.
	Remaining int

	// RetryAfter is how long until the key may retry. Zero when allowed.
	RetryAfter time.Duration

	// Reason explains the outcome.
	Reason Reason

	// Endpoint is the endpoint the request was checked against.
	Endpoint string

	// Rule is the name of the rule that applied ("" when none did).
	Rule string

	// Key is the rate-limit key derived from the request.
	Key string
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds. A
// rejected request with a retry delay always reports at least one second.
func (r Result) RetryAfterSeconds() int {
	if r.Allowed || r.RetryAfter <= 0 {
		return 0
	}
	secs := int((r.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// =============================================================================
// BUCKETS
// =============================================================================

type record struct {
	at       time.Time
	endpoint string
}

// bucket holds the time-ordered request records of one (endpoint, key) pair.
type bucket struct {
	endpoint string
	records  []record
}

// prune drops records older than window. A record exactly window old is kept.
func (b *bucket) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(b.records) && now.Sub(b.records[i].at) > window {
		i++
	}
	if i > 0 {
		b.records = append(b.records[:0], b.records[i:]...)
	}
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func bucketKey(endpoint, key string) string {
	return endpoint + "\x00" + key
}

// =============================================================================
// THROTTLE
// =============================================================================

// Throttle is a sliding-window rate limiter keyed by endpoint and request key.
// It is safe for concurrent use.
type Throttle struct {
	// mu protects rules and the allow/deny lists.
	mu    sync.RWMutex
	rules map[string]Rule
	deny  map[string]struct{}
	allow map[string]struct{}

	shards [shardCount]*shard

	// flood is an optional global token bucket consulted before the windows.
	// Requests the windows reject return their token.
	flood *rate.Limiter

	clock  clock.Clock
	logger *slog.Logger
}

// Option is a functional option for configuring a Throttle.
type Option func(*Throttle)

// WithClock sets the clock used for windows.
func WithClock(c clock.Clock) Option {
	return func(t *Throttle) {
		t.clock = clock.OrReal(c)
	}
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Throttle) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithFloodGuard enables a global token bucket of limit requests per second
// with the given burst, applied to every counted request across all
// endpoints. Non-positive values leave the guard disabled.
func WithFloodGuard(limit rate.Limit, burst int) Option {
	return func(t *Throttle) {
		if limit > 0 && burst > 0 {
			t.flood = rate.NewLimiter(limit, burst)
		}
	}
}

// New creates a Throttle with no rules.
func New(opts ...Option) *Throttle {
	t := &Throttle{
		rules:  make(map[string]Rule),
		deny:   make(map[string]struct{}),
		allow:  make(map[string]struct{}),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for i := range t.shards {
		t.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}

	for _, opt := range opts {
		opt(t)
	}

	t.logger = t.logger.With("component", "throttle")
	return t
}

func (t *Throttle) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return t.shards[h.Sum32()%shardCount]
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Configure registers or replaces the rule for endpoint. Use Wildcard to set
// the fallback rule. Existing request records are kept.
func (t *Throttle) Configure(endpoint string, rule Rule) error {
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint name required", ErrInvalidRule)
	}
	if err := rule.validate(); err != nil {
		return fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	if rule.KeyFunc == nil {
		rule.KeyFunc = AddressKey
	}

	t.mu.Lock()
	t.rules[endpoint] = rule
	t.mu.Unlock()

	t.logger.Debug("rule configured",
		"endpoint", endpoint,
		"window", rule.Window,
		"max_requests", rule.MaxRequests)
	return nil
}

// Remove deletes the rule for endpoint. Requests to it fall back to the
// wildcard rule, if any.
func (t *Throttle) Remove(endpoint string) {
	t.mu.Lock()
	delete(t.rules, endpoint)
	t.mu.Unlock()
}

// Rule returns the rule that applies to endpoint and its name.
func (t *Throttle) Rule(endpoint string) (Rule, string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resolveLocked(endpoint)
}

func (t *Throttle) resolveLocked(endpoint string) (Rule, string, bool) {
	if rule, ok := t.rules[endpoint]; ok {
		return rule, endpoint, true
	}
	if rule, ok := t.rules[Wildcard]; ok {
		return rule, Wildcard, true
	}
	return Rule{}, "", false
}

// AddToDenyList rejects every future request from key.
func (t *Throttle) AddToDenyList(key string) {
	t.mu.Lock()
	t.deny[key] = struct{}{}
	t.mu.Unlock()
}

// RemoveFromDenyList removes key from the deny list.
func (t *Throttle) RemoveFromDenyList(key string) {
	t.mu.Lock()
	delete(t.deny, key)
	t.mu.Unlock()
}

// AddToAllowList accepts every future request from key without counting it,
// unless the key is also deny-listed.
func (t *Throttle) AddToAllowList(key string) {
	t.mu.Lock()
	t.allow[key] = struct{}{}
	t.mu.Unlock()
}

// RemoveFromAllowList removes key from the allow list.
func (t *Throttle) RemoveFromAllowList(key string) {
	t.mu.Lock()
	delete(t.allow, key)
	t.mu.Unlock()
}

// ReplaceLists swaps both lists for the given keys in one step.
func (t *Throttle) ReplaceLists(deny, allow []string) {
	d := make(map[string]struct{}, len(deny))
	for _, k := range deny {
		d[k] = struct{}{}
	}
	a := make(map[string]struct{}, len(allow))
	for _, k := range allow {
		a[k] = struct{}{}
	}

	t.mu.Lock()
	t.deny = d
	t.allow = a
	t.mu.Unlock()
}

// Endpoints returns the endpoints that have a rule, sorted.
func (t *Throttle) Endpoints() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.rules))
	for name := range t.rules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// CHECK
// =============================================================================

// Check decides whether a request to endpoint may proceed and, if it is
// counted and accepted, records it. Check never fails: every outcome is
// reported through the Result.
func (t *Throttle) Check(endpoint string, rc RequestContext) Result {
	t.mu.RLock()
	rule, ruleName, ok := t.resolveLocked(endpoint)
	if !ok {
		t.mu.RUnlock()
		return Result{Allowed: true, Remaining: Unlimited, Endpoint: endpoint}
	}
	key := rule.KeyFunc(rc)
	_, denied := t.deny[key]
	_, allowed := t.allow[key]
	flood := t.flood
	t.mu.RUnlock()

	res := Result{Endpoint: endpoint, Rule: ruleName, Key: key}

	// Deny wins over allow when a key is on both lists.
	if denied {
		t.logger.Info("request denied", "endpoint", endpoint, "key", key)
		res.Reason = ReasonDenied
		return res
	}
	if allowed {
		res.Allowed = true
		res.Remaining = Unlimited
		res.Reason = ReasonAllowListed
		return res
	}

	// The flood token is taken first and handed back if the window rejects
	// the request, so only accepted requests consume flood capacity.
	var (
		floodRes *rate.Reservation
		floodAt  time.Time
	)
	if flood != nil {
		now := t.clock.Now()
		r := flood.ReserveN(now, 1)
		if !r.OK() {
			res.Reason = ReasonFlood
			res.RetryAfter = time.Second
			return res
		}
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			t.logger.Warn("flood guard engaged", "endpoint", endpoint, "retry_after", delay)
			res.Reason = ReasonFlood
			res.RetryAfter = delay
			return res
		}
		floodRes, floodAt = r, now
	}

	bk := bucketKey(endpoint, key)
	sh := t.shardFor(bk)

	sh.mu.Lock()
	// Read the clock under the shard lock so records stay time-ordered.
	now := t.clock.Now()
	b, exists := sh.buckets[bk]
	if !exists {
		b = &bucket{endpoint: endpoint}
		sh.buckets[bk] = b
	}
	b.prune(now, rule.Window)

	if len(b.records) >= rule.MaxRequests {
		retry := b.records[0].at.Add(rule.Window).Sub(now)
		if retry <= 0 {
			// The oldest record sits exactly on the boundary and still counts.
			retry = time.Nanosecond
		}
		sh.mu.Unlock()

		if floodRes != nil {
			floodRes.CancelAt(floodAt)
		}
		t.logger.Info("rate limit reached",
			"endpoint", endpoint,
			"key", key,
			"retry_after", retry)
		if rule.OnLimitReached != nil {
			rule.OnLimitReached(endpoint, key, rc)
		}

		res.Reason = ReasonRateLimited
		res.RetryAfter = retry
		return res
	}

	b.records = append(b.records, record{at: now, endpoint: endpoint})
	remaining := rule.MaxRequests - len(b.records)
	sh.mu.Unlock()

	res.Allowed = true
	res.Remaining = remaining
	return res
}

// Reset forgets all recorded requests for key on endpoint.
func (t *Throttle) Reset(endpoint, key string) {
	bk := bucketKey(endpoint, key)
	sh := t.shardFor(bk)
	sh.mu.Lock()
	delete(sh.buckets, bk)
	sh.mu.Unlock()
}

// =============================================================================
// CLEANUP AND STATS
// =============================================================================

// Sweep prunes every bucket and drops the empty ones and those whose
// endpoint no longer has a rule. It returns the number of buckets removed.
func (t *Throttle) Sweep() int {
	t.mu.RLock()
	windows := make(map[string]time.Duration, len(t.rules))
	for name, rule := range t.rules {
		windows[name] = rule.Window
	}
	t.mu.RUnlock()

	removed := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		now := t.clock.Now()
		for bk, b := range sh.buckets {
			window, ok := windows[b.endpoint]
			if !ok {
				window, ok = windows[Wildcard]
			}
			if ok {
				b.prune(now, window)
			}
			if !ok || len(b.records) == 0 {
				delete(sh.buckets, bk)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (t *Throttle) StartSweeper(ctx context.Context, interval time.Duration) {
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
				if n := t.Sweep(); n > 0 {
					t.logger.Debug("swept idle buckets", "removed", n)
				}
			}
		}
	}()
}

// Stats summarises throttle state.
type Stats struct {
	Rules       int `json:"rules"`
	Buckets     int `json:"buckets"`
	Records     int `json:"records"`
	DenyListed  int `json:"deny_listed"`
	AllowListed int `json:"allow_listed"`
}

// Stats returns a snapshot of throttle state. Records may include entries
// that have aged out but not yet been pruned.
func (t *Throttle) Stats() Stats {
	t.mu.RLock()
	stats := Stats{
		Rules:       len(t.rules),
		DenyListed:  len(t.deny),
		AllowListed: len(t.allow),
	}
	t.mu.RUnlock()

	for _, sh := range t.shards {
		sh.mu.Lock()
		stats.Buckets += len(sh.buckets)
		for _, b := range sh.buckets {
			stats.Records += len(b.records)
		}
		sh.mu.Unlock()
	}
	return stats
}
