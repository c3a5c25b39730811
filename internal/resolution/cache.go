// Package resolution maps runtime env fingerprints to ready environments,
// in-flight builds and cached failures.
//
// Concurrent requests for the same fingerprint are coalesced: one caller
// becomes the leader and runs the resolve function, every other caller waits
// for its outcome. Failures are remembered for a TTL so repeated requests for a
// broken environment fail fast, then are retried from scratch once it expires.
package resolution

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/exec"
	"github.com/felixgeelhaar/runenv/internal/journal"
	"github.com/felixgeelhaar/runenv/internal/log"
	"github.com/felixgeelhaar/runenv/internal/metrics"
	"github.com/felixgeelhaar/runenv/internal/telemetry"
)

// DefaultFailureTTL is how long a failed resolution is served from the cache.
const DefaultFailureTTL = 10 * time.Minute

// Status is the lifecycle stage of a fingerprint.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// State is a point-in-time view of one cache entry.
type State struct {
	Fingerprint string
	Status      Status

	// Waiters counts callers attached to a pending resolution.
	Waiters int

	Context   *exec.Context
	CreatedAt time.Time

	Err      error
	CachedAt time.Time
	TTL      time.Duration
}

// ExpiresAt returns when a failed entry stops being served.
func (s State) ExpiresAt() time.Time {
	return s.CachedAt.Add(s.TTL)
}

// ResolveFunc builds the environment for a fingerprint.
type ResolveFunc func(ctx context.Context) (*exec.Context, error)

// EventRecorder persists lifecycle events. *journal.Journal implements it.
type EventRecorder interface {
	Record(event *journal.Event) error
}

// Options configures a Cache.
type Options struct {
	// FailureTTL defaults to DefaultFailureTTL.
	FailureTTL time.Duration
	Clock      func() time.Time
	Logger     *log.Logger
	Metrics    *metrics.Metrics

	// Journal receives setup and expiry events. May be nil.
	Journal EventRecorder
}

// Cache is the process-wide fingerprint to resolution state table.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	ttl     time.Duration
	now     func() time.Time
	logger  *log.Logger
	metrics *metrics.Metrics
	journal EventRecorder
}

type entry struct {
	status  Status
	waiters int

	ctx       *exec.Context
	createdAt time.Time

	err      error
	cachedAt time.Time
	ttl      time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return e.status == StatusFailed && !now.Before(e.cachedAt.Add(e.ttl))
}

// NewCache creates an empty cache.
func NewCache(opts Options) *Cache {
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = DefaultFailureTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}

	return &Cache{
		entries: make(map[string]*entry),
		ttl:     opts.FailureTTL,
		now:     opts.Clock,
		logger:  opts.Logger.Named("resolution"),
		metrics: opts.Metrics,
		journal: opts.Journal,
	}
}

// FailureTTL returns the retention applied to newly cached failures.
func (c *Cache) FailureTTL() time.Duration {
	return c.ttl
}

// GetOrResolve returns the ready context for fingerprint, building it with
// resolve if no usable entry exists. A cached failure is returned without
// calling resolve until its TTL elapses.
//
// Only one resolve runs per fingerprint at a time. It runs detached from the
// caller's cancellation, so a caller giving up through ctx or timeout does not
// abort the build for the others. timeout <= 0 waits for as long as ctx allows.
func (c *Cache) GetOrResolve(ctx context.Context, fingerprint string, timeout time.Duration, resolve ResolveFunc) (*exec.Context, error) {
	ctx, span := telemetry.StartResolveSpan(ctx, fingerprint)
	handle, err := c.getOrResolve(ctx, fingerprint, timeout, resolve)
	telemetry.EndSpan(span, err)
	return handle, err
}

func (c *Cache) getOrResolve(ctx context.Context, fingerprint string, timeout time.Duration, resolve ResolveFunc) (*exec.Context, error) {
	c.mu.Lock()
	result := metrics.LookupMiss
	expired := false
	if e, ok := c.entries[fingerprint]; ok {
		switch {
		case e.status == StatusReady:
			c.mu.Unlock()
			c.lookup(metrics.LookupReady)
			return e.ctx, nil
		case e.status == StatusFailed && !e.expired(c.now()):
			c.mu.Unlock()
			c.lookup(metrics.LookupFailed)
			return nil, e.err
		case e.status == StatusFailed:
			delete(c.entries, fingerprint)
			expired = true
		case e.status == StatusPending:
			e.waiters++
			result = metrics.LookupShared
		}
	}
	if result == metrics.LookupMiss {
		c.entries[fingerprint] = &entry{status: StatusPending, waiters: 1}
	}
	c.mu.Unlock()
	if expired {
		c.expire(fingerprint)
	}
	c.lookup(result)

	leaderCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fingerprint, func() (any, error) {
		return c.resolve(leaderCtx, fingerprint, resolve)
	})

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*exec.Context), nil
	case <-expired:
		c.leave(fingerprint)
		c.logger.Warn("gave up waiting for runtime env", "fingerprint", fingerprint, "timeout", timeout.String())
		c.record(journal.NewEvent(journal.EventWaitTimedOut, "caller stopped waiting").
			ForEnv(fingerprint).
			WithData("timeout", timeout.String()))
		return nil, errors.NewWaitTimeoutError(fingerprint, timeout)
	case <-ctx.Done():
		c.leave(fingerprint)
		return nil, ctx.Err()
	}
}

// resolve runs inside the single-flight group. It re-reads the entry because a
// caller that observed Pending may join after the previous flight finished.
func (c *Cache) resolve(ctx context.Context, fingerprint string, resolve ResolveFunc) (*exec.Context, error) {
	c.mu.Lock()
	e, ok := c.entries[fingerprint]
	if ok {
		switch {
		case e.status == StatusReady:
			c.mu.Unlock()
			return e.ctx, nil
		case e.status == StatusFailed && !e.expired(c.now()):
			c.mu.Unlock()
			return nil, e.err
		}
	}
	if !ok || e.status != StatusPending {
		e = &entry{status: StatusPending}
		c.entries[fingerprint] = e
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.InFlight.Inc()
		defer c.metrics.InFlight.Dec()
	}
	c.logger.Info("resolving runtime env", "fingerprint", fingerprint)
	c.record(journal.NewEvent(journal.EventSetupStarted, "setup started").ForEnv(fingerprint))
	start := time.Now()

	handle, err := resolve(ctx)

	c.mu.Lock()
	switch {
	case err == nil:
		e.status = StatusReady
		e.ctx = handle
		e.createdAt = c.now()
	case errors.IsValidation(err):
		// Rejected input says nothing about the environment itself.
		delete(c.entries, fingerprint)
	default:
		e.status = StatusFailed
		e.err = err
		e.cachedAt = c.now()
		e.ttl = c.ttl
	}
	e.waiters = 0
	c.mu.Unlock()

	c.observe(fingerprint, time.Since(start), err)
	return handle, err
}

// leave detaches a caller that stopped waiting.
func (c *Cache) leave(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fingerprint]; ok && e.status == StatusPending && e.waiters > 0 {
		e.waiters--
	}
}

// State returns the current state of fingerprint. Expired failures are
// dropped and reported as absent.
func (c *Cache) State(fingerprint string) (State, bool) {
	c.mu.Lock()
	e, ok := c.entries[fingerprint]
	if !ok {
		c.mu.Unlock()
		return State{}, false
	}
	if e.expired(c.now()) {
		delete(c.entries, fingerprint)
		c.mu.Unlock()
		c.expire(fingerprint)
		return State{}, false
	}
	state := e.state(fingerprint)
	c.mu.Unlock()
	return state, true
}

// Snapshot returns every live entry sorted by fingerprint.
func (c *Cache) Snapshot() []State {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	states := make([]State, 0, len(c.entries))
	for fp, e := range c.entries {
		if e.expired(now) {
			continue
		}
		states = append(states, e.state(fp))
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Fingerprint < states[j].Fingerprint })
	return states
}

// Invalidate drops a ready or failed entry. Pending entries are left alone.
func (c *Cache) Invalidate(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok || e.status == StatusPending {
		return false
	}
	delete(c.entries, fingerprint)
	if c.metrics != nil {
		c.metrics.CacheInvalidations.Inc()
	}
	c.logger.Info("invalidated runtime env", "fingerprint", fingerprint, "status", string(e.status))
	return true
}

// Sweep removes expired failures and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	now := c.now()
	var removed []string
	for fp, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, fp)
			removed = append(removed, fp)
		}
	}
	c.mu.Unlock()

	for _, fp := range removed {
		c.expire(fp)
	}
	return len(removed)
}

// Run sweeps expired failures every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept expired failures", "count", n)
			}
		}
	}
}

func (e *entry) state(fingerprint string) State {
	return State{
		Fingerprint: fingerprint,
		Status:      e.status,
		Waiters:     e.waiters,
		Context:     e.ctx,
		CreatedAt:   e.createdAt,
		Err:         e.err,
		CachedAt:    e.cachedAt,
		TTL:         e.ttl,
	}
}

// expire reports a dropped failure. It writes to the journal, so c.mu must
// not be held.
func (c *Cache) expire(fingerprint string) {
	if c.metrics != nil {
		c.metrics.CacheExpirations.Inc()
	}
	c.logger.Debug("cached failure expired", "fingerprint", fingerprint)
	c.record(journal.NewEvent(journal.EventFailureExpired, "cached failure expired").ForEnv(fingerprint))
}

func (c *Cache) record(event *journal.Event) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Record(event); err != nil {
		c.logger.WithError(err).Warn("failed to record event", "type", string(event.Type))
	}
}

func (c *Cache) lookup(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (c *Cache) observe(fingerprint string, d time.Duration, err error) {
	outcome := "ready"
	if err != nil {
		outcome = "failed"
		c.logger.WithError(err).Warn("runtime env resolution failed", "fingerprint", fingerprint, "duration", d.String())
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues(string(errors.CodeOf(err)), "resolution").Inc()
		}
		c.record(journal.NewEvent(journal.EventSetupFailed, "setup failed").
			ForEnv(fingerprint).
			WithDuration(d).
			WithData("cached", !errors.IsValidation(err)).
			WithError(err))
	} else {
		c.logger.Info("runtime env resolved", "fingerprint", fingerprint, "duration", d.String())
		c.record(journal.NewEvent(journal.EventSetupSucceeded, "setup succeeded").
			ForEnv(fingerprint).
			WithDuration(d))
	}
	if c.metrics != nil {
		c.metrics.Resolutions.WithLabelValues(outcome).Inc()
		c.metrics.ResolutionDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}
