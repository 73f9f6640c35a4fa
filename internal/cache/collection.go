// Package cache is the time-bounded cache of bulk-read collections.
//
// Each Collection coalesces concurrent loads into a single backend request
// and refuses to store results that arrive after an invalidation.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/pilonas/console/internal/errors"
	"github.com/pilonas/console/internal/telemetry"
)

// Fetcher loads a whole collection.
type Fetcher[T any] func(ctx context.Context) ([]T, error)

// Phase is the load state of a collection.
type Phase int

const (
	// PhaseIdle means nothing is cached and nothing is loading.
	PhaseIdle Phase = iota
	// PhaseLoading means a fetch is in flight.
	PhaseLoading
	// PhaseReady means data is cached and nothing is loading.
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Stats counts collection activity since creation.
type Stats struct {
	Hits      int64
	Misses    int64
	Coalesced int64
	Fetches   int64
	Failures  int64
	// Dropped counts successful fetches discarded because the collection
	// was invalidated while they were in flight.
	Dropped int64
}

// Options configures a Collection.
type Options struct {
	// TTL is how long loaded data is served without refetching. Zero
	// disables caching; every Get fetches (still coalesced).
	TTL time.Duration

	// Roles restricts initial population to these roles. Empty means all.
	Roles []string

	// Context bounds every fetch. Default: context.Background().
	Context context.Context

	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// call is one in-flight fetch. Every waiter receives the same result.
type call[T any] struct {
	done chan struct{}
	data []T
	err  error
	gen  uint64
}

// Collection caches one named collection.
type Collection[T any] struct {
	name    string
	fetch   Fetcher[T]
	ttl     time.Duration
	roles   []string
	base    context.Context
	now     func() time.Time
	log     zerolog.Logger
	metrics *telemetry.Metrics

	mu        sync.Mutex
	data      []T
	fetchedAt time.Time
	inflight  *call[T]
	gen       uint64
	stats     Stats
}

// NewCollection creates an idle collection.
func NewCollection[T any](name string, fetch Fetcher[T], opts Options) *Collection[T] {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collection[T]{
		name:    name,
		fetch:   fetch,
		ttl:     opts.TTL,
		roles:   opts.Roles,
		base:    opts.Context,
		now:     opts.Now,
		log:     opts.Logger.With().Str("component", "cache").Str("collection", name).Logger(),
		metrics: opts.Metrics,
	}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Get returns cached data while it is younger than the TTL, and otherwise
// loads it. Concurrent callers share one fetch.
//
// The returned slice is shared with the cache and other callers; treat it
// as read-only.
func (c *Collection[T]) Get(ctx context.Context) ([]T, error) {
	c.mu.Lock()
	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		data := c.data
		c.stats.Hits++
		c.mu.Unlock()
		c.metrics.CacheRequest(c.name, telemetry.ResultHit)
		return data, nil
	}
	cl := c.joinLocked()
	c.mu.Unlock()
	return c.wait(ctx, cl)
}

// Load fetches regardless of the TTL. It joins a fetch already in flight
// rather than starting a second one.
func (c *Collection[T]) Load(ctx context.Context) ([]T, error) {
	c.mu.Lock()
	cl := c.joinLocked()
	c.mu.Unlock()
	return c.wait(ctx, cl)
}

// Refresh discards cached data and any in-flight result, then loads.
func (c *Collection[T]) Refresh(ctx context.Context) ([]T, error) {
	c.Invalidate()
	return c.Load(ctx)
}

// Invalidate clears cached data. A fetch already in flight still completes
// for its own waiters, but its result is not stored, and the next Get or
// Load starts a new fetch.
func (c *Collection[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.data = nil
	c.fetchedAt = time.Time{}
	c.inflight = nil
	c.log.Debug().Uint64("gen", c.gen).Msg("invalidated")
}

// Peek returns the cached data and its fetch time without loading. ok is
// false when nothing is cached.
func (c *Collection[T]) Peek() (data []T, fetchedAt time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, c.fetchedAt, !c.fetchedAt.IsZero()
}

// Phase reports whether the collection is idle, loading or ready.
func (c *Collection[T]) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.inflight != nil:
		return PhaseLoading
	case !c.fetchedAt.IsZero():
		return PhaseReady
	default:
		return PhaseIdle
	}
}

// Stats returns a copy of the counters.
func (c *Collection[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Collection[T]) allowed(role string) bool {
	if len(c.roles) == 0 {
		return true
	}
	for _, r := range c.roles {
		if r == role {
			return true
		}
	}
	return false
}

func (c *Collection[T]) load(ctx context.Context) error {
	_, err := c.Load(ctx)
	return err
}

func (c *Collection[T]) refresh(ctx context.Context) error {
	_, err := c.Refresh(ctx)
	return err
}

// joinLocked returns the in-flight call, starting one if there is none.
func (c *Collection[T]) joinLocked() *call[T] {
	if cl := c.inflight; cl != nil {
		c.stats.Coalesced++
		c.metrics.CacheRequest(c.name, telemetry.ResultCoalesced)
		return cl
	}

	c.stats.Misses++
	c.stats.Fetches++
	c.metrics.CacheRequest(c.name, telemetry.ResultMiss)

	cl := &call[T]{done: make(chan struct{}), gen: c.gen}
	c.inflight = cl
	go c.run(cl)
	return cl
}

// run performs the fetch for cl. The in-flight marker is cleared whatever
// the outcome, so a failed fetch never blocks later callers.
func (c *Collection[T]) run(cl *call[T]) {
	start := c.now()
	data, err := c.safeFetch()

	c.mu.Lock()
	if c.inflight == cl {
		c.inflight = nil
	}
	outcome := telemetry.OutcomeOK
	switch {
	case err != nil:
		c.stats.Failures++
		outcome = telemetry.OutcomeError
	case cl.gen != c.gen:
		c.stats.Dropped++
		outcome = telemetry.OutcomeDropped
	default:
		if data == nil {
			data = []T{}
		}
		c.data = data
		c.fetchedAt = c.now()
	}
	c.mu.Unlock()

	c.metrics.CacheFetch(c.name, outcome)
	switch outcome {
	case telemetry.OutcomeError:
		c.log.Warn().Err(err).Msg("fetch failed")
	case telemetry.OutcomeDropped:
		c.log.Debug().Msg("discarding result fetched before invalidation")
	default:
		c.log.Debug().Int("items", len(data)).Dur("took", c.now().Sub(start)).Msg("loaded")
	}

	cl.data, cl.err = data, err
	close(cl.done)
}

func (c *Collection[T]) safeFetch() (data []T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Internal(fmt.Sprintf("fetch %s panicked", c.name), fmt.Errorf("%v", r))
		}
	}()
	return c.fetch(c.base)
}

// wait blocks until cl completes or ctx is done. Giving up does not cancel
// the fetch; other waiters and the cache still get its result.
func (c *Collection[T]) wait(ctx context.Context, cl *call[T]) ([]T, error) {
	select {
	case <-cl.done:
		return cl.data, cl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
