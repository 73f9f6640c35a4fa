package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/pilonas/console/internal/errors"
	"github.com/pilonas/console/internal/identity"
)

// entry is the type-erased view of a Collection the registry needs.
type entry interface {
	Name() string
	Invalidate()
	Phase() Phase
	Stats() Stats
	allowed(role string) bool
	load(ctx context.Context) error
	refresh(ctx context.Context) error
}

// Cache is the registry of collections, addressed by name.
type Cache struct {
	initTimeout time.Duration
	log         zerolog.Logger

	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

// New creates an empty Cache. initTimeout bounds Initialize; zero means
// the reference 10s.
func New(initTimeout time.Duration, logger zerolog.Logger) *Cache {
	if initTimeout <= 0 {
		initTimeout = 10 * time.Second
	}
	return &Cache{
		initTimeout: initTimeout,
		log:         logger.With().Str("component", "cache").Logger(),
		entries:     make(map[string]entry),
	}
}

// Register adds col to c under its name, replacing any previous
// collection with that name, and returns col.
func Register[T any](c *Cache, col *Collection[T]) *Collection[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[col.Name()]; !exists {
		c.order = append(c.order, col.Name())
	}
	c.entries[col.Name()] = col
	return col
}

func (c *Cache) get(name string) (entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, apperrors.UnknownCollection(name)
	}
	return e, nil
}

func (c *Cache) all() []entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]entry, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.entries[name])
	}
	return out
}

// Names lists registered collections in registration order.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Invalidate clears one collection. Call it after any mutation that
// changes the collection on the backend.
func (c *Cache) Invalidate(name string) error {
	e, err := c.get(name)
	if err != nil {
		return err
	}
	e.Invalidate()
	return nil
}

// InvalidateAll clears every collection, e.g. on logout.
func (c *Cache) InvalidateAll() {
	for _, e := range c.all() {
		e.Invalidate()
	}
}

// Refresh invalidates and reloads one collection.
func (c *Cache) Refresh(ctx context.Context, name string) error {
	e, err := c.get(name)
	if err != nil {
		return err
	}
	return e.refresh(ctx)
}

// RefreshAll invalidates and reloads every collection concurrently.
func (c *Cache) RefreshAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range c.all() {
		e := e
		g.Go(func() error { return e.refresh(gctx) })
	}
	return g.Wait()
}

// Initialize loads every collection the identity's role may see, in
// parallel, within the init timeout. On expiry it returns fetch.timeout;
// the fetches keep running and populate the cache when they finish, and
// later Gets work normally.
func (c *Cache) Initialize(ctx context.Context, id *identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()

	var names []string
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range c.all() {
		if !e.allowed(id.Role) {
			continue
		}
		e := e
		names = append(names, e.Name())
		g.Go(func() error { return e.load(gctx) })
	}

	start := time.Now()
	err := g.Wait()
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = apperrors.FetchTimeout("initial cache population", err)
	}
	if err != nil {
		c.log.Warn().Err(err).Strs("collections", names).Msg("initial population incomplete")
		return err
	}
	c.log.Info().Strs("collections", names).Str("role", id.Role).Dur("took", time.Since(start)).Msg("cache populated")
	return nil
}

// Snapshot reports the phase and counters of every collection, keyed by
// name.
func (c *Cache) Snapshot() map[string]CollectionInfo {
	out := make(map[string]CollectionInfo)
	for _, e := range c.all() {
		out[e.Name()] = CollectionInfo{Phase: e.Phase(), Stats: e.Stats()}
	}
	return out
}

// CollectionInfo is one row of Snapshot.
type CollectionInfo struct {
	Phase Phase
	Stats Stats
}

// SortedNames returns the keys of a Snapshot in lexical order.
func SortedNames(snap map[string]CollectionInfo) []string {
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
