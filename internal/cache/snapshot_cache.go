// Package cache provides the TTL+LRU snapshot cache with single-flight
// fetch coalescing.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	errbuilder "github.com/ZanzyTHEbar/errbuilder-go"
	"golang.org/x/sync/singleflight"

	weatherflow "github.com/windcrest/weatherflow"
	"github.com/windcrest/weatherflow/internal/eventbus"
	"github.com/windcrest/weatherflow/internal/metrics"
)

// Clock abstracts time for TTL checks so tests can advance it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type entry struct {
	key      string
	snapshot *weatherflow.WeatherSnapshot
}

// SnapshotCache stores weather snapshots keyed by (adcode, kind) with
// per-kind TTLs, LRU eviction and single-flight fetch coalescing.
type SnapshotCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used

	group singleflight.Group

	clock    Clock
	logger   *slog.Logger
	eventBus eventbus.EventBus

	maxEntries  int
	liveTTL     time.Duration
	forecastTTL time.Duration

	hits      uint64
	misses    uint64
	evictions uint64
}

// SnapshotCacheOption configures a SnapshotCache.
type SnapshotCacheOption func(*SnapshotCache)

// WithClock substitutes the time source, used by tests.
func WithClock(clock Clock) SnapshotCacheOption {
	return func(c *SnapshotCache) {
		c.clock = clock
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) SnapshotCacheOption {
	return func(c *SnapshotCache) {
		c.logger = logger
	}
}

// WithEventBus publishes cache hit/miss/eviction events to the bus.
func WithEventBus(bus eventbus.EventBus) SnapshotCacheOption {
	return func(c *SnapshotCache) {
		c.eventBus = bus
	}
}

// NewSnapshotCache creates a cache holding at most maxEntries snapshots.
func NewSnapshotCache(maxEntries int, liveTTL, forecastTTL time.Duration, options ...SnapshotCacheOption) *SnapshotCache {
	c := &SnapshotCache{
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		clock:       systemClock{},
		logger:      slog.Default(),
		maxEntries:  maxEntries,
		liveTTL:     liveTTL,
		forecastTTL: forecastTTL,
	}
	if c.maxEntries <= 0 {
		c.maxEntries = 1000
	}

	for _, option := range options {
		option(c)
	}

	return c
}

var _ weatherflow.SnapshotCache = (*SnapshotCache)(nil)

func cacheKey(adcode string, kind weatherflow.QueryKind) string {
	return adcode + "/" + string(kind)
}

func (c *SnapshotCache) ttlFor(kind weatherflow.QueryKind) time.Duration {
	if kind == weatherflow.KindForecast {
		return c.forecastTTL
	}
	return c.liveTTL
}

// GetOrFetch returns a fresh cached snapshot or fetches one. Concurrent
// callers for the same key share a single fetch. A caller whose context
// expires while waiting gets a timeout error, but the fetch itself keeps
// running and still populates the cache for later callers.
func (c *SnapshotCache) GetOrFetch(ctx context.Context, adcode string, kind weatherflow.QueryKind, fetch weatherflow.FetchFunc) (*weatherflow.WeatherSnapshot, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, weatherflow.NewValidationError("cache", "unknown query kind '"+string(kind)+"'", nil)
	}

	key := cacheKey(adcode, kind)

	if snapshot, ok := c.lookup(key); ok {
		return snapshot, nil
	}

	c.recordMiss(key)

	// The fetch runs on a context detached from this caller so a slow
	// waiter timing out cannot cancel it for everyone else.
	fetchCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// A fetch that finished while we queued may already have
		// populated the entry.
		if snapshot, ok := c.lookup(key); ok {
			return snapshot, nil
		}

		snapshot, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		if snapshot == nil {
			return nil, weatherflow.NewInternalError("cache", "fetch returned nil snapshot", nil)
		}

		now := c.clock.Now()
		snapshot.FetchedAt = now
		snapshot.ExpiresAt = now.Add(c.ttlFor(kind))

		c.store(key, snapshot)
		return snapshot, nil
	})

	select {
	case <-ctx.Done():
		return nil, weatherflow.NewTimeoutError("cache", ctx.Err())
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*weatherflow.WeatherSnapshot), nil
	}
}

// lookup returns the snapshot for key when present and fresh, bumping
// its LRU position.
func (c *SnapshotCache) lookup(key string) (*weatherflow.WeatherSnapshot, bool) {
	c.mu.Lock()
	elem, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}

	snapshot := elem.Value.(*entry).snapshot
	if snapshot.Expired(c.clock.Now()) {
		// Lazy expiry; the slot is reclaimed by the replacing store.
		c.mu.Unlock()
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	c.mu.Unlock()

	metrics.CacheHitsTotal.Inc()
	c.publish(eventbus.EventCacheHit, key)
	return snapshot, true
}

func (c *SnapshotCache) recordMiss(key string) {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.CacheMissesTotal.Inc()
	c.publish(eventbus.EventCacheMiss, key)
}

// store inserts or replaces the entry for key and evicts the least
// recently used entry when over capacity.
func (c *SnapshotCache) store(key string, snapshot *weatherflow.WeatherSnapshot) {
	c.mu.Lock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*entry).snapshot = snapshot
		c.order.MoveToFront(elem)
		c.mu.Unlock()
		return
	}

	c.entries[key] = c.order.PushFront(&entry{key: key, snapshot: snapshot})

	var evictedKey string
	if c.order.Len() > c.maxEntries {
		back := c.order.Back()
		evicted := back.Value.(*entry)
		c.order.Remove(back)
		delete(c.entries, evicted.key)
		c.evictions++
		evictedKey = evicted.key
	}
	c.mu.Unlock()

	if evictedKey != "" {
		metrics.CacheEvictionsTotal.Inc()
		c.publish(eventbus.EventCacheEviction, evictedKey)
		c.logger.Debug("evicted cache entry", "key", evictedKey)
	}
}

// Peek returns the cached snapshot for (adcode, kind) without fetching.
func (c *SnapshotCache) Peek(adcode string, kind weatherflow.QueryKind) (*weatherflow.WeatherSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[cacheKey(adcode, kind)]
	if !ok {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache entry not found", nil))
	}
	snapshot := elem.Value.(*entry).snapshot
	if snapshot.Expired(c.clock.Now()) {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache entry expired", nil))
	}
	return snapshot, nil
}

// Stats reports the cache counters.
func (c *SnapshotCache) Stats() weatherflow.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return weatherflow.CacheStats{
		Entries:   c.order.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *SnapshotCache) publish(eventType eventbus.EventType, key string) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Publish(context.Background(), eventbus.NewEvent(
		eventType,
		key,
		"SnapshotCache",
		nil,
	))
}
