package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	weatherflow "github.com/windcrest/weatherflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func liveSnapshot(adcode string) *weatherflow.WeatherSnapshot {
	return &weatherflow.WeatherSnapshot{
		Adcode:   adcode,
		Kind:     weatherflow.KindLive,
		Province: "北京市",
		City:     "北京城区",
		Live: &weatherflow.LiveConditions{
			Condition:   "晴",
			Temperature: 25,
			Humidity:    40,
		},
	}
}

func TestGetOrFetch_SingleFlight(t *testing.T) {
	c := NewSnapshotCache(10, time.Minute, time.Hour)

	var fetches atomic.Int32
	fetch := func(ctx context.Context) (*weatherflow.WeatherSnapshot, error) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond)
		return liveSnapshot("110100"), nil
	}

	const callers = 20
	results := make([]*weatherflow.WeatherSnapshot, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), "110100", weatherflow.KindLive, fetch)
		}(i)
	}
	wg.Wait()

	if got := fetches.Load(); got != 1 {
		t.Errorf("expected exactly one fetch, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d got error: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("caller %d got a different snapshot instance", i)
		}
	}
}

func TestGetOrFetch_FreshHitSkipsFetch(t *testing.T) {
	clock := newFakeClock()
	c := NewSnapshotCache(10, 10*time.Minute, time.Hour, WithClock(clock))

	var fetches atomic.Int32
	fetch := func(ctx context.Context) (*weatherflow.WeatherSnapshot, error) {
		fetches.Add(1)
		return liveSnapshot("110100"), nil
	}

	first, err := c.GetOrFetch(context.Background(), "110100", weatherflow.KindLive, fetch)
	if err != nil {
		t.Fatalf("first GetOrFetch failed: %v", err)
	}

	clock.Advance(9 * time.Minute)

	second, err := c.GetOrFetch(context.Background(), "110100", weatherflow.KindLive, fetch)
	if err != nil {
		t.Fatalf("second GetOrFetch failed: %v", err)
	}

	if fetches.Load() != 1 {
		t.Errorf("expected one fetch for a fresh entry, got %d", fetches.Load())
	}
	if first != second {
		t.Error("expected the cached snapshot instance")
	}
}

func TestGetOrFetch_TTLExpiryRefetches(t *testing.T) {
	clock := newFakeClock()
	c := NewSnapshotCache(10, 10*time.Minute, time.Hour, WithClock(clock))

	var fetches atomic.Int32
	fetch := func(ctx context.Context) (*weatherflow.WeatherSnapshot, error) {
		fetches.Add(1)
		return liveSnapshot("110100"), nil
	}

	if _, err := c.GetOrFetch(context.Background(), "110100", weatherflow.KindLive, fetch); err != nil {
		t.Fatalf("first GetOrFetch failed: %v", err)
	}

	clock.Advance(10*time.Minute + time.Second)

	if _, err := c.GetOrFetch(context.Background(), "110100", weatherflow.KindLive, fetch); err != nil {
		t.Fatalf("second GetOrFetch failed: %v", err)
	}

	if fetches.Load() != 2 {
		t.Errorf("expected a refetch after TTL expiry, got %d fetches", fetches.Load())
	}
}

func TestGetOrFetch_KindsCachedSeparately(t *testing.T) {
	clock := newFakeClock()
	c := NewSnapshotCache(10, 10*time.Minute, time.Hour, WithClock(clock))

	var fetches atomic.Int32
	fetchFor := func(kind weatherflow.QueryKind) weatherflow.FetchFunc {
		return func(ctx context.Context) (*weatherflow.WeatherSnapshot, error) {
			fetches.Add(1)
			snap := liveSnapshot("110100")
			snap.Kind = kind
			return snap, nil
		}
	}

	if _, err := c.GetOrFetch(context.Background(), "110100", weatherflow.KindLive, fetchFor(weatherflow.KindLive)); err != nil {
		t.Fatalf("live GetOrFetch failed: %v", err)
	}
	if _, err := c.GetOrFetch(context.Background(), "110100", weatherflow.KindForecast, fetchFor(weatherflow.KindForecast)); err != nil {
		t.Fatalf("forecast GetOrFetch failed: %v", err)
	}

	if fetches.Load() != 2 {
		t.Errorf("expected separate fetches per kind, got %d", fetches.Load())
	}

	// The forecast TTL outlives the live TTL.
	clock.Advance(30 * time.Minute)
	if _, err := c.Peek("110100", weatherflow.KindLive); err == nil {
		t.Error("expected live entry to be expired")
	}
	if _, err := c.Peek("110100", weatherflow.KindForecast); err != nil {
		t.Errorf("expected forecast entry to still be fresh: %v", err)
	}
}

func TestGetOrFetch_WaiterTimeoutDoesNotCancelFetch(t *testing.T) {
	c := NewSnapshotCache(10, time.Minute, time.Hour)

	fetchDone := make(chan struct{})
	fetch := func(ctx context.Context) (*weatherflow.WeatherSnapshot, error) {
		defer close(fetchDone)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
		return liveSnapshot("110100"), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.GetOrFetch(ctx, "110100", weatherflow.KindLive, fetch)
	if weatherflow.ErrCode(err) != weatherflow.ErrCodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}

	select {
	case <-fetchDone:
	case <-time.After(time.Second):
		t.Fatal("fetch never finished")
	}

	// The abandoned fetch still populated the cache.
	if _, err := c.Peek("110100", weatherflow.KindLive); err != nil {
		t.Errorf("expected populated entry after waiter timeout: %v", err)
	}
}

func TestGetOrFetch_ErrorsAreNotCached(t *testing.T) {
	c := NewSnapshotCache(10, time.Minute, time.Hour)

	var fetches atomic.Int32
	fetchErr := errors.New("upstream down")
	fetch := func(ctx context.Context) (*weatherflow.WeatherSnapshot, error) {
		if fetches.Add(1) == 1 {
			return nil, fetchErr
		}
		return liveSnapshot("110100"), nil
	}

	if _, err := c.GetOrFetch(context.Background(), "110100", weatherflow.KindLive, fetch); !errors.Is(err, fetchErr) {
		t.Fatalf("expected fetch error, got %v", err)
	}

	snap, err := c.GetOrFetch(context.Background(), "110100", weatherflow.KindLive, fetch)
	if err != nil {
		t.Fatalf("retry after error failed: %v", err)
	}
	if snap == nil || fetches.Load() != 2 {
		t.Errorf("expected a second fetch after the failed one, got %d", fetches.Load())
	}
}

func TestLRUEviction(t *testing.T) {
	c := NewSnapshotCache(2, time.Minute, time.Hour)

	fetchFor := func(adcode string) weatherflow.FetchFunc {
		return func(ctx context.Context) (*weatherflow.WeatherSnapshot, error) {
			return liveSnapshot(adcode), nil
		}
	}

	for _, adcode := range []string{"110100", "310100", "440100"} {
		if _, err := c.GetOrFetch(context.Background(), adcode, weatherflow.KindLive, fetchFor(adcode)); err != nil {
			t.Fatalf("GetOrFetch(%s) failed: %v", adcode, err)
		}
	}

	stats := c.Stats()
	if stats.Entries != 2 {
		t.Errorf("expected 2 resident entries, got %d", stats.Entries)
	}
	if stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}

	// The oldest entry went first.
	if _, err := c.Peek("110100", weatherflow.KindLive); err == nil {
		t.Error("expected the least recently used entry to be evicted")
	}
	if _, err := c.Peek("440100", weatherflow.KindLive); err != nil {
		t.Errorf("expected the newest entry to survive: %v", err)
	}
}

func TestStatsCounters(t *testing.T) {
	clock := newFakeClock()
	c := NewSnapshotCache(10, 10*time.Minute, time.Hour, WithClock(clock))

	fetch := func(ctx context.Context) (*weatherflow.WeatherSnapshot, error) {
		return liveSnapshot("110100"), nil
	}

	c.GetOrFetch(context.Background(), "110100", weatherflow.KindLive, fetch) // miss
	c.GetOrFetch(context.Background(), "110100", weatherflow.KindLive, fetch) // hit
	c.GetOrFetch(context.Background(), "110100", weatherflow.KindLive, fetch) // hit

	stats := c.Stats()
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.Hits != 2 {
		t.Errorf("expected 2 hits, got %d", stats.Hits)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
}
