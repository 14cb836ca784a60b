package icon

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmgilman/go/mapcache/internal/cache"
	"github.com/jmgilman/go/mapcache/internal/fetch"
	"github.com/jmgilman/go/mapcache/internal/logging"
	"github.com/jmgilman/go/mapcache/internal/memory"
)

const (
	// DurableTTL is how long a durable icon stays valid.
	DurableTTL = 7 * 24 * time.Hour

	// SessionTTL is how long a session icon stays valid.
	SessionTTL = 24 * time.Hour

	// SessionMaxEntries bounds the session icon table.
	SessionMaxEntries = 100

	// DefaultMemoryCapacity bounds the memory tier of an icon cache.
	DefaultMemoryCapacity = 200

	batchConcurrency = 8
)

// Config configures an icon Cache.
type Config struct {
	// Name labels logs and metrics.
	Name string
	// TTL is the age after which an entry is treated as absent.
	TTL time.Duration
	// MemoryCapacity bounds the memory tier.
	MemoryCapacity int
}

// Stats summarises an icon cache. It mirrors the session table's view:
// memory entries, stored entries and the bytes they hold.
type Stats struct {
	MemoryEntries int   `json:"memoryCacheSize"`
	TotalCached   int   `json:"totalCached"`
	MemoryUsage   int64 `json:"memoryUsage"`
}

// Cache holds small images in a memory tier over a Backend. Entries older
// than the configured TTL are invisible to readers and removed by Cleanup.
type Cache struct {
	name    string
	ttl     time.Duration
	backend Backend
	fetcher fetch.Fetcher
	logger  *logging.Logger
	metrics *cache.Metrics
	now     func() time.Time

	mem    *memory.Cache
	mu     sync.Mutex
	stamps map[string]time.Time

	closed atomic.Bool
}

// New creates an icon cache over backend.
func New(cfg Config, backend Backend, f fetch.Fetcher, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Name == "" {
		cfg.Name = "icons-" + backend.Name()
	}
	if cfg.MemoryCapacity <= 0 {
		cfg.MemoryCapacity = DefaultMemoryCapacity
	}

	c := &Cache{
		name:    cfg.Name,
		ttl:     cfg.TTL,
		backend: backend,
		fetcher: f,
		logger:  logger.WithComponent(cfg.Name),
		metrics: cache.NewMetrics(),
		now:     time.Now,
		mem:     memory.New(cfg.MemoryCapacity),
		stamps:  make(map[string]time.Time),
	}
	c.mem.OnEvict(func(key string, _ int) {
		c.mu.Lock()
		delete(c.stamps, key)
		c.mu.Unlock()
	})
	return c
}

// NewDurable creates the long-lived icon cache.
func NewDurable(backend *DurableBackend, f fetch.Fetcher, logger *logging.Logger) *Cache {
	return New(Config{Name: "icons", TTL: DurableTTL}, backend, f, logger)
}

// NewSession creates the session icon cache and loads every unexpired
// entry from the session table into memory.
func NewSession(ctx context.Context, backend *SessionBackend, f fetch.Fetcher, logger *logging.Logger) *Cache {
	c := New(Config{Name: "session-icons", TTL: SessionTTL, MemoryCapacity: SessionMaxEntries}, backend, f, logger)
	c.warm(ctx)
	return c
}

func (c *Cache) warm(ctx context.Context) {
	entries, err := c.backend.Entries(ctx)
	if err != nil {
		c.logger.Warn(ctx, "failed to load icon table", "error", err)
		return
	}
	for _, e := range entries {
		if c.expired(e.Timestamp) {
			continue
		}
		full, ok, err := c.backend.Load(ctx, e.URL)
		if err != nil || !ok {
			continue
		}
		c.remember(full.URL, full.Data, full.Timestamp)
	}
}

// Name implements cache.Source.
func (c *Cache) Name() string { return c.name }

// Metrics implements cache.Source.
func (c *Cache) Metrics() *cache.Metrics { return c.metrics }

func (c *Cache) expired(ts time.Time) bool {
	return c.ttl > 0 && c.now().Sub(ts) > c.ttl
}

func (c *Cache) remember(url string, data []byte, ts time.Time) {
	c.mem.Set(url, data)
	c.mu.Lock()
	c.stamps[url] = ts
	c.mu.Unlock()
}

func (c *Cache) forget(url string) {
	c.mem.Delete(url)
	c.mu.Lock()
	delete(c.stamps, url)
	c.mu.Unlock()
}

// Get returns the cached bytes for url. Expired and missing entries both
// report false; backend failures are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, url string) ([]byte, bool) {
	if c.closed.Load() {
		return nil, false
	}

	if data, ok := c.mem.Get(url); ok {
		c.mu.Lock()
		ts, known := c.stamps[url]
		c.mu.Unlock()
		if known && !c.expired(ts) {
			c.metrics.RecordHit(logging.TierMemory, int64(len(data)))
			return data, true
		}
		c.forget(url)
	}

	e, ok, err := c.backend.Load(ctx, url)
	if err != nil {
		c.metrics.RecordError()
		c.logger.Warn(ctx, "failed to load icon", "url", url, "error", err)
		return nil, false
	}
	if !ok || c.expired(e.Timestamp) {
		return nil, false
	}

	c.remember(url, e.Data, e.Timestamp)
	c.metrics.RecordHit(logging.TierDurable, int64(len(e.Data)))
	logging.LogHit(ctx, c.logger, url, logging.TierDurable, len(e.Data))
	return e.Data, true
}

// GetMany looks up every url in parallel and returns the hits.
func (c *Cache) GetMany(ctx context.Context, urls []string) map[string][]byte {
	var mu sync.Mutex
	out := make(map[string][]byte, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, u := range urls {
		g.Go(func() error {
			if data, ok := c.Get(gctx, u); ok {
				mu.Lock()
				out[u] = data
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Put stores data under url, stamped with the current time.
func (c *Cache) Put(ctx context.Context, url string, data []byte) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}

	now := c.now()
	e := Entry{URL: url, Data: data, Type: cache.AssetType(url), Timestamp: now, Size: int64(len(data))}
	if err := c.backend.Save(ctx, e); err != nil {
		c.metrics.RecordError()
		return fmt.Errorf("failed to store icon %q: %w", url, err)
	}
	c.remember(url, data, now)
	return nil
}

// Preload fetches url and stores it unless a valid copy is already cached.
func (c *Cache) Preload(ctx context.Context, url string) error {
	if _, ok := c.Get(ctx, url); ok {
		return nil
	}
	if c.fetcher == nil {
		return fmt.Errorf("icon cache %s has no fetcher", c.name)
	}

	c.metrics.RecordPreload(true, nil)
	start := time.Now()
	data, err := c.fetcher.Fetch(ctx, url)
	logging.LogMiss(ctx, c.logger, url, time.Since(start), err)
	if err != nil {
		c.metrics.RecordPreload(false, err)
		return err
	}
	c.metrics.RecordMiss(int64(len(data)))
	if err := c.Put(ctx, url, data); err != nil {
		c.metrics.RecordPreload(false, err)
		return err
	}
	c.metrics.RecordPreload(false, nil)
	return nil
}

// DataURL returns url's cached bytes as a base64 data URL.
func (c *Cache) DataURL(ctx context.Context, url string) (string, bool) {
	data, ok := c.Get(ctx, url)
	if !ok {
		return "", false
	}
	return "data:" + cache.AssetType(url) + ";base64," + base64.StdEncoding.EncodeToString(data), true
}

// Cleanup removes expired entries from both tiers and returns how many
// stored entries were dropped.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	start := time.Now()

	c.mu.Lock()
	var stale []string
	for u, ts := range c.stamps {
		if c.expired(ts) {
			stale = append(stale, u)
		}
	}
	c.mu.Unlock()
	for _, u := range stale {
		c.forget(u)
	}

	entries, err := c.backend.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list icons: %w", err)
	}

	var removed int
	var freed int64
	for _, e := range entries {
		if !c.expired(e.Timestamp) {
			continue
		}
		if err := c.backend.Delete(ctx, e.URL); err != nil {
			c.logger.Warn(ctx, "failed to remove expired icon", "url", e.URL, "error", err)
			continue
		}
		removed++
		freed += e.Size
		c.metrics.RecordEviction(e.Size)
		logging.LogEviction(ctx, c.logger, e.URL, e.Size, "expired")
	}

	logging.LogCleanup(ctx, c.logger, "expiry", removed, freed, time.Since(start))
	return removed, nil
}

// Usage reports memory entries, stored entries and stored bytes.
func (c *Cache) Usage(ctx context.Context) (Stats, error) {
	entries, err := c.backend.Entries(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{MemoryEntries: c.mem.Len(), TotalCached: len(entries)}
	for _, e := range entries {
		st.MemoryUsage += e.Size
	}
	return st, nil
}

// Stats implements cache.Source.
func (c *Cache) Stats(ctx context.Context) (cache.Stats, error) {
	if c.closed.Load() {
		return cache.Stats{}, cache.ErrClosed
	}
	u, err := c.Usage(ctx)
	if err != nil {
		return cache.Stats{}, err
	}
	return cache.Stats{MemoryEntries: u.MemoryEntries, DiskEntries: u.TotalCached, TotalBytes: u.MemoryUsage}, nil
}

// Clear empties both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	c.mem.Clear()
	c.mu.Lock()
	c.stamps = make(map[string]time.Time)
	c.mu.Unlock()
	if err := c.backend.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear %s: %w", c.name, err)
	}
	return nil
}

// Close stops serving reads and writes.
func (c *Cache) Close() {
	c.closed.Store(true)
}
