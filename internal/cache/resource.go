package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmgilman/go/mapcache/internal/fetch"
	"github.com/jmgilman/go/mapcache/internal/logging"
	"github.com/jmgilman/go/mapcache/internal/memory"
	"github.com/jmgilman/go/mapcache/internal/store"
)

// Stats summarises the size of a two-tier cache.
type Stats struct {
	MemoryEntries int   `json:"memoryCacheSize"`
	DiskEntries   int   `json:"diskCacheSize"`
	TotalBytes    int64 `json:"totalSize"`
}

// ResourceConfig holds the bounds of a two-tier cache.
type ResourceConfig struct {
	// Name labels logs and metrics ("tiles", "assets").
	Name string
	// MemoryCapacity bounds the memory tier.
	MemoryCapacity int
	// DiskCapacity bounds the durable tier.
	DiskCapacity int
}

// Resource is the two-tier read path shared by the tile and asset caches:
// memory, then the durable store, then the origin. Network results are
// written to the durable store before they enter memory.
type Resource struct {
	name    string
	mem     *memory.Cache
	store   *store.Store
	fetcher fetch.Fetcher
	policy  *CapacityEviction
	logger  *logging.Logger
	metrics *Metrics
	typeOf  func(url string) string
	now     func() time.Time

	flights singleflight.Group
	pins    pinSet
	evictMu sync.Mutex

	onFetched func(url string)

	bg     sync.WaitGroup
	closed atomic.Bool
}

// NewResource wires a two-tier cache over st and f.
func NewResource(cfg ResourceConfig, st *store.Store, f fetch.Fetcher, logger *logging.Logger) *Resource {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Resource{
		name:    cfg.Name,
		mem:     memory.New(cfg.MemoryCapacity),
		store:   st,
		fetcher: f,
		policy:  NewCapacityEviction(cfg.DiskCapacity),
		logger:  logger.WithComponent(cfg.Name),
		metrics: NewMetrics(),
		typeOf:  AssetType,
		now:     time.Now,
		pins:    pinSet{keys: make(map[string]int)},
	}
}

// Name returns the cache label.
func (r *Resource) Name() string { return r.name }

// Metrics returns the operation counters.
func (r *Resource) Metrics() *Metrics { return r.metrics }

// Store returns the durable tier.
func (r *Resource) Store() *store.Store { return r.store }

// Memory returns the memory tier.
func (r *Resource) Memory() *memory.Cache { return r.mem }

// Get returns the bytes for url. The returned slice is shared with the
// cache and must not be modified.
func (r *Resource) Get(ctx context.Context, url string) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	defer func() { r.metrics.RecordLatency(time.Since(start)) }()

	r.pins.pin(url)
	defer r.pins.unpin(url)

	if data, ok := r.mem.Get(url); ok {
		r.metrics.RecordHit(logging.TierMemory, int64(len(data)))
		logging.LogHit(ctx, r.logger, url, logging.TierMemory, len(data))
		r.touchAsync(ctx, url)
		return data, nil
	}

	data, ok, err := r.store.Get(ctx, url)
	if err != nil {
		r.metrics.RecordError()
		r.logger.Warn(ctx, "durable read failed, treating as miss", "url", url, "error", err)
	}
	if ok {
		r.mem.Set(url, data)
		r.touch(ctx, url)
		r.metrics.RecordHit(logging.TierDurable, int64(len(data)))
		logging.LogHit(ctx, r.logger, url, logging.TierDurable, len(data))
		return data, nil
	}

	f, err := r.join(ctx, url)
	if err != nil {
		if f == nil || f.claimed.CompareAndSwap(false, true) {
			r.metrics.RecordError()
		}
		return nil, err
	}
	// one foreground caller per fetch populates memory and runs the hook,
	// including when the fetch was started by the preloader
	if f.fetched && f.claimed.CompareAndSwap(false, true) {
		r.mem.Set(url, f.data)
		r.metrics.RecordMiss(int64(len(f.data)))
		if hook := r.onFetched; hook != nil {
			hook(url)
		}
	}
	return f.data, nil
}

// flight is the shared result of one origin fetch.
type flight struct {
	data []byte
	// fetched is false when the bytes were already in memory.
	fetched bool
	claimed atomic.Bool
}

// join waits for the fetch of url, starting one if none is running. The
// fetch itself ignores the caller's cancellation so that other waiters
// are unaffected; the caller stops waiting when its own ctx is done.
func (r *Resource) join(ctx context.Context, url string) (*flight, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.flights.DoChan(url, func() (interface{}, error) {
		return r.fill(detached, url)
	})

	select {
	case res := <-ch:
		return res.Val.(*flight), res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fill fetches url from the origin and writes it to the durable tier.
func (r *Resource) fill(ctx context.Context, url string) (*flight, error) {
	// a flight that finished just before this one started
	if data, ok := r.mem.Get(url); ok {
		return &flight{data: data}, nil
	}

	start := time.Now()
	data, err := r.fetcher.Fetch(ctx, url)
	logging.LogMiss(ctx, r.logger, url, time.Since(start), err)
	if err != nil {
		return &flight{}, err
	}

	r.persist(ctx, url, data)
	return &flight{data: data, fetched: true}, nil
}

// persist writes blob, then metadata, then runs the eviction pass.
// Storage failures are logged and otherwise ignored.
func (r *Resource) persist(ctx context.Context, url string, data []byte) {
	if err := r.store.Put(ctx, url, data); err != nil {
		r.metrics.RecordError()
		r.logger.Warn(ctx, "failed to write durable entry", "url", url, "error", err)
		return
	}

	meta := store.NewMetadata(url, int64(len(data)), r.typeOf(url), r.now())
	if err := r.store.PutMetadata(ctx, meta); err != nil {
		r.logger.Debug(ctx, "failed to write metadata", "url", url, "error", err)
	}

	if _, _, err := r.Cleanup(ctx); err != nil {
		r.logger.Warn(ctx, "eviction pass failed", "error", err)
	}
}

func (r *Resource) touch(ctx context.Context, url string) {
	if _, err := r.store.Touch(ctx, url, r.now()); err != nil {
		r.logger.Debug(ctx, "failed to update access stats", "url", url, "error", err)
	}
}

// touchAsync bumps access stats without holding up a memory hit.
func (r *Resource) touchAsync(ctx context.Context, url string) {
	ctx = context.WithoutCancel(ctx)
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		r.touch(ctx, url)
	}()
}

// Cleanup runs the capacity eviction pass and reports what it removed.
// It returns immediately when the store is within capacity.
func (r *Resource) Cleanup(ctx context.Context) (int, int64, error) {
	r.evictMu.Lock()
	defer r.evictMu.Unlock()

	if r.store.Count(ctx) <= r.policy.Capacity() {
		return 0, 0, nil
	}

	start := time.Now()
	rows, err := r.store.ScanMetadata(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan metadata: %w", err)
	}

	removed, freed := r.evict(ctx, r.policy.SelectForEviction(rows, r.pins.pinned), "capacity")
	logging.LogCleanup(ctx, r.logger, "capacity", removed, freed, time.Since(start))
	return removed, freed, nil
}

// Evict removes the given rows from both tiers, recording each removal.
// Rows chosen by a caller-side policy go through here so they are counted
// and logged like capacity evictions.
func (r *Resource) Evict(ctx context.Context, victims []store.Metadata, reason string) (int, int64) {
	r.evictMu.Lock()
	defer r.evictMu.Unlock()
	return r.evict(ctx, victims, reason)
}

func (r *Resource) evict(ctx context.Context, victims []store.Metadata, reason string) (int, int64) {
	var removed int
	var freed int64
	for _, m := range victims {
		kept, err := r.pins.removeUnpinned(m.URL, func() error { return r.Remove(ctx, m.URL) })
		if kept {
			r.logger.Debug(ctx, "eviction skipped, entry is being read", "url", m.URL)
			continue
		}
		if err != nil {
			r.logger.Warn(ctx, "failed to evict entry", "url", m.URL, "error", err)
			continue
		}
		removed++
		freed += m.Size
		r.metrics.RecordEviction(m.Size)
		logging.LogEviction(ctx, r.logger, m.URL, m.Size, reason)
	}
	return removed, freed
}

// Remove deletes url from both tiers. Dropping it from memory as well keeps
// the memory tier a subset of the durable tier.
func (r *Resource) Remove(ctx context.Context, url string) error {
	r.mem.Delete(url)
	return r.store.Delete(ctx, url)
}

// Pinned reports whether url is the target of an in-flight read.
func (r *Resource) Pinned(url string) bool {
	return r.pins.pinned(url)
}

// Entries returns every durable metadata row.
func (r *Resource) Entries(ctx context.Context) ([]store.Metadata, error) {
	return r.store.ScanMetadata(ctx)
}

// Stats reports entry counts and durable bytes.
func (r *Resource) Stats(ctx context.Context) (Stats, error) {
	if r.closed.Load() {
		return Stats{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	return Stats{
		MemoryEntries: r.mem.Len(),
		DiskEntries:   r.store.Count(ctx),
		TotalBytes:    r.store.Size(ctx),
	}, nil
}

// Clear empties both tiers.
func (r *Resource) Clear(ctx context.Context) error {
	r.mem.Clear()
	if err := r.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear %s store: %w", r.name, err)
	}
	r.logger.Info(ctx, "cache cleared")
	return nil
}

// Close stops accepting reads and waits for pending stat updates.
func (r *Resource) Close() {
	r.closed.Store(true)
	r.bg.Wait()
}

// pinSet counts in-flight reads per key.
type pinSet struct {
	mu   sync.Mutex
	keys map[string]int
}

func (p *pinSet) pin(key string) {
	p.mu.Lock()
	p.keys[key]++
	p.mu.Unlock()
}

func (p *pinSet) unpin(key string) {
	p.mu.Lock()
	if p.keys[key] <= 1 {
		delete(p.keys, key)
	} else {
		p.keys[key]--
	}
	p.mu.Unlock()
}

// removeUnpinned runs remove unless key is pinned, holding the set's lock
// throughout so no read can pin key between the check and the removal.
// It reports whether key was kept.
func (p *pinSet) removeUnpinned(key string, remove func() error) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keys[key] > 0 {
		return true, nil
	}
	return false, remove()
}

func (p *pinSet) pinned(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[key] > 0
}
