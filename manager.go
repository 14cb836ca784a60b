package mapcache

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/jmgilman/go/fs/minio"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/jmgilman/go/mapcache/internal/cache"
	"github.com/jmgilman/go/mapcache/internal/fetch"
	"github.com/jmgilman/go/mapcache/internal/icon"
	"github.com/jmgilman/go/mapcache/internal/logging"
	"github.com/jmgilman/go/mapcache/internal/store"
)

// ErrShutdown is returned by operations on a Manager after Shutdown.
var ErrShutdown = errors.New("mapcache: manager is shut down")

// Store directories under the cache root.
const (
	tilesDir   = "tiles"
	assetsDir  = "assets"
	iconsDir   = "icons"
	bucketsDir = "buckets"
)

// CacheStats describes one cache.
type CacheStats struct {
	MemoryEntries int   `json:"memoryCacheSize"`
	DiskEntries   int   `json:"diskCacheSize"`
	TotalBytes    int64 `json:"totalSize"`
}

// Stats aggregates every cache the Manager owns. TotalBytes counts the
// durable tiers only.
type Stats struct {
	Tiles        CacheStats       `json:"tiles"`
	Assets       CacheStats       `json:"assets"`
	Icons        CacheStats       `json:"icons"`
	SessionIcons CacheStats       `json:"sessionIcons"`
	IconQueue    icon.QueueStatus `json:"iconQueue"`
	TotalBytes   int64            `json:"totalSize"`
}

// OptimizeResult reports what Optimize did.
type OptimizeResult struct {
	// Triggered is false when the caches were already under the threshold.
	Triggered   bool  `json:"triggered"`
	BytesBefore int64 `json:"bytesBefore"`
	BytesAfter  int64 `json:"bytesAfter"`
	// CapacityEvicted counts entries removed by the per-cache capacity pass.
	CapacityEvicted int `json:"capacityEvicted"`
	// Expired counts icons removed for age.
	Expired int `json:"expired"`
	// SizeEvicted counts entries removed by the cross-cache size pass.
	SizeEvicted int   `json:"sizeEvicted"`
	BytesFreed  int64 `json:"bytesFreed"`
}

// Place is the subset of a point of interest whose images are worth
// preloading.
type Place struct {
	MainImage string   `json:"mainImage" yaml:"mainImage"`
	Images    []string `json:"images" yaml:"images"`
	Icon      string   `json:"icon" yaml:"icon"`
}

// Manager owns the tile, asset and icon caches and their background work.
type Manager struct {
	cfg    Config
	logger *logging.Logger

	fs   core.FS
	root string

	tiles         *cache.TileManager
	assets        *cache.AssetCache
	icons         *icon.Cache
	sessionIcons  *icon.Cache
	buckets       *icon.Buckets
	iconPreloader *icon.Preloader

	collector  *cache.Collector
	registerer prometheus.Registerer

	mu          sync.Mutex
	initialized bool
	shutdown    bool
}

// New opens every cache described by cfg. Nothing is fetched until Init or
// the first read.
func New(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.FromSlog(o.logger)
	if o.logger == nil {
		level, _ := logging.ParseLevel(cfg.LogLevel)
		lc := logging.DefaultConfig()
		lc.Level = level
		logger = logging.New(lc)
	}

	fsys, root, err := openFS(cfg, o.fs)
	if err != nil {
		return nil, err
	}

	var fetcher fetch.Fetcher = o.fetcher
	if o.fetcher == nil {
		hf, err := fetch.NewHTTPFetcher(cfg.Assets.BaseURL, fetch.WithTimeout(cfg.HTTPTimeout))
		if err != nil {
			return nil, err
		}
		fetcher = hf
	}

	openStore := func(dir string) (*store.Store, error) {
		st, err := store.Open(ctx, fsys, path.Join(root, dir), store.WithLogger(logger.WithComponent(dir)))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", dir, err)
		}
		return st, nil
	}

	tileStore, err := openStore(tilesDir)
	if err != nil {
		return nil, err
	}
	assetStore, err := openStore(assetsDir)
	if err != nil {
		return nil, err
	}
	iconStore, err := openStore(iconsDir)
	if err != nil {
		return nil, err
	}

	buckets := icon.NewBuckets(fsys, path.Join(root, bucketsDir), logger)
	bucket, err := buckets.Open(ctx, cfg.Icons.Bucket)
	if err != nil {
		return nil, err
	}

	icons := icon.New(icon.Config{Name: "icons", TTL: cfg.Icons.DurableTTL},
		icon.NewDurableBackend(iconStore), fetcher, logger)
	sessionBackend := icon.NewSessionBackend(icon.NewSessionStore(), "", cfg.Icons.SessionMaxEntries)
	sessionIcons := icon.New(icon.Config{Name: "session-icons", TTL: cfg.Icons.SessionTTL, MemoryCapacity: cfg.Icons.SessionMaxEntries},
		sessionBackend, fetcher, logger)

	m := &Manager{
		cfg:           cfg,
		logger:        logger.WithComponent("manager"),
		fs:            fsys,
		root:          root,
		tiles:         cache.NewTileManager(cfg.tileConfig(), tileStore, fetcher, logger),
		assets:        cache.NewAssetCache(cfg.assetConfig(), assetStore, fetcher, logger),
		icons:         icons,
		sessionIcons:  sessionIcons,
		buckets:       buckets,
		iconPreloader: icon.NewPreloader(cfg.preloaderConfig(), bucket, fetcher, logger),
		registerer:    o.registerer,
	}
	m.collector = cache.NewCollector(m.tiles, m.assets, m.icons, m.sessionIcons)

	if m.registerer != nil {
		if err := m.registerer.Register(m.collector); err != nil {
			m.closeCaches()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	m.logger.Debug(ctx, "cache manager created", "config", cfg.String(), "root", root)
	return m, nil
}

// openFS picks the filesystem and root directory for cfg.
func openFS(cfg Config, override core.FS) (core.FS, string, error) {
	if override != nil {
		return override, cfg.Storage.Dir, nil
	}

	switch cfg.Storage.Backend {
	case BackendMemory:
		return billy.NewMemory(), path.Join("/", cfg.Storage.Dir), nil
	case BackendMinIO:
		mc := cfg.Storage.MinIO
		fsys, err := minio.NewMinIO(minio.Config{
			Endpoint:  mc.Endpoint,
			Bucket:    mc.Bucket,
			AccessKey: mc.AccessKey,
			SecretKey: mc.SecretKey,
			UseSSL:    mc.UseSSL,
			Prefix:    mc.Prefix,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to open minio storage: %w", err)
		}
		return fsys, strings.TrimPrefix(path.Clean(cfg.Storage.Dir), "/"), nil
	default:
		root, err := filepath.Abs(cfg.Storage.Dir)
		if err != nil {
			return nil, "", fmt.Errorf("failed to resolve cache dir: %w", err)
		}
		return billy.NewLocal(), root, nil
	}
}

// Init warms the caches: the critical asset list, the configured tile
// region at every warm-up zoom, and the default icons. It runs once;
// later calls return immediately. Warm-up failures are logged, never
// returned.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if m.initialized {
		return nil
	}
	m.initialized = true

	m.iconPreloader.Start()

	w := m.cfg.Warmup
	if w.Disabled {
		m.logger.Info(ctx, "cache manager initialized", "warmup", false)
		return nil
	}

	assets := m.assets.PreloadAssets(w.CriticalAssets)

	tiles := 0
	for zoom := w.MinZoom; zoom <= w.MaxZoom; zoom++ {
		tiles += m.tiles.PreloadArea(w.Region, zoom, w.CenterX, w.CenterY, w.Radius)
	}

	m.logger.Info(ctx, "cache manager initialized",
		"critical_assets", assets,
		"tiles", tiles,
		"region", w.Region,
		"zoom_min", w.MinZoom,
		"zoom_max", w.MaxZoom,
	)
	return nil
}

// Shutdown stops every preloader and waits for background work to end or
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.closeCaches()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}

	if m.registerer != nil {
		m.registerer.Unregister(m.collector)
	}
	m.logger.Info(ctx, "cache manager shut down")
	return nil
}

func (m *Manager) closeCaches() {
	m.iconPreloader.Close()
	m.tiles.Close()
	m.assets.Close()
	m.icons.Close()
	m.sessionIcons.Close()
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return ErrShutdown
	}
	return nil
}

// GetTile returns the tile at url.
func (m *Manager) GetTile(ctx context.Context, url string) ([]byte, error) {
	return m.tiles.GetTile(ctx, url)
}

// GetAsset returns the asset at url.
func (m *Manager) GetAsset(ctx context.Context, url string) ([]byte, error) {
	return m.assets.GetAsset(ctx, url)
}

// TileURL builds the URL of a tile in region.
func (m *Manager) TileURL(region string, zoom, x, y int) string {
	return m.tiles.TileURL(region, zoom, x, y)
}

// Tiles returns the tile cache.
func (m *Manager) Tiles() *cache.TileManager { return m.tiles }

// Assets returns the asset cache.
func (m *Manager) Assets() *cache.AssetCache { return m.assets }

// Icons returns the durable icon cache.
func (m *Manager) Icons() *icon.Cache { return m.icons }

// SessionIcons returns the session icon cache.
func (m *Manager) SessionIcons() *icon.Cache { return m.sessionIcons }

// IconPreloader returns the icon preloader.
func (m *Manager) IconPreloader() *icon.Preloader { return m.iconPreloader }

// Collector returns the Prometheus collector covering every cache.
func (m *Manager) Collector() prometheus.Collector { return m.collector }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// PreloadTilesForArea queues the tiles around (x, y) at zoom. It returns
// the number of tiles newly queued.
func (m *Manager) PreloadTilesForArea(region string, zoom, x, y int) int {
	return m.tiles.PreloadArea(region, zoom, x, y, DefaultAreaRadius)
}

// PreloadAssetsForPlace queues a place's main image, gallery and custom
// uploaded icon. It returns the number of URLs newly queued.
func (m *Manager) PreloadAssetsForPlace(p Place) int {
	urls := make([]string, 0, len(p.Images)+2)
	if p.MainImage != "" {
		urls = append(urls, p.MainImage)
	}
	urls = append(urls, p.Images...)
	if strings.HasPrefix(p.Icon, "/uploads/") {
		urls = append(urls, p.Icon)
	}
	return m.assets.PreloadAssets(urls)
}

// Stats gathers the statistics of every cache concurrently. A cache whose
// statistics cannot be read reports zeros.
func (m *Manager) Stats(ctx context.Context) Stats {
	sources := []struct {
		src cache.Source
		out *CacheStats
	}{
		{m.tiles, new(CacheStats)},
		{m.assets, new(CacheStats)},
		{m.icons, new(CacheStats)},
		{m.sessionIcons, new(CacheStats)},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sources {
		g.Go(func() error {
			st, err := s.src.Stats(gctx)
			if err != nil {
				m.logger.Warn(ctx, "failed to read cache stats", "cache", s.src.Name(), "error", err)
				return nil
			}
			*s.out = CacheStats(st)
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{
		Tiles:        *sources[0].out,
		Assets:       *sources[1].out,
		Icons:        *sources[2].out,
		SessionIcons: *sources[3].out,
		IconQueue:    m.iconPreloader.Status(),
	}
	stats.TotalBytes = stats.Tiles.TotalBytes + stats.Assets.TotalBytes + stats.Icons.TotalBytes
	return stats
}

// ClearAll empties every cache, the icon queue and every HTTP bucket. It
// keeps going past failures and returns them joined.
func (m *Manager) ClearAll(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.iconPreloader.Clear()

	var errs []error
	if err := m.tiles.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.assets.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.icons.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.sessionIcons.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.buckets.ClearAll(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Error(ctx, "failed to clear some caches", "error", err)
		return err
	}
	m.logger.Info(ctx, "all caches cleared")
	return nil
}

// Optimize enforces the global size budget. Below the threshold it does
// nothing. Above it, each cache runs its capacity pass, expired icons are
// removed, and then tile and asset entries are evicted least recently
// accessed first until the total is within the target ratio of the
// threshold.
func (m *Manager) Optimize(ctx context.Context) (OptimizeResult, error) {
	if err := m.checkOpen(); err != nil {
		return OptimizeResult{}, err
	}

	before := m.Stats(ctx)
	res := OptimizeResult{BytesBefore: before.TotalBytes, BytesAfter: before.TotalBytes}
	threshold := m.cfg.Optimize.ThresholdBytes
	if before.TotalBytes <= threshold {
		m.logger.Debug(ctx, "cache within budget", "total", FormatBytes(before.TotalBytes), "threshold", FormatBytes(threshold))
		return res, nil
	}
	res.Triggered = true

	m.logger.Info(ctx, "cache over budget, optimizing",
		"total", FormatBytes(before.TotalBytes), "threshold", FormatBytes(threshold))

	resources := []*cache.Resource{m.tiles.Resource, m.assets.Resource}

	var errs []error
	for _, r := range resources {
		n, freed, err := r.Cleanup(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
		res.CapacityEvicted += n
		res.BytesFreed += freed
	}
	for _, c := range []*icon.Cache{m.icons, m.sessionIcons} {
		n, err := c.Cleanup(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
		res.Expired += n
	}

	n, freed, err := m.evictAcross(ctx, resources)
	if err != nil {
		errs = append(errs, err)
	}
	res.SizeEvicted = n
	res.BytesFreed += freed

	res.BytesAfter = m.Stats(ctx).TotalBytes
	m.logger.Info(ctx, "cache optimized",
		"before", FormatBytes(res.BytesBefore),
		"after", FormatBytes(res.BytesAfter),
		"evicted", res.CapacityEvicted+res.SizeEvicted,
		"expired", res.Expired,
	)
	return res, errors.Join(errs...)
}

// evictAcross ranks the durable rows of every resource together and
// evicts until tiles, assets and durable icons fit the target budget.
// Row keys are prefixed with the resource name so victims map back.
func (m *Manager) evictAcross(ctx context.Context, resources []*cache.Resource) (int, int64, error) {
	target := int64(float64(m.cfg.Optimize.ThresholdBytes) * m.cfg.Optimize.TargetRatio)

	if st, err := m.icons.Stats(ctx); err == nil {
		target -= st.TotalBytes
	}
	if target < 0 {
		target = 0
	}

	byName := make(map[string]*cache.Resource, len(resources))
	var rows []store.Metadata
	for _, r := range resources {
		entries, err := r.Entries(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to list %s entries: %w", r.Name(), err)
		}
		byName[r.Name()] = r
		for _, e := range entries {
			e.URL = r.Name() + "\x00" + e.URL
			rows = append(rows, e)
		}
	}

	split := func(key string) (*cache.Resource, string) {
		name, url, _ := strings.Cut(key, "\x00")
		return byName[name], url
	}

	victims := cache.NewSizeEviction(target).SelectForEviction(rows, func(key string) bool {
		r, url := split(key)
		return r.Pinned(url)
	})

	grouped := make(map[*cache.Resource][]store.Metadata)
	for _, v := range victims {
		r, url := split(v.URL)
		v.URL = url
		grouped[r] = append(grouped[r], v)
	}

	var removed int
	var freed int64
	for _, r := range resources {
		if len(grouped[r]) == 0 {
			continue
		}
		n, f := r.Evict(ctx, grouped[r], "optimize")
		removed += n
		freed += f
	}
	return removed, freed, nil
}
