package mapcache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTileBase = "https://tiles.test"

// originFake answers every URL with size bytes and counts requests.
type originFake struct {
	mu    sync.Mutex
	size  int
	calls map[string]int
}

func newOriginFake(size int) *originFake {
	return &originFake{size: size, calls: make(map[string]int)}
}

func (o *originFake) Fetch(_ context.Context, url string) ([]byte, error) {
	o.mu.Lock()
	o.calls[url]++
	o.mu.Unlock()
	return bytes.Repeat([]byte{'x'}, o.size), nil
}

func (o *originFake) count(url string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[url]
}

func (o *originFake) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.calls {
		n += c
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Storage.Dir = "/cache"
	cfg.Tiles.BaseURL = testTileBase
	cfg.Warmup.Disabled = true
	cfg.LogLevel = "error"
	return cfg
}

func newTestManager(t *testing.T, cfg Config, origin *originFake, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithFS(billy.NewMemory()), WithFetcher(origin)}, opts...)
	m, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Optimize.TargetRatio = 2

	_, err := New(context.Background(), cfg, WithFS(billy.NewMemory()))
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeInvalidConfig, platformerrors.GetCode(err))
}

func TestNew_MemoryBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = BackendMemory
	origin := newOriginFake(10)

	m, err := New(context.Background(), cfg, WithFetcher(origin))
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	data, err := m.GetAsset(context.Background(), "/tours.svg")
	require.NoError(t, err)
	assert.Len(t, data, 10)
}

func TestManager_ClearAllResetsStats(t *testing.T) {
	cfg := testConfig()
	// keep neighbour preloads parked so they cannot land after the clear
	cfg.Tiles.PreloadDelay = time.Hour
	origin := newOriginFake(64)
	m := newTestManager(t, cfg, origin)
	ctx := context.Background()

	_, err := m.GetTile(ctx, m.TileURL("gozo", 12, 10, 10))
	require.NoError(t, err)
	_, err = m.GetAsset(ctx, "/tours.svg")
	require.NoError(t, err)
	require.NoError(t, m.Icons().Put(ctx, "/uploads/pin.svg", []byte("<svg/>")))
	require.NoError(t, m.SessionIcons().Put(ctx, "/uploads/pin.svg", []byte("<svg/>")))
	require.NoError(t, m.IconPreloader().Bucket().Put(ctx, "/icon-192x192.png", []byte("png")))

	stats := m.Stats(ctx)
	assert.Equal(t, CacheStats{MemoryEntries: 1, DiskEntries: 1, TotalBytes: 64}, stats.Tiles)
	assert.Equal(t, CacheStats{MemoryEntries: 1, DiskEntries: 1, TotalBytes: 64}, stats.Assets)
	assert.Equal(t, 1, stats.Icons.DiskEntries)
	assert.Equal(t, 1, stats.SessionIcons.DiskEntries)
	assert.Equal(t, int64(64+64+6), stats.TotalBytes)

	require.NoError(t, m.ClearAll(ctx))

	stats = m.Stats(ctx)
	assert.Equal(t, Stats{}, stats)

	keys, err := m.IconPreloader().Bucket().Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestManager_Init(t *testing.T) {
	cfg := testConfig()
	cfg.Warmup = WarmupConfig{
		Region:         "gozo",
		CenterX:        5,
		CenterY:        5,
		MinZoom:        10,
		MaxZoom:        11,
		Radius:         1,
		CriticalAssets: []string{"/tours.svg", "/locales/en/translation.json"},
	}
	cfg.Tiles.PreloadDelay = time.Millisecond
	cfg.Assets.PreloadDelay = time.Millisecond
	origin := newOriginFake(8)
	m := newTestManager(t, cfg, origin)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx))
	m.Tiles().Preloader().Wait()
	m.Assets().Preloader().Wait()
	require.Eventually(t, func() bool {
		st := m.IconPreloader().Status()
		return st.Total == 0 && st.InFlight == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 18, m.Tiles().Store().Count(ctx), "3x3 tiles at two zoom levels")
	assert.Equal(t, 2, m.Assets().Store().Count(ctx))
	assert.Equal(t, 0, m.Tiles().Memory().Len(), "warm-up only fills the durable tier")

	keys, err := m.IconPreloader().Bucket().Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, cfg.Icons.DefaultIcons, keys)

	fetched := origin.total()
	require.NoError(t, m.Init(ctx))
	m.Tiles().Preloader().Wait()
	assert.Equal(t, fetched, origin.total(), "a second Init does nothing")
}

func TestManager_PreloadHelpers(t *testing.T) {
	cfg := testConfig()
	cfg.Tiles.PreloadDelay = time.Hour
	cfg.Assets.PreloadDelay = time.Hour
	m := newTestManager(t, cfg, newOriginFake(1))

	assert.Equal(t, 25, m.PreloadTilesForArea("gozo", 14, 100, 100))

	queued := m.PreloadAssetsForPlace(Place{
		MainImage: "/uploads/main.jpg",
		Images:    []string{"/uploads/g1.jpg", "/uploads/main.jpg"},
		Icon:      "/uploads/custom.svg",
	})
	assert.Equal(t, 3, queued)
	assert.True(t, m.Assets().Preloader().InFlight("/uploads/custom.svg"))

	queued = m.PreloadAssetsForPlace(Place{Icon: "/icons/builtin.svg"})
	assert.Equal(t, 0, queued, "only uploaded icons are preloaded")
}

func TestManager_OptimizeWithinBudget(t *testing.T) {
	m := newTestManager(t, testConfig(), newOriginFake(100))
	ctx := context.Background()

	_, err := m.GetAsset(ctx, "/a.png")
	require.NoError(t, err)

	res, err := m.Optimize(ctx)
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Equal(t, int64(100), res.BytesBefore)
	assert.Equal(t, int64(100), res.BytesAfter)
}

func TestManager_OptimizeEvictsAcrossCaches(t *testing.T) {
	cfg := testConfig()
	cfg.Tiles.PreloadDelay = time.Hour
	cfg.Optimize.ThresholdBytes = 1000
	cfg.Optimize.TargetRatio = 0.8
	origin := newOriginFake(100)
	m := newTestManager(t, cfg, origin)
	ctx := context.Background()

	var urls []string
	for i := 0; i < 8; i++ {
		urls = append(urls, fmt.Sprintf("/img/%02d.jpg", i))
		urls = append(urls, m.TileURL("gozo", 12, i, 0))
	}
	for _, u := range urls {
		var err error
		if u[0] == '/' {
			_, err = m.GetAsset(ctx, u)
		} else {
			_, err = m.GetTile(ctx, u)
		}
		require.NoError(t, err)
		// distinct access times
		time.Sleep(3 * time.Millisecond)
	}

	res, err := m.Optimize(ctx)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, int64(1600), res.BytesBefore)
	assert.Equal(t, int64(800), res.BytesAfter)
	assert.Equal(t, 8, res.SizeEvicted)
	assert.Equal(t, int64(800), res.BytesFreed)

	// the eight least recently used entries went, whichever cache held them
	for i, u := range urls {
		var ok bool
		if u[0] == '/' {
			ok = m.Assets().Memory().Has(u)
		} else {
			ok = m.Tiles().Memory().Has(u)
		}
		assert.Equal(t, i >= 8, ok, u)
	}
}

func TestManager_Shutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newTestManager(t, testConfig(), newOriginFake(1), WithRegisterer(reg))
	ctx := context.Background()

	_, err := m.GetAsset(ctx, "/a.png")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "mapcache_durable_entries" {
			found = true
			assert.Len(t, mf.GetMetric(), 4, "tiles, assets, icons, session icons")
		}
	}
	assert.True(t, found)

	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx))

	assert.ErrorIs(t, m.Init(ctx), ErrShutdown)
	assert.ErrorIs(t, m.ClearAll(ctx), ErrShutdown)
	_, err = m.Optimize(ctx)
	assert.ErrorIs(t, err, ErrShutdown)

	// the collector is released with the manager
	require.NoError(t, reg.Register(m.Collector()))
}

func TestManager_MemoryBackendConcurrentAccess(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = BackendMemory
	cfg.Tiles.PreloadDelay = time.Hour
	origin := newOriginFake(10)

	// every cache shares the one in-memory filesystem
	m, err := New(context.Background(), cfg, WithFetcher(origin))
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 16*4)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.GetTile(ctx, m.TileURL("alps", 12, i, i%4)); err != nil {
				errs <- err
			}
			if _, err := m.GetAsset(ctx, fmt.Sprintf("/places/%d.jpg", i%8)); err != nil {
				errs <- err
			}
			if err := m.Icons().Put(ctx, fmt.Sprintf("/icons/%d.svg", i), []byte("<svg/>")); err != nil {
				errs <- err
			}
			if err := m.SessionIcons().Preload(ctx, fmt.Sprintf("/session/%d.svg", i%4)); err != nil {
				errs <- err
			}
			_ = m.Stats(ctx)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	stats := m.Stats(ctx)
	assert.Equal(t, 16, stats.Tiles.DiskEntries)
	assert.Equal(t, 8, stats.Assets.DiskEntries)
	for i := 0; i < 16; i++ {
		_, ok := m.Icons().Get(ctx, fmt.Sprintf("/icons/%d.svg", i))
		assert.True(t, ok)
	}
}
