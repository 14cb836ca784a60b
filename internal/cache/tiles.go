package cache

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmgilman/go/mapcache/internal/fetch"
	"github.com/jmgilman/go/mapcache/internal/logging"
	"github.com/jmgilman/go/mapcache/internal/store"
)

// Tile defaults.
const (
	DefaultTileMemoryCapacity = 1000
	DefaultTileDiskCapacity   = 10000
	DefaultTilePreloadDelay   = 100 * time.Millisecond
)

var tilePattern = regexp.MustCompile(`^(.*)/(\d+)/(\d+)/(\d+)\.png$`)

// Tile addresses one raster tile.
type Tile struct {
	// Prefix is everything before /{z}/{x}/{y}.png, i.e. {base}/{region}.
	Prefix string
	Region string
	Zoom   int
	X      int
	Y      int
}

// URL renders the tile URL.
func (t Tile) URL() string {
	return fmt.Sprintf("%s/%d/%d/%d.png", t.Prefix, t.Zoom, t.X, t.Y)
}

// ParseTileURL extracts the tile address from a URL shaped
// {base}/{region}/{z}/{x}/{y}.png.
func ParseTileURL(url string) (Tile, error) {
	m := tilePattern.FindStringSubmatch(url)
	if m == nil {
		return Tile{}, fmt.Errorf("%w: %q", ErrInvalidTileURL, url)
	}

	z, errZ := strconv.Atoi(m[2])
	x, errX := strconv.Atoi(m[3])
	y, errY := strconv.Atoi(m[4])
	if errZ != nil || errX != nil || errY != nil {
		return Tile{}, fmt.Errorf("%w: %q", ErrInvalidTileURL, url)
	}

	region := m[1]
	if i := strings.LastIndex(region, "/"); i >= 0 {
		region = region[i+1:]
	}

	return Tile{Prefix: m[1], Region: region, Zoom: z, X: x, Y: y}, nil
}

// Neighbors returns the same-zoom tiles around url, skipping negative
// coordinates. An unparseable url has no neighbours.
func Neighbors(url string) []string {
	t, err := ParseTileURL(url)
	if err != nil {
		return nil
	}

	out := make([]string, 0, 8)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := t
			n.X, n.Y = t.X+dx, t.Y+dy
			if n.X < 0 || n.Y < 0 {
				continue
			}
			out = append(out, n.URL())
		}
	}
	return out
}

// TileConfig configures a TileManager.
type TileConfig struct {
	BaseURL            string
	MemoryCapacity     int
	DiskCapacity       int
	PreloadDelay       time.Duration
	PreloadConcurrency int
}

// DefaultTileConfig returns the stock tile bounds.
func DefaultTileConfig(baseURL string) TileConfig {
	return TileConfig{
		BaseURL:            baseURL,
		MemoryCapacity:     DefaultTileMemoryCapacity,
		DiskCapacity:       DefaultTileDiskCapacity,
		PreloadDelay:       DefaultTilePreloadDelay,
		PreloadConcurrency: 6,
	}
}

// TileManager caches map tiles and preloads their surroundings.
type TileManager struct {
	*Resource
	baseURL   string
	preloader *Preloader
}

// NewTileManager creates a tile cache over st.
func NewTileManager(cfg TileConfig, st *store.Store, f fetch.Fetcher, logger *logging.Logger) *TileManager {
	res := NewResource(ResourceConfig{
		Name:           "tiles",
		MemoryCapacity: cfg.MemoryCapacity,
		DiskCapacity:   cfg.DiskCapacity,
	}, st, f, logger)
	res.typeOf = func(string) string { return "image/png" }

	tm := &TileManager{
		Resource: res,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		preloader: NewPreloader(res, PreloaderConfig{
			Delay:       cfg.PreloadDelay,
			Concurrency: cfg.PreloadConcurrency,
		}),
	}
	res.onFetched = tm.preloadNeighbors
	return tm
}

// GetTile returns the tile bytes for url. After an origin fetch the eight
// neighbouring tiles are queued for preloading.
func (tm *TileManager) GetTile(ctx context.Context, url string) ([]byte, error) {
	return tm.Get(ctx, url)
}

// TileURL builds the URL of a tile in region.
func (tm *TileManager) TileURL(region string, zoom, x, y int) string {
	return Tile{Prefix: tm.baseURL + "/" + region, Region: region, Zoom: zoom, X: x, Y: y}.URL()
}

func (tm *TileManager) preloadNeighbors(url string) {
	for _, n := range Neighbors(url) {
		tm.preloader.Enqueue(n)
	}
}

// PreloadArea queues every tile of the square centred on (cx, cy) with the
// given radius, skipping negative coordinates. It returns the number of
// tiles newly queued.
func (tm *TileManager) PreloadArea(region string, zoom, cx, cy, radius int) int {
	queued := 0
	for x := cx - radius; x <= cx+radius; x++ {
		for y := cy - radius; y <= cy+radius; y++ {
			if x < 0 || y < 0 {
				continue
			}
			if tm.preloader.Enqueue(tm.TileURL(region, zoom, x, y)) {
				queued++
			}
		}
	}
	return queued
}

// Preloader exposes the background preloader.
func (tm *TileManager) Preloader() *Preloader {
	return tm.preloader
}

// Close stops preloading and waits for background work.
func (tm *TileManager) Close() {
	tm.preloader.Close()
	tm.Resource.Close()
}
