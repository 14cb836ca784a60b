package cache

import (
	"context"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/jmgilman/go/mapcache/internal/fetch"
	"github.com/jmgilman/go/mapcache/internal/logging"
	"github.com/jmgilman/go/mapcache/internal/store"
)

// Asset defaults.
const (
	DefaultAssetMemoryCapacity = 500
	DefaultAssetDiskCapacity   = 5000
	DefaultAssetPreloadDelay   = 50 * time.Millisecond
)

var assetTypes = map[string]string{
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".json":  "application/json",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".css":   "text/css",
	".js":    "text/javascript",
}

// AssetType infers the MIME type of url from its extension, falling back to
// application/octet-stream.
func AssetType(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}

	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return "application/octet-stream"
	}
	if t, ok := assetTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// AssetConfig configures an AssetCache.
type AssetConfig struct {
	MemoryCapacity     int
	DiskCapacity       int
	PreloadDelay       time.Duration
	PreloadConcurrency int
}

// DefaultAssetConfig returns the stock asset bounds.
func DefaultAssetConfig() AssetConfig {
	return AssetConfig{
		MemoryCapacity:     DefaultAssetMemoryCapacity,
		DiskCapacity:       DefaultAssetDiskCapacity,
		PreloadDelay:       DefaultAssetPreloadDelay,
		PreloadConcurrency: 4,
	}
}

// AssetCache caches images, fonts and JSON documents by URL.
type AssetCache struct {
	*Resource
	preloader *Preloader
}

// NewAssetCache creates an asset cache over st.
func NewAssetCache(cfg AssetConfig, st *store.Store, f fetch.Fetcher, logger *logging.Logger) *AssetCache {
	res := NewResource(ResourceConfig{
		Name:           "assets",
		MemoryCapacity: cfg.MemoryCapacity,
		DiskCapacity:   cfg.DiskCapacity,
	}, st, f, logger)

	return &AssetCache{
		Resource: res,
		preloader: NewPreloader(res, PreloaderConfig{
			Delay:       cfg.PreloadDelay,
			Concurrency: cfg.PreloadConcurrency,
		}),
	}
}

// GetAsset returns the bytes for url.
func (a *AssetCache) GetAsset(ctx context.Context, url string) ([]byte, error) {
	return a.Get(ctx, url)
}

// PreloadAssets queues urls for background fetching and returns how many
// were newly queued.
func (a *AssetCache) PreloadAssets(urls []string) int {
	queued := 0
	for _, u := range urls {
		if u == "" {
			continue
		}
		if a.preloader.Enqueue(u) {
			queued++
		}
	}
	return queued
}

// Preloader exposes the background preloader.
func (a *AssetCache) Preloader() *Preloader {
	return a.preloader
}

// Close stops preloading and waits for background work.
func (a *AssetCache) Close() {
	a.preloader.Close()
	a.Resource.Close()
}
