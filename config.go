package mapcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/jmgilman/go/mapcache/internal/cache"
	"github.com/jmgilman/go/mapcache/internal/icon"
	"github.com/jmgilman/go/mapcache/internal/logging"
)

// StorageBackend selects the filesystem the durable tier lives on.
type StorageBackend string

const (
	// BackendLocal stores caches under a directory on local disk.
	BackendLocal StorageBackend = "local"
	// BackendMemory keeps caches in process memory. Nothing survives a restart.
	BackendMemory StorageBackend = "memory"
	// BackendMinIO stores caches in a MinIO or S3 bucket.
	BackendMinIO StorageBackend = "minio"
)

// Default values applied by SetDefaults.
const (
	DefaultCacheDir        = ".mapcache"
	DefaultRegion          = "gozo"
	DefaultCenterX         = 4420
	DefaultCenterY         = 3215
	DefaultMinZoom         = 10
	DefaultMaxZoom         = 15
	DefaultWarmupRadius    = 3
	DefaultAreaRadius      = 2
	DefaultThresholdBytes  = 100 * 1024 * 1024
	DefaultTargetRatio     = 0.8
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultTilePreloads    = 6
	DefaultAssetPreloads   = 4
	DefaultLogLevel        = "info"
	defaultTileBaseURLPath = "/tiles"
)

// DefaultCriticalAssets are preloaded by Init.
var DefaultCriticalAssets = []string{
	"/tours.svg",
	"/locales/en/translation.json",
	"/locales/de/translation.json",
	"/locales/es/translation.json",
	"/locales/fr/translation.json",
	"/locales/it/translation.json",
}

// MinIOConfig holds object storage settings for the minio backend.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Prefix    string `yaml:"prefix"`
}

// StorageConfig selects and configures the durable tier.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	// Dir is the cache root. Relative paths are resolved against the
	// working directory for the local backend.
	Dir   string      `yaml:"dir"`
	MinIO MinIOConfig `yaml:"minio"`
}

// TileConfig bounds the tile cache.
type TileConfig struct {
	BaseURL            string        `yaml:"baseURL"`
	MemoryCapacity     int           `yaml:"memoryCapacity"`
	DiskCapacity       int           `yaml:"diskCapacity"`
	PreloadDelay       time.Duration `yaml:"preloadDelay"`
	PreloadConcurrency int           `yaml:"preloadConcurrency"`
}

// AssetConfig bounds the asset cache.
type AssetConfig struct {
	// BaseURL resolves relative asset URLs when fetching. Cache keys keep
	// the URL as given.
	BaseURL            string        `yaml:"baseURL"`
	MemoryCapacity     int           `yaml:"memoryCapacity"`
	DiskCapacity       int           `yaml:"diskCapacity"`
	PreloadDelay       time.Duration `yaml:"preloadDelay"`
	PreloadConcurrency int           `yaml:"preloadConcurrency"`
}

// ViewIconConfig is one icon a named view preloads.
type ViewIconConfig struct {
	URL      string `yaml:"url"`
	Priority string `yaml:"priority"`
}

// IconConfig configures the icon caches and preloader.
type IconConfig struct {
	Bucket            string                      `yaml:"bucket"`
	MaxConcurrent     int                         `yaml:"maxConcurrent"`
	RetryLimit        int                         `yaml:"retryLimit"`
	RetryDelay        time.Duration               `yaml:"retryDelay"`
	DurableTTL        time.Duration               `yaml:"durableTTL"`
	SessionTTL        time.Duration               `yaml:"sessionTTL"`
	SessionMaxEntries int                         `yaml:"sessionMaxEntries"`
	DefaultIcons      []string                    `yaml:"defaultIcons"`
	Views             map[string][]ViewIconConfig `yaml:"views"`
}

// WarmupConfig describes what Init preloads.
type WarmupConfig struct {
	Region         string   `yaml:"region"`
	CenterX        int      `yaml:"centerX"`
	CenterY        int      `yaml:"centerY"`
	MinZoom        int      `yaml:"minZoom"`
	MaxZoom        int      `yaml:"maxZoom"`
	Radius         int      `yaml:"radius"`
	CriticalAssets []string `yaml:"criticalAssets"`
	// Disabled skips all warm-up work in Init.
	Disabled bool `yaml:"disabled"`
}

// OptimizeConfig sets the global size budget.
type OptimizeConfig struct {
	ThresholdBytes int64   `yaml:"thresholdBytes"`
	TargetRatio    float64 `yaml:"targetRatio"`
}

// Config is the complete Manager configuration.
type Config struct {
	Storage     StorageConfig  `yaml:"storage"`
	Tiles       TileConfig     `yaml:"tiles"`
	Assets      AssetConfig    `yaml:"assets"`
	Icons       IconConfig     `yaml:"icons"`
	Warmup      WarmupConfig   `yaml:"warmup"`
	Optimize    OptimizeConfig `yaml:"optimize"`
	HTTPTimeout time.Duration  `yaml:"httpTimeout"`
	LogLevel    string         `yaml:"logLevel"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	var c Config
	c.SetDefaults()
	return c
}

// LoadConfig reads a YAML configuration file and applies defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "failed to read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration, applies defaults and validates
// the result. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "failed to parse config")
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLocal
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = DefaultCacheDir
	}

	if c.Tiles.BaseURL == "" {
		c.Tiles.BaseURL = defaultTileBaseURLPath
	}
	if c.Tiles.MemoryCapacity == 0 {
		c.Tiles.MemoryCapacity = cache.DefaultTileMemoryCapacity
	}
	if c.Tiles.DiskCapacity == 0 {
		c.Tiles.DiskCapacity = cache.DefaultTileDiskCapacity
	}
	if c.Tiles.PreloadDelay == 0 {
		c.Tiles.PreloadDelay = cache.DefaultTilePreloadDelay
	}
	if c.Tiles.PreloadConcurrency == 0 {
		c.Tiles.PreloadConcurrency = DefaultTilePreloads
	}

	if c.Assets.MemoryCapacity == 0 {
		c.Assets.MemoryCapacity = cache.DefaultAssetMemoryCapacity
	}
	if c.Assets.DiskCapacity == 0 {
		c.Assets.DiskCapacity = cache.DefaultAssetDiskCapacity
	}
	if c.Assets.PreloadDelay == 0 {
		c.Assets.PreloadDelay = cache.DefaultAssetPreloadDelay
	}
	if c.Assets.PreloadConcurrency == 0 {
		c.Assets.PreloadConcurrency = DefaultAssetPreloads
	}

	if c.Icons.Bucket == "" {
		c.Icons.Bucket = icon.DefaultBucket
	}
	if c.Icons.MaxConcurrent == 0 {
		c.Icons.MaxConcurrent = icon.DefaultMaxConcurrent
	}
	if c.Icons.RetryLimit == 0 {
		c.Icons.RetryLimit = icon.DefaultRetryLimit
	}
	if c.Icons.RetryDelay == 0 {
		c.Icons.RetryDelay = icon.DefaultRetryDelay
	}
	if c.Icons.DurableTTL == 0 {
		c.Icons.DurableTTL = icon.DurableTTL
	}
	if c.Icons.SessionTTL == 0 {
		c.Icons.SessionTTL = icon.SessionTTL
	}
	if c.Icons.SessionMaxEntries == 0 {
		c.Icons.SessionMaxEntries = icon.SessionMaxEntries
	}
	if c.Icons.DefaultIcons == nil {
		c.Icons.DefaultIcons = append([]string(nil), icon.DefaultIcons...)
	}

	if c.Warmup.Region == "" {
		c.Warmup.Region = DefaultRegion
	}
	if c.Warmup.CenterX == 0 && c.Warmup.CenterY == 0 {
		c.Warmup.CenterX = DefaultCenterX
		c.Warmup.CenterY = DefaultCenterY
	}
	if c.Warmup.MinZoom == 0 && c.Warmup.MaxZoom == 0 {
		c.Warmup.MinZoom = DefaultMinZoom
		c.Warmup.MaxZoom = DefaultMaxZoom
	}
	if c.Warmup.Radius == 0 {
		c.Warmup.Radius = DefaultWarmupRadius
	}
	if c.Warmup.CriticalAssets == nil {
		c.Warmup.CriticalAssets = append([]string(nil), DefaultCriticalAssets...)
	}

	if c.Optimize.ThresholdBytes == 0 {
		c.Optimize.ThresholdBytes = DefaultThresholdBytes
	}
	if c.Optimize.TargetRatio == 0 {
		c.Optimize.TargetRatio = DefaultTargetRatio
	}

	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks the configuration for values no cache can work with.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return platformerrors.Newf(platformerrors.CodeInvalidConfig, format, args...)
	}

	switch c.Storage.Backend {
	case BackendLocal, BackendMemory:
	case BackendMinIO:
		if c.Storage.MinIO.Bucket == "" {
			return invalid("storage.minio.bucket is required for the minio backend")
		}
		if c.Storage.MinIO.Endpoint == "" {
			return invalid("storage.minio.endpoint is required for the minio backend")
		}
	default:
		return invalid("unknown storage backend %q", c.Storage.Backend)
	}

	for name, v := range map[string]int{
		"tiles.memoryCapacity":      c.Tiles.MemoryCapacity,
		"tiles.diskCapacity":        c.Tiles.DiskCapacity,
		"tiles.preloadConcurrency":  c.Tiles.PreloadConcurrency,
		"assets.memoryCapacity":     c.Assets.MemoryCapacity,
		"assets.diskCapacity":       c.Assets.DiskCapacity,
		"assets.preloadConcurrency": c.Assets.PreloadConcurrency,
		"icons.maxConcurrent":       c.Icons.MaxConcurrent,
		"icons.sessionMaxEntries":   c.Icons.SessionMaxEntries,
	} {
		if v < 1 {
			return invalid("%s must be positive, got %d", name, v)
		}
	}
	if c.Tiles.MemoryCapacity > c.Tiles.DiskCapacity {
		return invalid("tiles.memoryCapacity (%d) exceeds tiles.diskCapacity (%d)", c.Tiles.MemoryCapacity, c.Tiles.DiskCapacity)
	}
	if c.Assets.MemoryCapacity > c.Assets.DiskCapacity {
		return invalid("assets.memoryCapacity (%d) exceeds assets.diskCapacity (%d)", c.Assets.MemoryCapacity, c.Assets.DiskCapacity)
	}
	if c.Icons.RetryLimit < 0 {
		return invalid("icons.retryLimit must not be negative")
	}
	for view, icons := range c.Icons.Views {
		for _, ic := range icons {
			switch ic.Priority {
			case "", "high", "normal", "low":
			default:
				return invalid("view %q: unknown priority %q", view, ic.Priority)
			}
		}
	}

	if c.Warmup.MinZoom < 0 || c.Warmup.MaxZoom < c.Warmup.MinZoom {
		return invalid("warmup zoom range %d-%d is invalid", c.Warmup.MinZoom, c.Warmup.MaxZoom)
	}
	if c.Warmup.CenterX < 0 || c.Warmup.CenterY < 0 || c.Warmup.Radius < 0 {
		return invalid("warmup centre and radius must not be negative")
	}

	if c.Optimize.ThresholdBytes < 0 {
		return invalid("optimize.thresholdBytes must not be negative")
	}
	if c.Optimize.TargetRatio <= 0 || c.Optimize.TargetRatio > 1 {
		return invalid("optimize.targetRatio must be in (0, 1], got %v", c.Optimize.TargetRatio)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid logLevel")
	}
	return nil
}

// tileConfig converts to the tile cache's settings.
func (c *Config) tileConfig() cache.TileConfig {
	return cache.TileConfig{
		BaseURL:            c.Tiles.BaseURL,
		MemoryCapacity:     c.Tiles.MemoryCapacity,
		DiskCapacity:       c.Tiles.DiskCapacity,
		PreloadDelay:       c.Tiles.PreloadDelay,
		PreloadConcurrency: c.Tiles.PreloadConcurrency,
	}
}

func (c *Config) assetConfig() cache.AssetConfig {
	return cache.AssetConfig{
		MemoryCapacity:     c.Assets.MemoryCapacity,
		DiskCapacity:       c.Assets.DiskCapacity,
		PreloadDelay:       c.Assets.PreloadDelay,
		PreloadConcurrency: c.Assets.PreloadConcurrency,
	}
}

func (c *Config) preloaderConfig() icon.PreloaderConfig {
	pc := icon.DefaultPreloaderConfig()
	pc.MaxConcurrent = c.Icons.MaxConcurrent
	pc.RetryLimit = c.Icons.RetryLimit
	pc.RetryDelay = c.Icons.RetryDelay
	pc.DefaultIcons = append([]string(nil), c.Icons.DefaultIcons...)
	pc.Views = make(map[string][]icon.ViewIcon, len(c.Icons.Views))
	for view, icons := range c.Icons.Views {
		for _, ic := range icons {
			pc.Views[view] = append(pc.Views[view], icon.ViewIcon{URL: ic.URL, Priority: icon.ParsePriority(ic.Priority)})
		}
	}
	return pc
}

// String summarises the configuration for logs without credentials.
func (c Config) String() string {
	return fmt.Sprintf("backend=%s dir=%s tiles=%s assets=%s", c.Storage.Backend, c.Storage.Dir, c.Tiles.BaseURL, c.Assets.BaseURL)
}
