// Package mapcache caches map tiles, static assets and icons for a
// map-based client.
//
// A Manager owns three caches over one filesystem:
//
//   - tiles: raster tiles keyed by {base}/{region}/{zoom}/{x}/{y}.png. An
//     origin fetch queues the eight neighbouring tiles in the background.
//   - assets: images, fonts and JSON documents keyed by URL.
//   - icons: small images with an age limit, in a durable and a session
//     flavour, plus a priority preloader that fills an HTTP bucket.
//
// Reads check memory, then the durable store, then the origin. Origin
// results are written to the durable store before they enter memory, and
// each durable store is trimmed to its capacity by evicting the least
// accessed, least recently used entries.
//
// Basic usage:
//
//	cfg := mapcache.DefaultConfig()
//	cfg.Tiles.BaseURL = "https://tiles.example.com"
//	m, err := mapcache.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer m.Shutdown(context.Background())
//
//	_ = m.Init(ctx) // warm-up runs in the background
//	tile, err := m.GetTile(ctx, m.TileURL("gozo", 12, 2210, 1607))
//
// Storage is a core.FS: local disk by default, process memory, or a MinIO
// bucket, selected by Config.Storage or overridden with WithFS.
package mapcache
