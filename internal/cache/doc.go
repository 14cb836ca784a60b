// Package cache implements the two-tier tile and asset caches.
//
// Every read goes memory first, then the durable store, then the origin:
//
//	tiles := cache.NewTileManager(cache.DefaultTileConfig(base), tileStore, fetcher, logger)
//	defer tiles.Close()
//
//	data, err := tiles.GetTile(ctx, tiles.TileURL("gozo", 12, 100, 200))
//
// Origin results are written to the durable store (blob, then metadata,
// then a capacity eviction pass) before entering memory. Concurrent reads of
// the same missing URL share one fetch. Only the foreground fetch can fail a
// read; storage problems degrade to a miss and are logged.
//
// After a tile is fetched from the origin its eight neighbours are queued on
// a background Preloader. Preloads are delayed, bounded by a semaphore,
// de-duplicated while in flight and dropped on failure.
//
// The durable tier is bounded by entry count. When a write pushes it over
// capacity the entries with the fewest accesses, then the stalest access,
// are removed until exactly capacity remain. Keys that are being read are
// never chosen.
package cache
