package cache

import (
	"sort"

	"github.com/jmgilman/go/mapcache/internal/store"
)

// EvictionStrategy decides which metadata rows to drop from a durable store.
// Rows whose key is pinned must never be selected.
type EvictionStrategy interface {
	SelectForEviction(rows []store.Metadata, pinned func(key string) bool) []store.Metadata
}

// CapacityEviction keeps a store at a fixed number of entries. Victims are
// the rows with the fewest accesses, ties broken by the stalest access.
type CapacityEviction struct {
	capacity int
}

// NewCapacityEviction creates a count-bounded eviction strategy.
func NewCapacityEviction(capacity int) *CapacityEviction {
	return &CapacityEviction{capacity: capacity}
}

// Capacity returns the entry bound.
func (c *CapacityEviction) Capacity() int {
	return c.capacity
}

// SelectForEviction returns the rows to delete so that exactly capacity
// rows remain. Pinned rows are skipped and the next candidate is taken
// instead, so fewer rows may be returned when too many are pinned.
func (c *CapacityEviction) SelectForEviction(rows []store.Metadata, pinned func(string) bool) []store.Metadata {
	excess := len(rows) - c.capacity
	if excess <= 0 {
		return nil
	}

	candidates := make([]store.Metadata, len(rows))
	copy(candidates, rows)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		return a.URL < b.URL
	})

	return takeUnpinned(candidates, pinned, func(selected []store.Metadata, _ int64) bool {
		return len(selected) >= excess
	})
}

// SizeEviction frees bytes, least recently accessed first. It is used for
// budget enforcement across several stores at once.
type SizeEviction struct {
	maxSizeBytes int64
}

// NewSizeEviction creates a size-based eviction strategy.
func NewSizeEviction(maxSizeBytes int64) *SizeEviction {
	return &SizeEviction{maxSizeBytes: maxSizeBytes}
}

// SelectForEviction returns the least recently accessed rows whose removal
// brings the total recorded size to at most maxSizeBytes.
func (s *SizeEviction) SelectForEviction(rows []store.Metadata, pinned func(string) bool) []store.Metadata {
	var totalSize int64
	for _, m := range rows {
		totalSize += m.Size
	}
	if totalSize <= s.maxSizeBytes {
		return nil
	}

	candidates := make([]store.Metadata, len(rows))
	copy(candidates, rows)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		// larger first among equally stale rows
		return a.Size > b.Size
	})

	bytesToFree := totalSize - s.maxSizeBytes
	return takeUnpinned(candidates, pinned, func(_ []store.Metadata, freed int64) bool {
		return freed >= bytesToFree
	})
}

func takeUnpinned(
	candidates []store.Metadata,
	pinned func(string) bool,
	done func(selected []store.Metadata, freed int64) bool,
) []store.Metadata {
	var selected []store.Metadata
	var freed int64
	for _, m := range candidates {
		if done(selected, freed) {
			break
		}
		if pinned != nil && pinned(m.URL) {
			continue
		}
		selected = append(selected, m)
		freed += m.Size
	}
	return selected
}
