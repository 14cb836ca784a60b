package cache

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/mapcache/internal/logging"
	"github.com/jmgilman/go/mapcache/internal/store"
)

func TestCapacityEviction_SelectForEviction(t *testing.T) {
	base := time.UnixMilli(0)
	row := func(url string, count int64, accessed int) store.Metadata {
		return store.Metadata{
			URL:          url,
			AccessCount:  count,
			LastAccessed: base.Add(time.Duration(accessed) * time.Second),
			Size:         10,
		}
	}

	tests := []struct {
		name     string
		capacity int
		rows     []store.Metadata
		pinned   map[string]bool
		want     []string
	}{
		{
			name:     "under capacity",
			capacity: 3,
			rows:     []store.Metadata{row("a", 1, 1), row("b", 1, 2)},
			want:     nil,
		},
		{
			name:     "at capacity",
			capacity: 2,
			rows:     []store.Metadata{row("a", 1, 1), row("b", 1, 2)},
			want:     nil,
		},
		{
			name:     "fewest accesses first",
			capacity: 2,
			rows:     []store.Metadata{row("a", 5, 1), row("b", 2, 9), row("c", 3, 2), row("d", 1, 10)},
			want:     []string{"d", "b"},
		},
		{
			name:     "stalest access breaks ties",
			capacity: 1,
			rows:     []store.Metadata{row("a", 1, 5), row("b", 1, 3), row("c", 1, 4)},
			want:     []string{"b", "c"},
		},
		{
			name:     "pinned rows are skipped",
			capacity: 2,
			rows:     []store.Metadata{row("a", 1, 1), row("b", 2, 2), row("c", 3, 3)},
			pinned:   map[string]bool{"a": true},
			want:     []string{"b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := NewCapacityEviction(tt.capacity)
			got := policy.SelectForEviction(tt.rows, func(k string) bool { return tt.pinned[k] })

			var urls []string
			for _, m := range got {
				urls = append(urls, m.URL)
			}
			assert.Equal(t, tt.want, urls)
		})
	}
}

func TestCapacityEviction_EvictsLowestTuples(t *testing.T) {
	const capacity, extra = 200, 17
	base := time.UnixMilli(0)
	rng := rand.New(rand.NewSource(42))

	rows := make([]store.Metadata, 0, capacity+extra)
	for i := 0; i < capacity+extra; i++ {
		rows = append(rows, store.Metadata{
			URL:          fmt.Sprintf("k%03d", i),
			AccessCount:  int64(rng.Intn(5) + 1),
			LastAccessed: base.Add(time.Duration(rng.Intn(1000)) * time.Millisecond),
		})
	}

	victims := NewCapacityEviction(capacity).SelectForEviction(rows, nil)
	require.Len(t, victims, extra)

	less := func(a, b store.Metadata) bool {
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		return !b.LastAccessed.Before(a.LastAccessed)
	}

	evicted := make(map[string]bool)
	for _, v := range victims {
		evicted[v.URL] = true
	}
	for _, v := range victims {
		for _, r := range rows {
			if !evicted[r.URL] {
				assert.True(t, less(v, r), "%s evicted before lower-ranked %s", v.URL, r.URL)
			}
		}
	}
}

func TestSizeEviction_SelectForEviction(t *testing.T) {
	base := time.UnixMilli(0)
	rows := []store.Metadata{
		{URL: "old-small", LastAccessed: base.Add(1 * time.Second), Size: 10},
		{URL: "old-big", LastAccessed: base.Add(1 * time.Second), Size: 50},
		{URL: "mid", LastAccessed: base.Add(2 * time.Second), Size: 30},
		{URL: "new", LastAccessed: base.Add(3 * time.Second), Size: 40},
	}

	assert.Nil(t, NewSizeEviction(200).SelectForEviction(rows, nil))

	got := NewSizeEviction(70).SelectForEviction(rows, nil)
	var urls []string
	for _, m := range got {
		urls = append(urls, m.URL)
	}
	assert.Equal(t, []string{"old-big", "old-small"}, urls)

	got = NewSizeEviction(70).SelectForEviction(rows, func(k string) bool { return k == "old-big" })
	urls = urls[:0]
	for _, m := range got {
		urls = append(urls, m.URL)
	}
	assert.Equal(t, []string{"old-small", "mid", "new"}, urls)
}

func TestResource_CleanupAtAssetCapacity(t *testing.T) {
	if testing.Short() {
		t.Skip("writes several thousand metadata rows")
	}

	ctx := context.Background()
	st := newTestStore(t, nil, "/cache/assets")
	res := NewResource(ResourceConfig{
		Name:           "assets",
		MemoryCapacity: DefaultAssetMemoryCapacity,
		DiskCapacity:   DefaultAssetDiskCapacity,
	}, st, newFakeFetcher(), logging.Nop())
	defer res.Close()

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < DefaultAssetDiskCapacity; i++ {
		m := store.NewMetadata(fmt.Sprintf("/img/%05d.jpg", i), 1, "image/jpeg", base)
		m.LastAccessed = base.Add(time.Duration(i+1) * time.Second)
		m.AccessCount = 2
		require.NoError(t, st.PutMetadata(ctx, m))
	}
	cold := store.NewMetadata("/img/cold.jpg", 1, "image/jpeg", base)
	cold.AccessCount = 0
	require.NoError(t, st.PutMetadata(ctx, cold))

	removed, freed, err := res.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(1), freed)

	rows, err := st.ScanMetadata(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, DefaultAssetDiskCapacity)

	_, ok, err := st.GetMetadata(ctx, "/img/cold.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
}
