package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/mapcache/internal/logging"
)

const tileBase = "https://tiles.example.com"

func newTestTiles(t *testing.T, f *fakeFetcher, delay time.Duration) *TileManager {
	t.Helper()
	cfg := DefaultTileConfig(tileBase)
	cfg.PreloadDelay = delay
	tm := NewTileManager(cfg, newTestStore(t, nil, "/cache/tiles"), f, logging.Nop())
	t.Cleanup(tm.Close)
	return tm
}

func TestParseTileURL(t *testing.T) {
	tests := []struct {
		url     string
		want    Tile
		wantErr bool
	}{
		{
			url:  "https://tiles.example.com/gozo/12/100/200.png",
			want: Tile{Prefix: "https://tiles.example.com/gozo", Region: "gozo", Zoom: 12, X: 100, Y: 200},
		},
		{
			url:  "/tiles/malta/0/0/0.png",
			want: Tile{Prefix: "/tiles/malta", Region: "malta", Zoom: 0, X: 0, Y: 0},
		},
		{url: "https://tiles.example.com/gozo/12/100/200.jpg", wantErr: true},
		{url: "https://tiles.example.com/gozo/12/-1/200.png", wantErr: true},
		{url: "not a tile", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ParseTileURL(tt.url)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTileURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.url, got.URL())
		})
	}
}

func TestNeighbors(t *testing.T) {
	got := Neighbors(tileBase + "/gozo/12/100/200.png")
	assert.ElementsMatch(t, []string{
		tileBase + "/gozo/12/99/199.png",
		tileBase + "/gozo/12/100/199.png",
		tileBase + "/gozo/12/101/199.png",
		tileBase + "/gozo/12/99/200.png",
		tileBase + "/gozo/12/101/200.png",
		tileBase + "/gozo/12/99/201.png",
		tileBase + "/gozo/12/100/201.png",
		tileBase + "/gozo/12/101/201.png",
	}, got)

	corner := Neighbors(tileBase + "/gozo/3/0/0.png")
	assert.ElementsMatch(t, []string{
		tileBase + "/gozo/3/1/0.png",
		tileBase + "/gozo/3/0/1.png",
		tileBase + "/gozo/3/1/1.png",
	}, corner)

	assert.Empty(t, Neighbors("/favicon.ico"))
}

func TestTileManager_TileURL(t *testing.T) {
	tm := newTestTiles(t, newFakeFetcher(), time.Hour)
	assert.Equal(t, tileBase+"/gozo/12/1/2.png", tm.TileURL("gozo", 12, 1, 2))
}

func TestTileManager_FetchQueuesNeighbours(t *testing.T) {
	f := newFakeFetcher()
	// a long delay keeps the preloads parked in the dedup set
	tm := newTestTiles(t, f, time.Hour)
	ctx := context.Background()
	url := tm.TileURL("gozo", 12, 100, 200)

	data, err := tm.GetTile(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, []byte("data:"+url), data)
	assert.Equal(t, 1, f.count(url))

	assert.True(t, tm.Memory().Has(url))
	_, ok, err := tm.Store().Get(ctx, url)
	require.NoError(t, err)
	assert.True(t, ok)

	neighbours := Neighbors(url)
	require.Len(t, neighbours, 8)
	for _, n := range neighbours {
		assert.True(t, tm.Preloader().InFlight(n), n)
	}
	assert.Equal(t, 8, tm.Preloader().Pending())

	// a repeat read is a memory hit and queues nothing new
	_, err = tm.GetTile(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(url))
	assert.Equal(t, 8, tm.Preloader().Pending())
	for _, n := range neighbours {
		assert.False(t, tm.Preloader().Enqueue(n), "already in flight")
	}
}

func TestTileManager_PreloadedNeighboursAreDurable(t *testing.T) {
	f := newFakeFetcher()
	tm := newTestTiles(t, f, time.Millisecond)
	ctx := context.Background()
	url := tm.TileURL("gozo", 12, 5, 5)

	_, err := tm.GetTile(ctx, url)
	require.NoError(t, err)
	tm.Preloader().Wait()

	for _, n := range Neighbors(url) {
		_, ok, err := tm.Store().Get(ctx, n)
		require.NoError(t, err)
		assert.True(t, ok, n)
		assert.False(t, tm.Memory().Has(n), "preloads only warm the durable tier")
		assert.Equal(t, 1, f.count(n))
	}
	assert.Equal(t, 9, f.total(), "neighbours of preloaded tiles are not chased")

	// neighbours are now served without a network round trip
	_, err = tm.GetTile(ctx, Neighbors(url)[0])
	require.NoError(t, err)
	assert.Equal(t, 9, f.total())
}

func TestTileManager_PreloadArea(t *testing.T) {
	tm := newTestTiles(t, newFakeFetcher(), time.Hour)

	assert.Equal(t, 25, tm.PreloadArea("gozo", 14, 10, 10, 2))
	assert.Equal(t, 0, tm.PreloadArea("gozo", 14, 10, 10, 2), "duplicates are dropped")

	// clipped at the origin: x and y in [0, 1]
	assert.Equal(t, 4, tm.PreloadArea("gozo", 14, 0, 0, 1))
	assert.True(t, tm.Preloader().InFlight(tm.TileURL("gozo", 14, 0, 0)))
	assert.False(t, tm.Preloader().InFlight(tm.TileURL("gozo", 14, 2, 2)))
}

func TestTileManager_PreloadFailureIsDropped(t *testing.T) {
	f := newFakeFetcher()
	tm := newTestTiles(t, f, time.Millisecond)
	url := tm.TileURL("gozo", 10, 1, 1)
	f.fail[url] = assert.AnError

	require.True(t, tm.Preloader().Enqueue(url))
	tm.Preloader().Wait()

	assert.False(t, tm.Preloader().InFlight(url))
	assert.Equal(t, 1, f.count(url), "background failures are not retried")
	assert.Equal(t, int64(1), tm.Metrics().Snapshot().PreloadsFailed)

	_, ok, err := tm.Store().Get(context.Background(), url)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTileManager_CloseCancelsPreloads(t *testing.T) {
	f := newFakeFetcher()
	tm := newTestTiles(t, f, time.Hour)

	tm.PreloadArea("gozo", 10, 5, 5, 1)
	tm.Close()

	assert.Equal(t, 0, tm.Preloader().Pending())
	assert.Equal(t, 0, f.total())
	assert.False(t, tm.Preloader().Enqueue(tm.TileURL("gozo", 10, 0, 0)))
}
