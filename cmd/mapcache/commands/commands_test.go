package commands_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/mapcache"
	"github.com/jmgilman/go/mapcache/cmd/mapcache/commands"
)

type mockOrigin struct {
	mu   sync.Mutex
	urls []string
}

func (o *mockOrigin) Fetch(_ context.Context, url string) ([]byte, error) {
	o.mu.Lock()
	o.urls = append(o.urls, url)
	o.mu.Unlock()
	return []byte("0123456789"), nil
}

// execute runs one command against fsys and returns its stdout.
func execute(t *testing.T, fsys core.FS, origin *mockOrigin, args ...string) (string, error) {
	t.Helper()
	cli := commands.New(mapcache.WithFS(fsys), mapcache.WithFetcher(origin))
	out := new(bytes.Buffer)
	cli.SetOutput(out, new(bytes.Buffer))
	cli.SetArgs(append([]string{"--dir", "/cache", "--log-level", "error"}, args...))
	err := cli.Execute(context.Background())
	return out.String(), err
}

func readStats(t *testing.T, fsys core.FS, origin *mockOrigin) mapcache.Stats {
	t.Helper()
	out, err := execute(t, fsys, origin, "stats", "--json")
	require.NoError(t, err)

	var stats mapcache.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	return stats
}

func TestCommands_Stats(t *testing.T) {
	t.Run("empty cache as JSON", func(t *testing.T) {
		stats := readStats(t, billy.NewMemory(), &mockOrigin{})
		assert.Equal(t, mapcache.Stats{}, stats)
	})

	t.Run("table output", func(t *testing.T) {
		out, err := execute(t, billy.NewMemory(), &mockOrigin{}, "stats")
		require.NoError(t, err)
		assert.Contains(t, out, "CACHE")
		assert.Contains(t, out, "session-icons")
		assert.Contains(t, out, "0 Bytes")
		assert.Contains(t, out, "icon queue: 0 queued")
	})
}

func TestCommands_WarmThenClear(t *testing.T) {
	fsys := billy.NewMemory()
	origin := &mockOrigin{}

	out, err := execute(t, fsys, origin, "warm", "--min-zoom", "12", "--max-zoom", "12", "--radius", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "warmed 9 tiles, 6 assets, 3 icons")

	// a fresh manager over the same filesystem sees the warmed entries
	stats := readStats(t, fsys, origin)
	assert.Equal(t, 9, stats.Tiles.DiskEntries)
	assert.Equal(t, 0, stats.Tiles.MemoryEntries)
	assert.Equal(t, 6, stats.Assets.DiskEntries)
	assert.Equal(t, int64(150), stats.TotalBytes)

	out, err = execute(t, fsys, origin, "clear")
	require.NoError(t, err)
	assert.Equal(t, "cleared 150 Bytes\n", out)

	assert.Equal(t, mapcache.Stats{}, readStats(t, fsys, origin))
}

func TestCommands_WarmUnknownView(t *testing.T) {
	_, err := execute(t, billy.NewMemory(), &mockOrigin{}, "warm", "--radius", "0", "--min-zoom", "10", "--max-zoom", "10", "--view", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown view "nope"`)
}

func TestCommands_Optimize(t *testing.T) {
	fsys := billy.NewMemory()
	origin := &mockOrigin{}

	_, err := execute(t, fsys, origin, "warm", "--min-zoom", "12", "--max-zoom", "12", "--radius", "1")
	require.NoError(t, err)

	out, err := execute(t, fsys, origin, "optimize")
	require.NoError(t, err)
	assert.Contains(t, out, "is within the 100 MB threshold")

	out, err = execute(t, fsys, origin, "optimize", "--threshold", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "freed")

	stats := readStats(t, fsys, origin)
	assert.LessOrEqual(t, stats.TotalBytes, int64(80))
}

func TestCommands_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("optimize:\n  targetRatio: 3\n"), 0o600))

	_, err := execute(t, billy.NewMemory(), &mockOrigin{}, "--config", path, "stats")
	require.Error(t, err)

	_, err = execute(t, billy.NewMemory(), &mockOrigin{}, "--config", filepath.Join(dir, "missing.yaml"), "stats")
	require.Error(t, err)
}

func TestCommands_InvalidBackend(t *testing.T) {
	cli := commands.New()
	cli.SetOutput(new(bytes.Buffer), new(bytes.Buffer))
	cli.SetArgs([]string{"--backend", "floppy", "stats"})

	err := cli.Execute(context.Background())
	require.Error(t, err)
}
