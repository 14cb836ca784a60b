package cache

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/mapcache/internal/store"
)

// fakeFetcher serves "data:<url>" and counts calls per URL.
type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error

	// gate, when set, is waited on before answering.
	gate chan struct{}
	// started receives every URL as its fetch begins.
	started chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	err := f.fail[url]
	gate := f.gate
	started := f.started
	f.mu.Unlock()

	if started != nil {
		started <- url
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte("data:" + url), nil
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// failingFS fails every file open while failReads is set.
type failingFS struct {
	core.FS
	failReads atomic.Bool
}

func (f *failingFS) Open(name string) (fs.File, error) {
	if f.failReads.Load() {
		return nil, errors.New("storage engine unavailable")
	}
	return f.FS.Open(name)
}

func newTestStore(t *testing.T, fsys core.FS, root string) *store.Store {
	t.Helper()
	if fsys == nil {
		fsys = billy.NewMemory()
	}
	st, err := store.Open(context.Background(), fsys, root)
	require.NoError(t, err)
	return st
}

// steppingClock returns a strictly increasing time on every call.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}
