package icon

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"

	"github.com/jmgilman/go/mapcache/internal/cache"
	"github.com/jmgilman/go/mapcache/internal/logging"
	"github.com/jmgilman/go/mapcache/internal/store"
)

// DefaultBucket is the bucket the icon preloader writes into.
const DefaultBucket = "mapcache-icons-v1"

// Bucket is a named URL to response-body store.
type Bucket struct {
	name  string
	store *store.Store
	now   func() time.Time
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Match returns the stored body for url.
func (b *Bucket) Match(ctx context.Context, url string) ([]byte, bool, error) {
	return b.store.Get(ctx, url)
}

// Put stores body under url.
func (b *Bucket) Put(ctx context.Context, url string, body []byte) error {
	if err := b.store.Put(ctx, url, body); err != nil {
		return err
	}
	return b.store.PutMetadata(ctx, store.NewMetadata(url, int64(len(body)), cache.AssetType(url), b.now()))
}

// Delete removes url.
func (b *Bucket) Delete(ctx context.Context, url string) error {
	return b.store.Delete(ctx, url)
}

// Keys returns every stored URL in order.
func (b *Bucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.store.ScanMetadata(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(rows))
	for _, m := range rows {
		keys = append(keys, m.URL)
	}
	return keys, nil
}

// Clear removes every entry.
func (b *Bucket) Clear(ctx context.Context) error {
	return b.store.Clear(ctx)
}

// Buckets opens named buckets under root on a filesystem.
type Buckets struct {
	fs     core.FS
	root   string
	logger *logging.Logger

	mu   sync.Mutex
	open map[string]*Bucket
}

// NewBuckets creates a bucket registry rooted at root.
func NewBuckets(fsys core.FS, root string, logger *logging.Logger) *Buckets {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Buckets{fs: fsys, root: root, logger: logger, open: make(map[string]*Bucket)}
}

// Open returns the bucket called name, creating it on first use.
func (b *Buckets) Open(ctx context.Context, name string) (*Bucket, error) {
	if name == "" || name != path.Base(name) {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "invalid bucket name %q", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if bucket, ok := b.open[name]; ok {
		return bucket, nil
	}

	st, err := store.Open(ctx, b.fs, path.Join(b.root, name), store.WithLogger(b.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %q: %w", name, err)
	}
	bucket := &Bucket{name: name, store: st, now: time.Now}
	b.open[name] = bucket
	return bucket, nil
}

// Names returns every bucket on disk, including ones not yet opened.
func (b *Buckets) Names() ([]string, error) {
	lock := store.FSLock(b.fs)
	lock.RLock()
	entries, err := b.fs.ReadDir(b.root)
	lock.RUnlock()
	if err != nil {
		if errors.Is(err, core.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ClearAll empties every bucket on disk.
func (b *Buckets) ClearAll(ctx context.Context) error {
	names, err := b.Names()
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		bucket, err := b.Open(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := bucket.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear bucket %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
