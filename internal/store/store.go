// Package store implements the durable tier of the cache: a persistent
// key to blob table plus a sibling metadata table used for eviction
// bookkeeping, both kept on a core.FS.
//
// Layout under the store root:
//
//	schema.json                 schema version
//	store/<aa>/<hash>           blob rows
//	metadata/<aa>/<hash>.json   metadata rows
//	.temp/                      in-progress atomic writes
//
// Blob and metadata writes are independent. A crash between them leaves a
// blob without a row (never evicted by capacity, still served) or a row
// without a blob (read as a miss, dropped on the next delete).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"

	"github.com/jmgilman/go/mapcache/internal/logging"
)

const (
	// SchemaVersion is the current on-disk schema. Version 1 held only the
	// blob table; version 2 added the metadata table.
	SchemaVersion = 2

	schemaFile  = "schema.json"
	blobDir     = "store"
	metadataDir = "metadata"
)

type schema struct {
	Version int `json:"version"`
}

// Store is a durable key/blob store with a metadata table.
// It is safe for concurrent use.
type Store struct {
	storage *Storage
	logger  *logging.Logger

	mu   sync.RWMutex
	rows map[string]Metadata // mirror of the metadata table
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for recoverable storage problems.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (creating or upgrading as needed) the store rooted at root.
func Open(ctx context.Context, fsys core.FS, root string, opts ...Option) (*Store, error) {
	storage, err := NewStorage(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	s := &Store{
		storage: storage,
		logger:  logging.Nop(),
		rows:    make(map[string]Metadata),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := storage.CleanupTempFiles(ctx); err != nil {
		s.logger.Warn(ctx, "failed to clean temp files", "root", root, "error", err)
	}

	if err := s.upgrade(ctx); err != nil {
		return nil, err
	}

	if err := s.loadMetadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to load metadata table: %w", err)
	}

	return s, nil
}

// Root returns the directory the store lives in.
func (s *Store) Root() string {
	return s.storage.Root()
}

// upgrade brings the on-disk schema to SchemaVersion. Upgrades only add
// tables; existing blob rows are never touched.
func (s *Store) upgrade(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	if version > SchemaVersion {
		return platformerrors.Newf(platformerrors.CodeSchemaVersionIncompatible,
			"store %s has schema version %d, newest supported is %d", s.Root(), version, SchemaVersion)
	}
	if version == SchemaVersion {
		return nil
	}

	if version < 1 {
		if err := s.storage.MkdirAll(blobDir); err != nil {
			return fmt.Errorf("failed to create blob table: %w", err)
		}
	}
	if version < 2 {
		if err := s.storage.MkdirAll(metadataDir); err != nil {
			return fmt.Errorf("failed to create metadata table: %w", err)
		}
	}

	data, err := json.Marshal(schema{Version: SchemaVersion})
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	if err := s.storage.WriteAtomically(ctx, schemaFile, data); err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}

	s.logger.Info(ctx, "store schema upgraded", "root", s.Root(), "from", version, "to", SchemaVersion)
	return nil
}

// schemaVersion reports the stored schema version. A store without a
// schema file but with a blob table predates versioning and counts as 1.
func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	data, err := s.storage.ReadWithIntegrity(ctx, schemaFile)
	if err == nil {
		var sc schema
		if err := json.Unmarshal(data, &sc); err != nil {
			return 0, fmt.Errorf("failed to parse schema file: %w", err)
		}
		return sc.Version, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("failed to read schema file: %w", err)
	}

	legacy, err := s.storage.Exists(ctx, blobDir)
	if err != nil {
		return 0, err
	}
	if legacy {
		return 1, nil
	}
	return 0, nil
}

func (s *Store) loadMetadata(ctx context.Context) error {
	rows := make(map[string]Metadata)

	err := s.storage.Walk(ctx, metadataDir, func(path string) error {
		data, err := s.storage.ReadWithIntegrity(ctx, path)
		if err != nil {
			s.logger.Warn(ctx, "dropping unreadable metadata row", "path", path, "error", err)
			_ = s.storage.Remove(ctx, path)
			return nil
		}

		var m Metadata
		if err := json.Unmarshal(data, &m); err != nil || m.URL == "" {
			s.logger.Warn(ctx, "dropping malformed metadata row", "path", path)
			_ = s.storage.Remove(ctx, path)
			return nil
		}

		rows[m.URL] = m
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rows = rows
	s.mu.Unlock()
	return nil
}

func hashKey(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

func blobPath(key string) string {
	h := hashKey(key)
	return filepath.Join(blobDir, h[:2], h)
}

func metadataPath(key string) string {
	h := hashKey(key)
	return filepath.Join(metadataDir, h[:2], h+".json")
}

// Get returns the blob stored under key. A miss is (nil, false, nil).
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.storage.ReadWithIntegrity(ctx, blobPath(key))
	switch {
	case err == nil:
		return data, true, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, false, nil
	case errors.Is(err, ErrCorrupted):
		s.logger.Warn(ctx, "removing corrupted blob", "key", key)
		if err := s.Delete(ctx, key); err != nil {
			s.logger.Warn(ctx, "failed to remove corrupted blob", "key", key, "error", err)
		}
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("failed to read blob %q: %w", key, err)
	}
}

// Has reports whether a blob is stored under key.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	return s.storage.Exists(ctx, blobPath(key))
}

// Put stores data under key, replacing any previous blob.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return platformerrors.New(platformerrors.CodeInvalidInput, "store key cannot be empty")
	}
	if err := s.storage.WriteAtomically(ctx, blobPath(key), data); err != nil {
		return fmt.Errorf("failed to write blob %q: %w", key, err)
	}
	return nil
}

// PutMetadata writes a metadata row, replacing any previous row for m.URL.
func (s *Store) PutMetadata(ctx context.Context, m Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putMetadataLocked(ctx, m)
}

func (s *Store) putMetadataLocked(ctx context.Context, m Metadata) error {
	if m.URL == "" {
		return platformerrors.New(platformerrors.CodeInvalidInput, "metadata url cannot be empty")
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := s.storage.WriteAtomically(ctx, metadataPath(m.URL), data); err != nil {
		return fmt.Errorf("failed to write metadata %q: %w", m.URL, err)
	}

	s.rows[m.URL] = m
	return nil
}

// GetMetadata returns the metadata row for key.
func (s *Store) GetMetadata(ctx context.Context, key string) (Metadata, bool, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.rows[key]
	return m, ok, nil
}

// Touch records a read of key: AccessCount+1 and LastAccessed=now. The
// read-modify-write happens under the table lock, so concurrent touches are
// never lost. Returns false when key has no metadata row.
func (s *Store) Touch(ctx context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.rows[key]
	if !ok {
		return false, nil
	}
	if err := s.putMetadataLocked(ctx, m.touched(now)); err != nil {
		return true, err
	}
	return true, nil
}

// Delete removes the blob and metadata rows for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobErr := s.storage.Remove(ctx, blobPath(key))
	metaErr := s.storage.Remove(ctx, metadataPath(key))
	if metaErr == nil {
		delete(s.rows, key)
	}
	return errors.Join(blobErr, metaErr)
}

// Clear empties both the blob table and the metadata table.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.RemoveDir(ctx, blobDir); err != nil {
		return err
	}
	if err := s.storage.RemoveDir(ctx, metadataDir); err != nil {
		return err
	}
	s.rows = make(map[string]Metadata)
	return nil
}

// ScanMetadata returns every metadata row, ordered by URL.
func (s *Store) ScanMetadata(_ context.Context) ([]Metadata, error) {
	s.mu.RLock()
	rows := make([]Metadata, 0, len(s.rows))
	for _, m := range s.rows {
		rows = append(rows, m)
	}
	s.mu.RUnlock()

	sortBy(rows, "")
	return rows, nil
}

// ScanBy returns every metadata row ordered ascending by a secondary index.
func (s *Store) ScanBy(ctx context.Context, index Index) ([]Metadata, error) {
	switch index {
	case IndexTimestamp, IndexAccessCount, IndexLastAccessed:
	default:
		return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "unknown metadata index %q", index)
	}

	rows, err := s.ScanMetadata(ctx)
	if err != nil {
		return nil, err
	}
	sortBy(rows, index)
	return rows, nil
}

// Count returns the number of metadata rows.
func (s *Store) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Size returns the sum of payload sizes recorded in the metadata table.
func (s *Store) Size(_ context.Context) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, m := range s.rows {
		total += m.Size
	}
	return total
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	return "store(" + s.Root() + ", rows=" + strconv.Itoa(s.Count(context.Background())) + ")"
}
