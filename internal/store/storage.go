package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/jmgilman/go/fs/core"
)

// ErrCorrupted is returned when a stored file fails its checksum.
var ErrCorrupted = errors.New("cache file is corrupted")

var fsLocks sync.Map // map[core.FS]*sync.RWMutex

// FSLock returns the lock serialising calls into fsys. Every Storage on the
// same filesystem shares it, since in-memory backends are not safe for
// concurrent mutation. Filesystems that cannot be map keys get a private
// lock.
func FSLock(fsys core.FS) *sync.RWMutex {
	if fsys == nil || !reflect.TypeOf(fsys).Comparable() {
		return new(sync.RWMutex)
	}
	lock, _ := fsLocks.LoadOrStore(fsys, new(sync.RWMutex))
	return lock.(*sync.RWMutex)
}

// Storage provides atomic, corruption-resistant file operations rooted at a
// directory of a core.FS. Every file is written as "<sha256 hex>\n<payload>"
// through a temp file and a rename, so readers never observe partial writes.
type Storage struct {
	fs        core.FS
	rootPath  string
	tempDir   string
	fileLocks sync.Map // map[string]*sync.Mutex
	tempSeq   atomic.Uint64

	// globalLock is shared by every Storage on fs.
	globalLock *sync.RWMutex
}

// NewStorage creates a storage instance rooted at rootPath.
func NewStorage(fsys core.FS, rootPath string) (*Storage, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if rootPath == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}

	lock := FSLock(fsys)
	lock.Lock()
	defer lock.Unlock()

	if err := fsys.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	tempDir := filepath.Join(rootPath, ".temp")
	if err := fsys.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	return &Storage{
		fs:         fsys,
		rootPath:   rootPath,
		tempDir:    tempDir,
		globalLock: lock,
	}, nil
}

// Root returns the root path of the storage.
func (s *Storage) Root() string {
	return s.rootPath
}

func (s *Storage) fileLock(path string) *sync.Mutex {
	lock, _ := s.fileLocks.LoadOrStore(path, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *Storage) tempPath() string {
	name := strconv.Itoa(os.Getpid()) + "-" + strconv.FormatUint(s.tempSeq.Add(1), 10) + ".tmp"
	return filepath.Join(s.tempDir, name)
}

// WriteAtomically writes data to path (relative to the root) atomically.
func (s *Storage) WriteAtomically(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	fullPath := filepath.Join(s.rootPath, path)

	lock := s.fileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	if err := s.fs.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", path, err)
	}

	tempFile := s.tempPath()
	if err := s.writeWithChecksum(tempFile, data); err != nil {
		_ = s.fs.Remove(tempFile)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := s.fs.Rename(tempFile, fullPath); err != nil {
		_ = s.fs.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file to %q: %w", fullPath, err)
	}

	return nil
}

// ReadWithIntegrity reads path and verifies its checksum. A missing file
// yields an error satisfying errors.Is(err, fs.ErrNotExist).
func (s *Storage) ReadWithIntegrity(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	fullPath := filepath.Join(s.rootPath, path)

	lock := s.fileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	s.globalLock.RLock()
	defer s.globalLock.RUnlock()

	exists, err := s.fs.Exists(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to check file existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
	}

	return s.readWithChecksum(fullPath)
}

// Exists checks if a file exists in the storage.
func (s *Storage) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context cancelled: %w", err)
	}

	s.globalLock.RLock()
	exists, err := s.fs.Exists(filepath.Join(s.rootPath, path))
	s.globalLock.RUnlock()
	if err != nil {
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return exists, nil
}

// Remove removes a file. Removing a missing file is not an error.
func (s *Storage) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	fullPath := filepath.Join(s.rootPath, path)

	lock := s.fileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	s.globalLock.Lock()
	err := s.fs.Remove(fullPath)
	s.globalLock.Unlock()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove file %q: %w", fullPath, err)
	}
	return nil
}

// RemoveDir removes a directory tree and recreates it empty.
func (s *Storage) RemoveDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	fullPath := filepath.Join(s.rootPath, dir)

	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	if err := s.fs.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("failed to remove directory %q: %w", fullPath, err)
	}
	if err := s.fs.MkdirAll(fullPath, 0o755); err != nil {
		return fmt.Errorf("failed to recreate directory %q: %w", fullPath, err)
	}
	return nil
}

// Walk visits every regular file under dir, passing paths relative to the
// root. The listing is taken up front, so fn may use the storage freely.
func (s *Storage) Walk(ctx context.Context, dir string, fn func(path string) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	paths, err := s.list(dir)
	if err != nil {
		return err
	}

	for i, path := range paths {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("context cancelled during walk: %w", err)
			}
		}
		if err := fn(path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) list(dir string) ([]string, error) {
	s.globalLock.RLock()
	defer s.globalLock.RUnlock()

	fullPath := filepath.Join(s.rootPath, dir)
	exists, err := s.fs.Exists(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to check directory existence: %w", err)
	}
	if !exists {
		return nil, nil
	}

	var paths []string
	err = s.fs.Walk(fullPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.rootPath, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %q: %w", fullPath, err)
	}
	return paths, nil
}

// MkdirAll creates dir (relative to the root) and any missing parents.
func (s *Storage) MkdirAll(dir string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	return s.fs.MkdirAll(filepath.Join(s.rootPath, dir), 0o755)
}

// CleanupTempFiles removes leftovers of interrupted writes.
func (s *Storage) CleanupTempFiles(ctx context.Context) error {
	return s.RemoveDir(ctx, ".temp")
}

func (s *Storage) writeWithChecksum(path string, data []byte) error {
	file, err := s.fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %q: %w", path, err)
	}
	defer file.Close()

	sum := sha256.Sum256(data)
	if _, err := file.Write([]byte(hex.EncodeToString(sum[:]) + "\n")); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

func (s *Storage) readWithChecksum(path string) ([]byte, error) {
	file, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %q: %w", path, err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	const header = sha256.Size*2 + 1
	if len(raw) < header || raw[header-1] != '\n' {
		return nil, ErrCorrupted
	}

	payload := raw[header:]
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != string(raw[:header-1]) {
		return nil, ErrCorrupted
	}

	return payload, nil
}
