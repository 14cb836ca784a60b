package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, *billy.MemoryFS) {
	t.Helper()
	mem := billy.NewMemory()
	s, err := Open(context.Background(), mem, "/cache/tiles")
	require.NoError(t, err)
	return s, mem
}

func TestStore_GetPut(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	data, ok, err := s.Get(ctx, "http://x/a.png")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)

	require.NoError(t, s.Put(ctx, "http://x/a.png", []byte("tile")))

	data, ok, err = s.Get(ctx, "http://x/a.png")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("tile"), data)

	// keys are not normalised
	_, ok, err = s.Get(ctx, "http://x/a.png/")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PutEmptyKey(t *testing.T) {
	s, _ := openTestStore(t)

	err := s.Put(context.Background(), "", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeInvalidInput, platformerrors.GetCode(err))
}

func TestStore_MetadataAndTouch(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.PutMetadata(ctx, NewMetadata("k", 42, "image/png", created)))

	m, ok, err := s.GetMetadata(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), m.AccessCount)
	assert.Equal(t, int64(42), m.Size)

	later := created.Add(time.Minute)
	found, err := s.Touch(ctx, "k", later)
	require.NoError(t, err)
	assert.True(t, found)

	m, _, _ = s.GetMetadata(ctx, "k")
	assert.Equal(t, int64(2), m.AccessCount)
	assert.True(t, m.LastAccessed.Equal(later))
	assert.True(t, m.Timestamp.Equal(created))

	// a clock running backwards never breaks LastAccessed >= Timestamp
	_, err = s.Touch(ctx, "k", created.Add(-time.Hour))
	require.NoError(t, err)
	m, _, _ = s.GetMetadata(ctx, "k")
	assert.False(t, m.LastAccessed.Before(m.Timestamp))

	found, err = s.Touch(ctx, "missing", later)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_DeleteAndClear(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, s.Put(ctx, key, []byte(key)))
		require.NoError(t, s.PutMetadata(ctx, NewMetadata(key, 2, "", now)))
	}
	assert.Equal(t, 3, s.Count(ctx))
	assert.Equal(t, int64(6), s.Size(ctx))

	require.NoError(t, s.Delete(ctx, "k1"))
	_, ok, _ := s.Get(ctx, "k1")
	assert.False(t, ok)
	_, ok, _ = s.GetMetadata(ctx, "k1")
	assert.False(t, ok)
	assert.Equal(t, 2, s.Count(ctx))

	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, 0, s.Count(ctx))
	assert.Equal(t, int64(0), s.Size(ctx))
	_, ok, _ = s.Get(ctx, "k0")
	assert.False(t, ok)
}

func TestStore_ScanBy(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_000_000)

	rows := []Metadata{
		{URL: "a", Timestamp: base.Add(3 * time.Second), LastAccessed: base.Add(3 * time.Second), AccessCount: 5},
		{URL: "b", Timestamp: base.Add(1 * time.Second), LastAccessed: base.Add(9 * time.Second), AccessCount: 1},
		{URL: "c", Timestamp: base.Add(2 * time.Second), LastAccessed: base.Add(4 * time.Second), AccessCount: 3},
	}
	for _, m := range rows {
		require.NoError(t, s.PutMetadata(ctx, m))
	}

	urls := func(ms []Metadata) []string {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m.URL
		}
		return out
	}

	tests := []struct {
		index Index
		want  []string
	}{
		{IndexTimestamp, []string{"b", "c", "a"}},
		{IndexAccessCount, []string{"b", "c", "a"}},
		{IndexLastAccessed, []string{"a", "c", "b"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.index), func(t *testing.T) {
			got, err := s.ScanBy(ctx, tt.index)
			require.NoError(t, err)
			assert.Equal(t, tt.want, urls(got))
		})
	}

	_, err := s.ScanBy(ctx, Index("size"))
	assert.Error(t, err)
}

func TestStore_CorruptBlobIsMiss(t *testing.T) {
	s, mem := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("good")))
	require.NoError(t, s.PutMetadata(ctx, NewMetadata("k", 4, "", time.Now())))
	require.NoError(t, mem.WriteFile(filepath.Join(s.Root(), blobPath("k")), []byte("bad"), 0o644))

	data, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
	assert.Equal(t, 0, s.Count(ctx), "corrupt entries are removed")
}

func TestOpen_ReloadsMetadata(t *testing.T) {
	s, mem := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.PutMetadata(ctx, NewMetadata("k", 1, "image/png", time.UnixMilli(5000))))

	reopened, err := Open(ctx, mem, "/cache/tiles")
	require.NoError(t, err)

	m, ok, err := reopened.GetMetadata(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "image/png", m.Type)
	assert.Equal(t, int64(5000), m.Timestamp.UnixMilli())
}

func TestOpen_UpgradesLegacyStore(t *testing.T) {
	mem := billy.NewMemory()
	ctx := context.Background()

	// A version 1 store: blob table only, no schema file.
	legacy, err := NewStorage(mem, "/cache/assets")
	require.NoError(t, err)
	require.NoError(t, legacy.WriteAtomically(ctx, blobPath("/tours.svg"), []byte("<svg/>")))

	s, err := Open(ctx, mem, "/cache/assets")
	require.NoError(t, err)

	data, ok, err := s.Get(ctx, "/tours.svg")
	require.NoError(t, err)
	assert.True(t, ok, "upgrade must keep existing blobs")
	assert.Equal(t, []byte("<svg/>"), data)

	raw, err := legacy.ReadWithIntegrity(ctx, schemaFile)
	require.NoError(t, err)
	var sc schema
	require.NoError(t, json.Unmarshal(raw, &sc))
	assert.Equal(t, SchemaVersion, sc.Version)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	mem := billy.NewMemory()
	ctx := context.Background()

	storage, err := NewStorage(mem, "/cache")
	require.NoError(t, err)
	require.NoError(t, storage.WriteAtomically(ctx, schemaFile, []byte(`{"version":99}`)))

	_, err = Open(ctx, mem, "/cache")
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeSchemaVersionIncompatible, platformerrors.GetCode(err))
}

func TestMetadata_JSONShape(t *testing.T) {
	m := NewMetadata("u", 7, "image/png", time.UnixMilli(1234))

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"url":"u","timestamp":1234,"accessCount":1,"lastAccessed":1234,"size":7,"type":"image/png"}`,
		string(raw))
}
