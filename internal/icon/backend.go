package icon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmgilman/go/mapcache/internal/store"
)

// Entry is one cached icon.
type Entry struct {
	URL       string
	Data      []byte
	Type      string
	Timestamp time.Time
	Size      int64
}

// Backend is the storage behind an icon Cache.
//
// Entries returns every stored entry; implementations may leave Data nil
// since callers only use it for bookkeeping.
type Backend interface {
	Name() string
	Load(ctx context.Context, url string) (Entry, bool, error)
	Save(ctx context.Context, e Entry) error
	Delete(ctx context.Context, url string) error
	Entries(ctx context.Context) ([]Entry, error)
	Clear(ctx context.Context) error
}

// DurableBackend persists icons in a store.Store.
type DurableBackend struct {
	store *store.Store
}

// NewDurableBackend wraps st.
func NewDurableBackend(st *store.Store) *DurableBackend {
	return &DurableBackend{store: st}
}

// Name implements Backend.
func (d *DurableBackend) Name() string { return "durable" }

// Load implements Backend. A blob without a metadata row is a miss since
// its age is unknown.
func (d *DurableBackend) Load(ctx context.Context, url string) (Entry, bool, error) {
	meta, ok, err := d.store.GetMetadata(ctx, url)
	if err != nil || !ok {
		return Entry{}, false, err
	}

	data, ok, err := d.store.Get(ctx, url)
	if err != nil || !ok {
		return Entry{}, false, err
	}

	return Entry{
		URL:       url,
		Data:      data,
		Type:      meta.Type,
		Timestamp: meta.Timestamp,
		Size:      int64(len(data)),
	}, true, nil
}

// Save implements Backend.
func (d *DurableBackend) Save(ctx context.Context, e Entry) error {
	if err := d.store.Put(ctx, e.URL, e.Data); err != nil {
		return err
	}
	return d.store.PutMetadata(ctx, store.NewMetadata(e.URL, int64(len(e.Data)), e.Type, e.Timestamp))
}

// Delete implements Backend.
func (d *DurableBackend) Delete(ctx context.Context, url string) error {
	return d.store.Delete(ctx, url)
}

// Entries implements Backend. Data is not loaded.
func (d *DurableBackend) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := d.store.ScanMetadata(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, m := range rows {
		out = append(out, Entry{URL: m.URL, Type: m.Type, Timestamp: m.Timestamp, Size: m.Size})
	}
	return out, nil
}

// Clear implements Backend.
func (d *DurableBackend) Clear(ctx context.Context) error {
	return d.store.Clear(ctx)
}

// SessionStore is a string-keyed store that lives as long as its owner.
// It is safe for concurrent use.
type SessionStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{items: make(map[string]string)}
}

// GetItem returns the value stored under key.
func (s *SessionStore) GetItem(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// SetItem stores value under key.
func (s *SessionStore) SetItem(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// RemoveItem deletes key.
func (s *SessionStore) RemoveItem(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// sessionRecord is one icon in the session document.
type sessionRecord struct {
	Data      string `json:"data"`
	Type      string `json:"type,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Size      int64  `json:"size"`
}

// DefaultSessionKey names the session document holding the icon table.
const DefaultSessionKey = "mapcache-icon-cache"

// SessionBackend keeps the whole icon table as a single JSON document in a
// SessionStore, trimmed oldest first to maxEntries on every save.
type SessionBackend struct {
	mu         sync.Mutex
	session    *SessionStore
	key        string
	maxEntries int
}

// NewSessionBackend creates a session backend. A non-positive maxEntries
// disables trimming.
func NewSessionBackend(session *SessionStore, key string, maxEntries int) *SessionBackend {
	if key == "" {
		key = DefaultSessionKey
	}
	return &SessionBackend{session: session, key: key, maxEntries: maxEntries}
}

// Name implements Backend.
func (s *SessionBackend) Name() string { return "session" }

func (s *SessionBackend) read() (map[string]sessionRecord, error) {
	raw, ok := s.session.GetItem(s.key)
	if !ok || raw == "" {
		return map[string]sessionRecord{}, nil
	}
	doc := make(map[string]sessionRecord)
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse session icon table: %w", err)
	}
	return doc, nil
}

func (s *SessionBackend) write(doc map[string]sessionRecord) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode session icon table: %w", err)
	}
	s.session.SetItem(s.key, string(raw))
	return nil
}

// Load implements Backend.
func (s *SessionBackend) Load(_ context.Context, url string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return Entry{}, false, err
	}
	rec, ok := doc[url]
	if !ok {
		return Entry{}, false, nil
	}
	data, err := base64.StdEncoding.DecodeString(rec.Data)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to decode icon %q: %w", url, err)
	}
	return Entry{
		URL:       url,
		Data:      data,
		Type:      rec.Type,
		Timestamp: time.UnixMilli(rec.Timestamp),
		Size:      rec.Size,
	}, true, nil
}

// Save implements Backend.
func (s *SessionBackend) Save(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		// a corrupt document is replaced rather than blocking new writes
		doc = map[string]sessionRecord{}
	}

	doc[e.URL] = sessionRecord{
		Data:      base64.StdEncoding.EncodeToString(e.Data),
		Type:      e.Type,
		Timestamp: e.Timestamp.UnixMilli(),
		Size:      int64(len(e.Data)),
	}

	if s.maxEntries > 0 && len(doc) > s.maxEntries {
		urls := make([]string, 0, len(doc))
		for u := range doc {
			urls = append(urls, u)
		}
		sort.Slice(urls, func(i, j int) bool {
			a, b := doc[urls[i]], doc[urls[j]]
			if a.Timestamp != b.Timestamp {
				return a.Timestamp < b.Timestamp
			}
			return urls[i] < urls[j]
		})
		for _, u := range urls[:len(urls)-s.maxEntries] {
			delete(doc, u)
		}
	}

	return s.write(doc)
}

// Delete implements Backend.
func (s *SessionBackend) Delete(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	delete(doc, url)
	return s.write(doc)
}

// Entries implements Backend.
func (s *SessionBackend) Entries(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(doc))
	for u, rec := range doc {
		out = append(out, Entry{URL: u, Type: rec.Type, Timestamp: time.UnixMilli(rec.Timestamp), Size: rec.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// Clear implements Backend.
func (s *SessionBackend) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.RemoveItem(s.key)
	return nil
}
