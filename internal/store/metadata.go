package store

import (
	"encoding/json"
	"sort"
	"time"
)

// Metadata is one row of the metadata table, used for eviction bookkeeping.
type Metadata struct {
	// URL is the cache key.
	URL string
	// Timestamp is when the entry was first stored. It never changes.
	Timestamp time.Time
	// LastAccessed is updated on every read.
	LastAccessed time.Time
	// AccessCount is incremented on every read.
	AccessCount int64
	// Size is the payload length in bytes.
	Size int64
	// Type is the MIME type inferred from the URL.
	Type string
}

// NewMetadata returns the row written alongside a freshly fetched blob.
func NewMetadata(url string, size int64, mimeType string, now time.Time) Metadata {
	return Metadata{
		URL:          url,
		Timestamp:    now,
		LastAccessed: now,
		AccessCount:  1,
		Size:         size,
		Type:         mimeType,
	}
}

// touched returns a copy with the access statistics bumped.
func (m Metadata) touched(now time.Time) Metadata {
	m.AccessCount++
	if now.Before(m.Timestamp) {
		now = m.Timestamp
	}
	if now.After(m.LastAccessed) {
		m.LastAccessed = now
	}
	return m
}

// metadataRow is the persisted shape; times are milliseconds since the epoch.
type metadataRow struct {
	URL          string `json:"url"`
	Timestamp    int64  `json:"timestamp"`
	AccessCount  int64  `json:"accessCount"`
	LastAccessed int64  `json:"lastAccessed"`
	Size         int64  `json:"size"`
	Type         string `json:"type,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(metadataRow{
		URL:          m.URL,
		Timestamp:    m.Timestamp.UnixMilli(),
		AccessCount:  m.AccessCount,
		LastAccessed: m.LastAccessed.UnixMilli(),
		Size:         m.Size,
		Type:         m.Type,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var row metadataRow
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	*m = Metadata{
		URL:          row.URL,
		Timestamp:    time.UnixMilli(row.Timestamp),
		AccessCount:  row.AccessCount,
		LastAccessed: time.UnixMilli(row.LastAccessed),
		Size:         row.Size,
		Type:         row.Type,
	}
	return nil
}

// Index names a secondary index of the metadata table.
type Index string

// Secondary indexes available to ScanBy.
const (
	IndexTimestamp    Index = "timestamp"
	IndexAccessCount  Index = "accessCount"
	IndexLastAccessed Index = "lastAccessed"
)

// sortBy orders rows ascending by the given index, breaking ties by URL.
func sortBy(rows []Metadata, index Index) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch index {
		case IndexTimestamp:
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
		case IndexAccessCount:
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
		case IndexLastAccessed:
			if !a.LastAccessed.Equal(b.LastAccessed) {
				return a.LastAccessed.Before(b.LastAccessed)
			}
		}
		return a.URL < b.URL
	})
}
