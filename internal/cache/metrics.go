package cache

import (
	"sync"
	"time"

	"github.com/jmgilman/go/mapcache/internal/logging"
)

const maxLatencySamples = 10000

// Metrics tracks per-cache operation counters. It is safe for concurrent use.
type Metrics struct {
	mu sync.RWMutex

	memoryHits  int64
	durableHits int64
	misses      int64

	evictions    int64
	bytesEvicted int64
	errors       int64

	networkRequests int64
	bytesDownloaded int64
	bytesServed     int64

	preloadsStarted   int64
	preloadsCompleted int64
	preloadsFailed    int64

	getLatencies []time.Duration

	startTime    time.Time
	lastHitTime  time.Time
	lastMissTime time.Time
}

// NewMetrics creates an empty metrics set.
func NewMetrics() *Metrics {
	now := time.Now()
	return &Metrics{
		startTime:    now,
		lastHitTime:  now,
		lastMissTime: now,
		getLatencies: make([]time.Duration, 0, 1000),
	}
}

// RecordHit records a hit served from tier.
func (m *Metrics) RecordHit(tier logging.Tier, bytesServed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch tier {
	case logging.TierMemory:
		m.memoryHits++
	case logging.TierDurable:
		m.durableHits++
	}
	m.bytesServed += bytesServed
	m.lastHitTime = time.Now()
}

// RecordMiss records a miss that was filled from the origin.
func (m *Metrics) RecordMiss(bytesDownloaded int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.misses++
	m.networkRequests++
	m.bytesDownloaded += bytesDownloaded
	m.lastMissTime = time.Now()
}

// RecordEviction records one durable entry evicted.
func (m *Metrics) RecordEviction(bytesEvicted int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictions++
	m.bytesEvicted += bytesEvicted
}

// RecordError records a failed operation.
func (m *Metrics) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// RecordPreload records a background preload transition.
func (m *Metrics) RecordPreload(started bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case started:
		m.preloadsStarted++
	case err != nil:
		m.preloadsFailed++
	default:
		m.preloadsCompleted++
		m.networkRequests++
	}
}

// RecordLatency records how long a foreground get took.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getLatencies = append(m.getLatencies, d)
	if len(m.getLatencies) > maxLatencySamples {
		m.getLatencies = m.getLatencies[len(m.getLatencies)-maxLatencySamples/2:]
	}
}

// MetricsSnapshot is a point-in-time view of Metrics.
type MetricsSnapshot struct {
	MemoryHits  int64   `json:"memory_hits"`
	DurableHits int64   `json:"durable_hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`

	Evictions    int64 `json:"evictions"`
	BytesEvicted int64 `json:"bytes_evicted"`
	Errors       int64 `json:"errors"`

	NetworkRequests int64 `json:"network_requests"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	BytesServed     int64 `json:"bytes_served"`

	PreloadsStarted   int64 `json:"preloads_started"`
	PreloadsCompleted int64 `json:"preloads_completed"`
	PreloadsFailed    int64 `json:"preloads_failed"`

	AverageGetLatency time.Duration `json:"avg_get_latency_ns"`
	GetLatencySamples int           `json:"get_latency_samples"`

	Uptime            time.Duration `json:"uptime"`
	TimeSinceLastHit  time.Duration `json:"time_since_last_hit"`
	TimeSinceLastMiss time.Duration `json:"time_since_last_miss"`
}

// Snapshot returns a consistent copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hitRate float64
	hits := m.memoryHits + m.durableHits
	if total := hits + m.misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	var avg time.Duration
	if n := len(m.getLatencies); n > 0 {
		var sum time.Duration
		for _, d := range m.getLatencies {
			sum += d
		}
		avg = sum / time.Duration(n)
	}

	return MetricsSnapshot{
		MemoryHits:        m.memoryHits,
		DurableHits:       m.durableHits,
		Misses:            m.misses,
		HitRate:           hitRate,
		Evictions:         m.evictions,
		BytesEvicted:      m.bytesEvicted,
		Errors:            m.errors,
		NetworkRequests:   m.networkRequests,
		BytesDownloaded:   m.bytesDownloaded,
		BytesServed:       m.bytesServed,
		PreloadsStarted:   m.preloadsStarted,
		PreloadsCompleted: m.preloadsCompleted,
		PreloadsFailed:    m.preloadsFailed,
		AverageGetLatency: avg,
		GetLatencySamples: len(m.getLatencies),
		Uptime:            time.Since(m.startTime),
		TimeSinceLastHit:  time.Since(m.lastHitTime),
		TimeSinceLastMiss: time.Since(m.lastMissTime),
	}
}

// Reset clears all counters.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	// field by field; the mutex must not be overwritten while held
	m.memoryHits = 0
	m.durableHits = 0
	m.misses = 0
	m.evictions = 0
	m.bytesEvicted = 0
	m.errors = 0
	m.networkRequests = 0
	m.bytesDownloaded = 0
	m.bytesServed = 0
	m.preloadsStarted = 0
	m.preloadsCompleted = 0
	m.preloadsFailed = 0
	m.getLatencies = m.getLatencies[:0]
	m.startTime = now
	m.lastHitTime = now
	m.lastMissTime = now
}
