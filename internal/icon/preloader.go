package icon

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmgilman/go/mapcache/internal/cache"
	"github.com/jmgilman/go/mapcache/internal/fetch"
	"github.com/jmgilman/go/mapcache/internal/logging"
)

// Priority orders icon preloads. Higher values are dispatched first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its value. Unknown names are normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// State tracks where a queue item is in its lifecycle.
type State int

const (
	StateQueued State = iota
	StateInFlight
	StateRetrying
)

// QueueItem is one icon waiting to be preloaded.
type QueueItem struct {
	URL       string
	Priority  Priority
	Timestamp time.Time
	Retries   int
	State     State
}

// ViewIcon is an icon a named view wants preloaded.
type ViewIcon struct {
	URL      string
	Priority Priority
}

// QueueStatus is a snapshot of the preload queue.
type QueueStatus struct {
	Total    int `json:"total"`
	High     int `json:"high"`
	Normal   int `json:"normal"`
	Low      int `json:"low"`
	InFlight int `json:"currentPreloading"`
}

// Default preloader settings.
const (
	DefaultMaxConcurrent = 3
	DefaultRetryLimit    = 3
	DefaultRetryDelay    = time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultMaxQueueAge   = 5 * time.Minute
)

// DefaultIcons are queued at high priority when the preloader starts.
var DefaultIcons = []string{"/icon-192x192.png", "/icon-512x512.png", "/tours.svg"}

// PreloaderConfig configures a Preloader.
type PreloaderConfig struct {
	// MaxConcurrent bounds parallel fetches. When greater than one, the
	// last slot is kept for high-priority work.
	MaxConcurrent int
	// RetryLimit is the number of retries after the first failed attempt.
	RetryLimit int
	// RetryDelay is multiplied by the retry number before each retry.
	RetryDelay time.Duration
	// SweepInterval is how often stale queue items are dropped.
	SweepInterval time.Duration
	// MaxQueueAge is the age after which a queued item is dropped.
	MaxQueueAge time.Duration
	// DefaultIcons are queued at high priority by Start.
	DefaultIcons []string
	// Views maps a view name to the icons it needs.
	Views map[string][]ViewIcon
}

// DefaultPreloaderConfig returns the standard settings.
func DefaultPreloaderConfig() PreloaderConfig {
	return PreloaderConfig{
		MaxConcurrent: DefaultMaxConcurrent,
		RetryLimit:    DefaultRetryLimit,
		RetryDelay:    DefaultRetryDelay,
		SweepInterval: DefaultSweepInterval,
		MaxQueueAge:   DefaultMaxQueueAge,
		DefaultIcons:  append([]string(nil), DefaultIcons...),
	}
}

// Preloader fetches icons into a Bucket in priority order, retrying
// failures with a linear backoff.
type Preloader struct {
	cfg     PreloaderConfig
	bucket  *Bucket
	fetcher fetch.Fetcher
	logger  *logging.Logger
	metrics *cache.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    map[string]*QueueItem
	inflight int
	views    map[string][]ViewIcon
	timers   map[*time.Timer]struct{}
	started  bool
	closed   bool

	wg sync.WaitGroup
}

// NewPreloader creates an idle preloader writing into bucket.
func NewPreloader(cfg PreloaderConfig, bucket *Bucket, f fetch.Fetcher, logger *logging.Logger) *Preloader {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaxQueueAge <= 0 {
		cfg.MaxQueueAge = DefaultMaxQueueAge
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Preloader{
		cfg:     cfg,
		bucket:  bucket,
		fetcher: f,
		logger:  logger.WithComponent("icon-preloader"),
		metrics: cache.NewMetrics(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(map[string]*QueueItem),
		views:   make(map[string][]ViewIcon),
		timers:  make(map[*time.Timer]struct{}),
	}
	for name, icons := range cfg.Views {
		p.views[name] = append([]ViewIcon(nil), icons...)
	}
	return p
}

// Metrics returns the preload counters.
func (p *Preloader) Metrics() *cache.Metrics { return p.metrics }

// Bucket returns the bucket preloads are written into.
func (p *Preloader) Bucket() *Bucket { return p.bucket }

// Start queues the default icons and begins sweeping stale items. Calling
// it more than once has no further effect.
func (p *Preloader) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.wg.Add(1)
	p.mu.Unlock()

	go p.sweepLoop()

	for _, url := range p.cfg.DefaultIcons {
		p.Enqueue(url, PriorityHigh)
	}
}

func (p *Preloader) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Debug(p.ctx, "dropped stale icon preloads", "count", n)
			}
		}
	}
}

// Sweep drops queued items older than the maximum queue age and returns
// how many were removed. Items being fetched or awaiting a retry are kept.
func (p *Preloader) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var n int
	for url, item := range p.queue {
		if item.State == StateQueued && now.Sub(item.Timestamp) > p.cfg.MaxQueueAge {
			delete(p.queue, url)
			n++
		}
	}
	return n
}

// Enqueue adds url at priority. A URL already queued keeps the higher of
// the two priorities; an upgrade refreshes its timestamp. Only high
// priority additions start dispatching immediately.
func (p *Preloader) Enqueue(url string, priority Priority) {
	if url == "" {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if item, ok := p.queue[url]; ok {
		if priority > item.Priority {
			item.Priority = priority
			item.Timestamp = p.now()
		}
	} else {
		p.queue[url] = &QueueItem{URL: url, Priority: priority, Timestamp: p.now()}
	}
	if priority == PriorityHigh {
		p.dispatchLocked()
	}
	p.mu.Unlock()
}

// EnqueueAll adds every url at priority.
func (p *Preloader) EnqueueAll(urls []string, priority Priority) {
	for _, u := range urls {
		p.Enqueue(u, priority)
	}
}

// RegisterView sets the icons preloaded for a view.
func (p *Preloader) RegisterView(name string, icons []ViewIcon) {
	p.mu.Lock()
	p.views[name] = append([]ViewIcon(nil), icons...)
	p.mu.Unlock()
}

// PreloadForView queues the icons registered for view and dispatches.
// It reports whether the view is known.
func (p *Preloader) PreloadForView(view string) bool {
	p.mu.Lock()
	icons, ok := p.views[view]
	p.mu.Unlock()
	if !ok {
		return false
	}

	for _, icon := range icons {
		prio := icon.Priority
		if prio == 0 {
			prio = PriorityNormal
		}
		p.Enqueue(icon.URL, prio)
	}
	p.Process()
	return true
}

// Process dispatches as many queued items as the concurrency bound allows.
func (p *Preloader) Process() {
	p.mu.Lock()
	p.dispatchLocked()
	p.mu.Unlock()
}

// reserveLimit is the in-flight count below which non-high items may
// still start.
func (p *Preloader) reserveLimit() int {
	if p.cfg.MaxConcurrent > 1 {
		return p.cfg.MaxConcurrent - 1
	}
	return 1
}

func (p *Preloader) dispatchLocked() {
	if p.closed || p.inflight >= p.cfg.MaxConcurrent {
		return
	}

	ready := make([]*QueueItem, 0, len(p.queue))
	for _, item := range p.queue {
		if item.State == StateQueued {
			ready = append(ready, item)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if !ready[i].Timestamp.Equal(ready[j].Timestamp) {
			return ready[i].Timestamp.Before(ready[j].Timestamp)
		}
		return ready[i].URL < ready[j].URL
	})

	for _, item := range ready {
		if p.inflight >= p.cfg.MaxConcurrent {
			return
		}
		if item.Priority != PriorityHigh && p.inflight >= p.reserveLimit() {
			continue
		}
		p.startLocked(item)
	}
}

func (p *Preloader) startLocked(item *QueueItem) {
	item.State = StateInFlight
	p.inflight++
	p.wg.Add(1)
	p.metrics.RecordPreload(true, nil)
	go p.fetch(item.URL)
}

func (p *Preloader) fetch(url string) {
	defer p.wg.Done()

	err := p.load(url)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight--

	item, queued := p.queue[url]
	switch {
	case err == nil:
		p.metrics.RecordPreload(false, nil)
		delete(p.queue, url)
	case !queued || p.closed:
		// cleared while in flight
		p.metrics.RecordPreload(false, err)
	case item.Retries < p.cfg.RetryLimit:
		item.Retries++
		item.State = StateRetrying
		delay := p.cfg.RetryDelay * time.Duration(item.Retries)
		p.logger.Debug(p.ctx, "icon preload failed, retrying", "url", url, "attempt", item.Retries, "delay", delay, "error", err)
		p.scheduleLocked(url, delay)
	default:
		p.metrics.RecordPreload(false, err)
		delete(p.queue, url)
		p.logger.Warn(p.ctx, "icon preload abandoned", "url", url, "attempts", item.Retries+1, "error", err)
	}

	p.dispatchLocked()
}

func (p *Preloader) load(url string) error {
	if _, ok, err := p.bucket.Match(p.ctx, url); err == nil && ok {
		return nil
	}

	start := time.Now()
	data, err := p.fetcher.Fetch(p.ctx, url)
	logging.LogMiss(p.ctx, p.logger, url, time.Since(start), err)
	if err != nil {
		return err
	}
	p.metrics.RecordMiss(int64(len(data)))
	return p.bucket.Put(p.ctx, url, data)
}

func (p *Preloader) scheduleLocked(url string, delay time.Duration) {
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.timers, t)
		p.retryLocked(url)
	})
	p.timers[t] = struct{}{}
}

func (p *Preloader) retryLocked(url string) {
	item, ok := p.queue[url]
	if !ok || p.closed || item.State != StateRetrying {
		return
	}
	if p.inflight < p.cfg.MaxConcurrent {
		p.startLocked(item)
		return
	}
	// wait for a free slot like any other queued item
	item.State = StateQueued
}

// Status returns queue counts by priority and the in-flight count.
func (p *Preloader) Status() QueueStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := QueueStatus{Total: len(p.queue), InFlight: p.inflight}
	for _, item := range p.queue {
		switch item.Priority {
		case PriorityHigh:
			st.High++
		case PriorityNormal:
			st.Normal++
		case PriorityLow:
			st.Low++
		}
	}
	return st
}

// Item returns a copy of the queue entry for url.
func (p *Preloader) Item(url string) (QueueItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.queue[url]
	if !ok {
		return QueueItem{}, false
	}
	return *item, true
}

// Clear empties the queue and cancels pending retries. Fetches already in
// flight finish but are not retried.
func (p *Preloader) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = make(map[string]*QueueItem)
	for t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[*time.Timer]struct{})
}

// Wait blocks until no fetch is in flight. Pending retries are not waited
// for.
func (p *Preloader) Wait() {
	for {
		p.mu.Lock()
		idle := p.inflight == 0
		p.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops the sweeper, cancels in-flight fetches and drops the queue.
func (p *Preloader) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.Clear()
	p.wg.Wait()
}
