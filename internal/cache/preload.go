package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jmgilman/go/mapcache/internal/logging"
)

// PreloaderConfig tunes background preloading.
type PreloaderConfig struct {
	// Delay is waited before each fetch so preloads yield to foreground work.
	Delay time.Duration
	// Concurrency bounds simultaneous preload fetches.
	Concurrency int
}

// Preloader warms the durable tier in the background. Each URL is fetched
// at most once at a time; failures are dropped and never retried.
type Preloader struct {
	res    *Resource
	delay  time.Duration
	sem    *semaphore.Weighted
	logger *logging.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPreloader creates a preloader filling res.
func NewPreloader(res *Resource, cfg PreloaderConfig) *Preloader {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Preloader{
		res:      res,
		delay:    cfg.Delay,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:   res.logger.WithOperation("preload"),
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue schedules url for a background fetch. It returns false when url
// is already in memory, already being preloaded, or the preloader is closed.
func (p *Preloader) Enqueue(url string) bool {
	if p.res.mem.Has(url) {
		return false
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if _, ok := p.inflight[url]; ok {
		p.mu.Unlock()
		return false
	}
	p.inflight[url] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	p.res.metrics.RecordPreload(true, nil)
	go p.run(url)
	return true
}

func (p *Preloader) run(url string) {
	defer p.wg.Done()
	defer p.done(url)

	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		select {
		case <-timer.C:
		case <-p.ctx.Done():
			timer.Stop()
			return
		}
	}

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	if p.res.mem.Has(url) {
		return
	}
	if ok, err := p.res.store.Has(p.ctx, url); err == nil && ok {
		return
	}

	_, err := p.res.join(p.ctx, url)
	p.res.metrics.RecordPreload(false, err)
	if err != nil {
		p.logger.Debug(p.ctx, "preload dropped", "url", url, "error", err)
	}
}

func (p *Preloader) done(url string) {
	p.mu.Lock()
	delete(p.inflight, url)
	p.mu.Unlock()
}

// InFlight reports whether url is queued or being fetched.
func (p *Preloader) InFlight(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[url]
	return ok
}

// Pending returns the number of queued or running preloads.
func (p *Preloader) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Wait blocks until every scheduled preload has finished.
func (p *Preloader) Wait() {
	p.wg.Wait()
}

// Close cancels outstanding preloads and waits for them to exit.
func (p *Preloader) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
