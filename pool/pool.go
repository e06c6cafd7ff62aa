package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mrosenb/garlic-racer/racer"
)

// RaceFunc builds one new circuit for a domain, normally
// racer.Race bound to a fixed consensus/cache/options. Pool tests supply
// a fake to avoid real network I/O.
type RaceFunc func(ctx context.Context, domain string) (*racer.Result, error)

// DomainPool holds up to Config.PoolSize worker circuits for one onion
// domain. Worker construction is asynchronous — Acquire on a cold slot
// starts a race and the caller blocks on its result, matching the source
// spec's "first acquire may wait for a racer run."
type DomainPool struct {
	mu      sync.Mutex
	domain  string
	cfg     Config
	workers []*Worker          // len == cfg.PoolSize; nil entries are empty slots
	pending []chan buildResult // in-flight build per slot, nil if none
	race    RaceFunc
	logger  *slog.Logger
}

type buildResult struct {
	worker *Worker
	err    error
}

// NewDomainPool creates an empty pool for domain. race is invoked (never
// concurrently per slot) whenever a slot needs a fresh circuit.
func NewDomainPool(domain string, cfg Config, race RaceFunc, logger *slog.Logger) *DomainPool {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &DomainPool{
		domain:  domain,
		cfg:     cfg,
		workers: make([]*Worker, cfg.PoolSize),
		pending: make([]chan buildResult, cfg.PoolSize),
		race:    race,
		logger:  logger,
	}
}

// Acquire returns a healthy worker for this domain, building one if
// necessary. The returned slot index must be passed back to Release.
func (p *DomainPool) Acquire(ctx context.Context) (*Worker, int, error) {
	for {
		p.mu.Lock()
		slot, w, evicted := p.pickLocked()
		if evicted != EvictNone {
			p.logger.Info("worker evicted", "domain", p.domain, "reason", evicted.String())
		}
		if w != nil {
			w.acquire()
			p.mu.Unlock()
			return w, slot, nil
		}

		// No usable worker: either join an in-flight build for this slot
		// or start one.
		ch := p.pending[slot]
		if ch == nil {
			ch = make(chan buildResult, 1)
			p.pending[slot] = ch
			p.mu.Unlock()
			p.buildSlot(ctx, slot, ch)
		} else {
			p.mu.Unlock()
		}

		select {
		case res := <-ch:
			// Hand the result on to any other caller waiting on this build.
			select {
			case ch <- res:
			default:
			}
			if res.err != nil {
				return nil, slot, fmt.Errorf("build circuit for %s: %w", p.domain, res.err)
			}
			p.mu.Lock()
			res.worker.acquire()
			p.mu.Unlock()
			return res.worker, slot, nil
		case <-ctx.Done():
			return nil, slot, ctx.Err()
		}
	}
}

// pickLocked scans for a healthy worker, evicting any unhealthy ones it
// finds along the way, and returns the first empty slot index if none is
// usable. Caller must hold p.mu.
func (p *DomainPool) pickLocked() (slot int, worker *Worker, evicted EvictReason) {
	freeSlot := -1
	for i, w := range p.workers {
		if w == nil {
			if freeSlot == -1 {
				freeSlot = i
			}
			continue
		}
		switch {
		case !w.connected:
			p.workers[i] = nil
			if freeSlot == -1 {
				freeSlot = i
			}
			evicted = EvictNotConnected
		case w.dead || !w.Healthy(p.cfg):
			p.workers[i] = nil
			if freeSlot == -1 {
				freeSlot = i
			}
			evicted = EvictUnhealthy
		default:
			return i, w, EvictNone
		}
	}
	if freeSlot == -1 {
		freeSlot = 0
	}
	return freeSlot, nil, evicted
}

func (p *DomainPool) buildSlot(ctx context.Context, slot int, ch chan buildResult) {
	go func() {
		result, err := p.race(ctx, p.domain)
		p.mu.Lock()
		defer p.mu.Unlock()
		var w *Worker
		if err != nil {
			w = &Worker{connected: false}
		} else {
			w = NewWorker(result)
		}
		p.workers[slot] = w
		p.pending[slot] = nil
		if err != nil {
			ch <- buildResult{err: err}
		} else {
			ch <- buildResult{worker: w}
		}
	}()
}

// Release returns a worker to the pool after use, applying the source
// spec's Return semantics, and reports the resulting eviction reason (if
// any) for logging.
func (p *DomainPool) Release(slot int, outcome ReturnOutcome, latencyMS int64) EvictReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < 0 || slot >= len(p.workers) || p.workers[slot] == nil {
		return EvictNone
	}
	w := p.workers[slot]
	reason := w.release(outcome, latencyMS, p.cfg)
	if reason != EvictNone {
		p.workers[slot] = nil
	}
	return reason
}

// MarkDead flags the worker occupying slot as dead (e.g. the caller
// observed the underlying link error out), forcing eviction on its next
// Acquire/Release pass.
func (p *DomainPool) MarkDead(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot >= 0 && slot < len(p.workers) && p.workers[slot] != nil {
		p.workers[slot].dead = true
	}
}

// IdlePing evicts any dead or unhealthy idle worker, leaving healthy ones
// in place. Intended to be called periodically by the manager.
func (p *DomainPool) IdlePing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.workers {
		if w == nil {
			continue
		}
		if !w.connected || w.dead || !w.Healthy(p.cfg) {
			p.workers[i] = nil
		}
	}
}

// Close tears down every circuit currently held by the pool.
func (p *DomainPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.workers {
		if w == nil {
			continue
		}
		if w.LinkCloser != nil {
			_ = w.LinkCloser.Close()
		}
		p.workers[i] = nil
	}
}
