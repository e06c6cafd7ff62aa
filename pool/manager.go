package pool

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
)

// ManagerConfig aggregates a DomainPool Config with the manager-wide
// bound on distinct domains.
type ManagerConfig struct {
	Config
	MaxDomains int
}

// DefaultManagerConfig returns the source spec's defaults: pool Config
// defaults plus max_domains=25.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{Config: DefaultConfig(), MaxDomains: 25}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	c.Config = c.Config.withDefaults()
	if c.MaxDomains <= 0 {
		c.MaxDomains = 25
	}
	return c
}

// RaceFactory builds a RaceFunc bound to a specific domain. The manager
// calls it once per newly created DomainPool.
type RaceFactory func(domain string) RaceFunc

// Manager owns one DomainPool per onion domain, evicting the
// least-recently-used domain once MaxDomains would be exceeded. Guarded
// by a single mutex rather than owned by a dedicated goroutine.
type Manager struct {
	mu      sync.Mutex
	cfg     ManagerConfig
	race    RaceFactory
	logger  *slog.Logger
	pools   map[string]*list.Element
	lru     *list.List // front = most recently used
	evicted int
}

// lruEntry is the payload of each list.Element in Manager.lru.
type lruEntry struct {
	domain string
	pool   *DomainPool
}

// NewManager creates an empty pool manager. race builds a RaceFunc for
// each domain the manager is asked to serve.
func NewManager(cfg ManagerConfig, race RaceFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		race:   race,
		logger: logger,
		pools:  make(map[string]*list.Element),
		lru:    list.New(),
	}
}

// Acquire returns a worker for domain, creating its pool (and evicting
// the LRU domain if needed) on first use. Any access — create or reuse —
// moves domain to the front of the LRU list.
func (m *Manager) Acquire(ctx context.Context, domain string) (*DomainPool, *Worker, int, error) {
	p := m.ensurePool(domain)
	w, slot, err := p.Acquire(ctx)
	return p, w, slot, err
}

// ensurePool returns domain's pool, creating it (and evicting the LRU
// domain if MaxDomains would be exceeded) if necessary. Pool-map and LRU
// mutation are atomic with each other.
func (m *Manager) ensurePool(domain string) *DomainPool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.pools[domain]; ok {
		m.lru.MoveToFront(el)
		return el.Value.(*lruEntry).pool
	}

	if len(m.pools) >= m.cfg.MaxDomains {
		m.evictLRULocked()
	}

	p := NewDomainPool(domain, m.cfg.Config, m.race(domain), m.logger)
	el := m.lru.PushFront(&lruEntry{domain: domain, pool: p})
	m.pools[domain] = el
	return p
}

// evictLRULocked removes the least-recently-used domain's pool. Caller
// must hold m.mu.
func (m *Manager) evictLRULocked() {
	back := m.lru.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*lruEntry)
	m.lru.Remove(back)
	delete(m.pools, entry.domain)
	m.evicted++
	m.logger.Info("pool manager evicting LRU domain", "domain", entry.domain)
	entry.pool.Close()
}

// Evictions returns the total number of domain pools evicted by LRU
// pressure since the manager was created.
func (m *Manager) Evictions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evicted
}

// Domains returns the currently tracked domains, most-recently-used
// first.
func (m *Manager) Domains() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, m.lru.Len())
	for el := m.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*lruEntry).domain)
	}
	return out
}

// IdlePing runs IdlePing on every domain pool, evicting dead/unhealthy
// idle workers.
func (m *Manager) IdlePing() {
	m.mu.Lock()
	pools := make([]*DomainPool, 0, len(m.pools))
	for _, el := range m.pools {
		pools = append(pools, el.Value.(*lruEntry).pool)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.IdlePing()
	}
}

// Close tears down every domain pool the manager tracks.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, el := range m.pools {
		el.Value.(*lruEntry).pool.Close()
	}
	m.pools = make(map[string]*list.Element)
	m.lru.Init()
}
