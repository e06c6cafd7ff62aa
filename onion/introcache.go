package onion

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mrosenb/garlic-racer/directory"
)

// introCacheEntry holds a cached set of introduction points for one domain,
// valid until the next time-period boundary.
type introCacheEntry struct {
	points  []IntroPoint
	subcred [32]byte
	blinded [32]byte
	expires time.Time
}

// IntroCache caches resolved introduction points per onion domain, keyed by
// the bare "xxxx.onion" address. Entries expire at the start of the next
// time period (rend-spec-v3 blinded keys rotate on that boundary, so a
// cached descriptor is worthless past it). Guarded by a single mutex.
type IntroCache struct {
	mu      sync.Mutex
	entries map[string]introCacheEntry
}

// NewIntroCache returns an empty cache ready for use.
func NewIntroCache() *IntroCache {
	return &IntroCache{entries: make(map[string]introCacheEntry)}
}

// Get returns the cached introduction points for domain, or ok=false if
// there is no entry or it has expired.
func (c *IntroCache) Get(domain string) (points []IntroPoint, blinded, subcred [32]byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[domain]
	if !found || time.Now().After(e.expires) {
		return nil, [32]byte{}, [32]byte{}, false
	}
	return e.points, e.blinded, e.subcred, true
}

// Put stores resolved introduction points for domain, expiring at expiresAt
// (normally the start of the next rend-spec-v3 time period).
func (c *IntroCache) Put(domain string, points []IntroPoint, blinded, subcred [32]byte, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[domain] = introCacheEntry{
		points:  points,
		blinded: blinded,
		subcred: subcred,
		expires: expiresAt,
	}
}

// Invalidate drops any cached entry for domain. Called after a handshake
// failure against one of its introduction points, forcing a fresh
// descriptor fetch on the next resolve.
func (c *IntroCache) Invalidate(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, domain)
}

// ResolveCached behaves like ResolveOnionService but consults cache first
// and populates it on a successful fetch, expiring the entry at the start
// of the time period following the one used to derive it.
func ResolveCached(cache *IntroCache, address string, consensus *directory.Consensus, httpClient *http.Client, builder ...CircuitBuilder) (*ConnectResult, error) {
	if points, blinded, subcred, ok := cache.Get(address); ok {
		return &ConnectResult{IntroPoints: points, BlindedKey: blinded, Subcred: subcred}, nil
	}

	result, err := ResolveOnionService(address, consensus, httpClient, builder...)
	if err != nil {
		return nil, fmt.Errorf("resolve onion service: %w", err)
	}

	periodLength := consensus.TimePeriodLength()
	periodNum := TimePeriodWithVI(consensus.ValidAfter, periodLength, consensus.VotingInterval())
	expires := NextTimePeriodStart(periodNum, periodLength, consensus.VotingInterval())
	cache.Put(address, result.IntroPoints, result.BlindedKey, result.Subcred, expires)

	return result, nil
}

// NextTimePeriodStart returns the Unix time (as time.Time) at which the
// time period following periodNum begins, per the tp_start formula in
// rend-spec-v3 §2.2: (tpn+1)*tpl*60 + 12*vi.
func NextTimePeriodStart(periodNum, periodLength, votingIntervalSec int64) time.Time {
	secs := (periodNum+1)*periodLength*60 + 12*votingIntervalSec
	return time.Unix(secs, 0).UTC()
}
