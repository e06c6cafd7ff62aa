// Package garlic aggregates the pool, racer, and directory configuration
// into the single struct cmd/garlicd loads its flags into.
package garlic

import (
	"time"

	"github.com/mrosenb/garlic-racer/pool"
	"github.com/mrosenb/garlic-racer/racer"
)

// Config aggregates pool.Config, pool.ManagerConfig, and racer.Options,
// field names matching the reference's configuration section exactly.
type Config struct {
	PoolSize               int
	MaxDomains             int
	MaxStreamCount         int
	MaxCircuitAgeMS        int64
	LatencyThresholdMS     int64
	MaxConsecutiveFailures int

	RaceCount     int
	RaceHops      int
	RaceTimeoutMS int64

	// Authorities overrides directory.DirAuthorities when non-empty.
	Authorities []string
	// AddressMap rewrites target host:port pairs before connecting,
	// keyed by the requested host.
	AddressMap map[string]string
	// CachePath overrides directory.DefaultCacheDir when non-empty.
	CachePath string
	// PrefetchRouterDescriptors causes startup to call
	// directory.UpdateRelaysWithDescriptors for every ntor-less relay.
	// Startup is the only caller; when false, it is not called at all.
	PrefetchRouterDescriptors bool
}

// DefaultConfig returns the reference's stated defaults for every field.
func DefaultConfig() Config {
	poolDefaults := pool.DefaultConfig()
	mgrDefaults := pool.DefaultManagerConfig()
	raceDefaults := racer.DefaultOptions()
	return Config{
		PoolSize:               poolDefaults.PoolSize,
		MaxDomains:             mgrDefaults.MaxDomains,
		MaxStreamCount:         poolDefaults.MaxStreamCount,
		MaxCircuitAgeMS:        poolDefaults.MaxCircuitAgeMS,
		LatencyThresholdMS:     poolDefaults.LatencyThresholdMS,
		MaxConsecutiveFailures: poolDefaults.MaxConsecutiveFailures,
		RaceCount:              raceDefaults.Count,
		RaceHops:               raceDefaults.Hops,
		RaceTimeoutMS:          raceDefaults.LaneTimeout.Milliseconds(),
	}
}

// PoolConfig extracts the pool.Config portion.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		PoolSize:               c.PoolSize,
		MaxStreamCount:         c.MaxStreamCount,
		MaxCircuitAgeMS:        c.MaxCircuitAgeMS,
		LatencyThresholdMS:     c.LatencyThresholdMS,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
	}
}

// ManagerConfig extracts the pool.ManagerConfig portion.
func (c Config) ManagerConfig() pool.ManagerConfig {
	return pool.ManagerConfig{Config: c.PoolConfig(), MaxDomains: c.MaxDomains}
}

// RaceOptions extracts the racer.Options portion.
func (c Config) RaceOptions() racer.Options {
	return racer.Options{
		Count:       c.RaceCount,
		Hops:        c.RaceHops,
		LaneTimeout: durationMS(c.RaceTimeoutMS),
	}
}

func durationMS(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
