// Package pool implements the per-domain circuit pool: a bounded set of
// worker circuits per onion domain, evicted on health/age/latency/failure
// bounds, with a global LRU across domains.
package pool

import (
	"time"

	"github.com/mrosenb/garlic-racer/circuit"
	"github.com/mrosenb/garlic-racer/racer"
)

// maxLatencySamples bounds the rolling latency window (source spec: "last
// 10 samples").
const maxLatencySamples = 10

// Config holds the tunables for a domain pool and its workers, named per
// the source spec's configuration section.
type Config struct {
	PoolSize               int
	MaxStreamCount         int
	MaxCircuitAgeMS        int64
	LatencyThresholdMS     int64
	MaxConsecutiveFailures int
}

// DefaultConfig returns the source spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:               2,
		MaxStreamCount:         100,
		MaxCircuitAgeMS:        600_000,
		LatencyThresholdMS:     5_000,
		MaxConsecutiveFailures: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.MaxStreamCount <= 0 {
		c.MaxStreamCount = d.MaxStreamCount
	}
	if c.MaxCircuitAgeMS <= 0 {
		c.MaxCircuitAgeMS = d.MaxCircuitAgeMS
	}
	if c.LatencyThresholdMS <= 0 {
		c.LatencyThresholdMS = d.LatencyThresholdMS
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	return c
}

// EvictReason names why a worker's circuit was retired, mirroring the
// source spec's tagged eviction reasons (replacing ad-hoc symbol returns).
type EvictReason int

const (
	EvictNone EvictReason = iota
	EvictNotConnected
	EvictUnhealthy
	EvictDegraded
	EvictTooManyFailures
)

func (r EvictReason) String() string {
	switch r {
	case EvictNotConnected:
		return "NotConnected"
	case EvictUnhealthy:
		return "Unhealthy"
	case EvictDegraded:
		return "Degraded"
	case EvictTooManyFailures:
		return "TooManyFailures"
	default:
		return "None"
	}
}

// Worker holds one pooled circuit and its health bookkeeping.
type Worker struct {
	Circuit     *circuit.Circuit
	LinkCloser  interface{ Close() error }
	CreatedAt   time.Time
	StreamCount int
	Failures    int
	Latencies   []int64 // rolling window, oldest first, capped at maxLatencySamples
	Degraded    bool

	raceResult *racer.Result // kept for its stats; nil once superseded
	connected  bool          // false if the race that was meant to build this worker failed
	dead       bool          // set by MarkDead when the caller observes the link has failed
}

// NewWorker wraps a winning race result as a pool worker.
func NewWorker(result *racer.Result) *Worker {
	return &Worker{
		Circuit:    result.Circuit,
		LinkCloser: result.LinkCloser,
		CreatedAt:  time.Now(),
		connected:  true,
		raceResult: result,
	}
}

// Healthy reports whether w satisfies the source spec's health predicate:
// failures below the bound, stream count below the bound, age below the
// bound, and not degraded.
func (w *Worker) Healthy(cfg Config) bool {
	if !w.connected {
		return false
	}
	if w.Failures >= cfg.MaxConsecutiveFailures {
		return false
	}
	if w.StreamCount >= cfg.MaxStreamCount {
		return false
	}
	if time.Since(w.CreatedAt) >= time.Duration(cfg.MaxCircuitAgeMS)*time.Millisecond {
		return false
	}
	if w.Degraded {
		return false
	}
	return true
}

// recomputeDegraded recomputes w.Degraded from its latency window: a
// worker is Degraded iff it has at least 3 latency samples and their mean
// exceeds LatencyThresholdMS. Fewer than 3 samples can never be Degraded.
func (w *Worker) recomputeDegraded(cfg Config) {
	if len(w.Latencies) < 3 {
		w.Degraded = false
		return
	}
	var sum int64
	for _, l := range w.Latencies {
		sum += l
	}
	mean := sum / int64(len(w.Latencies))
	w.Degraded = mean > cfg.LatencyThresholdMS
}

// pushLatency appends a sample to the rolling window, keeping only the
// newest maxLatencySamples entries (the oldest are dropped first).
func (w *Worker) pushLatency(ms int64, cfg Config) {
	w.Latencies = append(w.Latencies, ms)
	if len(w.Latencies) > maxLatencySamples {
		w.Latencies = w.Latencies[len(w.Latencies)-maxLatencySamples:]
	}
	w.recomputeDegraded(cfg)
}

// ReturnOutcome is the caller's report when giving a circuit back to the
// pool after use.
type ReturnOutcome int

const (
	// ReturnOK means the stream closed cleanly with no latency measurement.
	ReturnOK ReturnOutcome = iota
	// ReturnOKWithLatency means the stream closed cleanly and LatencyMS is valid.
	ReturnOKWithLatency
	// ReturnErr means the stream or circuit failed.
	ReturnErr
)

// acquire marks the worker as checked out for one more stream.
func (w *Worker) acquire() {
	w.StreamCount++
}

// release applies the Return semantics from the source spec and reports
// the eviction reason, if any.
func (w *Worker) release(outcome ReturnOutcome, latencyMS int64, cfg Config) EvictReason {
	switch outcome {
	case ReturnOKWithLatency:
		w.pushLatency(latencyMS, cfg)
		w.Failures = 0
		if !w.Healthy(cfg) {
			return EvictDegraded
		}
	case ReturnErr:
		w.Failures++
		if w.Failures >= cfg.MaxConsecutiveFailures {
			return EvictTooManyFailures
		}
		if !w.Healthy(cfg) {
			return EvictUnhealthy
		}
	default: // ReturnOK
		if !w.Healthy(cfg) {
			return EvictUnhealthy
		}
	}
	return EvictNone
}
