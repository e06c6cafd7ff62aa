package pool

import (
	"testing"
	"time"

	"github.com/mrosenb/garlic-racer/racer"
)

func newTestWorker() *Worker {
	return &Worker{
		CreatedAt: time.Now(),
		connected: true,
	}
}

func TestWorkerHealthyByDefault(t *testing.T) {
	w := newTestWorker()
	cfg := DefaultConfig()
	if !w.Healthy(cfg) {
		t.Fatal("freshly built worker should be healthy")
	}
}

func TestWorkerUnhealthyTooManyFailures(t *testing.T) {
	w := newTestWorker()
	cfg := DefaultConfig()
	w.Failures = cfg.MaxConsecutiveFailures
	if w.Healthy(cfg) {
		t.Fatal("worker at the failure bound should be unhealthy")
	}
}

func TestWorkerUnhealthyStreamCount(t *testing.T) {
	w := newTestWorker()
	cfg := DefaultConfig()
	w.StreamCount = cfg.MaxStreamCount
	if w.Healthy(cfg) {
		t.Fatal("worker at the stream-count bound should be unhealthy")
	}
}

func TestWorkerUnhealthyAge(t *testing.T) {
	w := newTestWorker()
	cfg := DefaultConfig()
	w.CreatedAt = time.Now().Add(-time.Duration(cfg.MaxCircuitAgeMS+1) * time.Millisecond)
	if w.Healthy(cfg) {
		t.Fatal("worker past MaxCircuitAgeMS should be unhealthy")
	}
}

func TestWorkerNotDegradedUnderThreeSamples(t *testing.T) {
	w := newTestWorker()
	cfg := DefaultConfig()
	w.pushLatency(10_000, cfg)
	w.pushLatency(10_000, cfg)
	if w.Degraded {
		t.Fatal("worker with <3 latency samples must never be Degraded")
	}
	if !w.Healthy(cfg) {
		t.Fatal("worker should still be healthy with <3 samples")
	}
}

func TestWorkerDegradedAtThreeSlowSamples(t *testing.T) {
	w := newTestWorker()
	cfg := DefaultConfig()
	w.pushLatency(10_000, cfg)
	w.pushLatency(10_000, cfg)
	w.pushLatency(10_000, cfg)
	if !w.Degraded {
		t.Fatal("worker with 3 samples averaging over threshold should be Degraded")
	}
	if w.Healthy(cfg) {
		t.Fatal("Degraded worker should not be healthy")
	}
}

func TestWorkerLatencyWindowTruncates(t *testing.T) {
	w := newTestWorker()
	cfg := DefaultConfig()
	for i := 0; i < 20; i++ {
		w.pushLatency(1, cfg)
	}
	if len(w.Latencies) != maxLatencySamples {
		t.Fatalf("latency window length = %d, want %d", len(w.Latencies), maxLatencySamples)
	}
}

func TestWorkerReleaseOKWithLatencyResetsFailures(t *testing.T) {
	w := newTestWorker()
	cfg := DefaultConfig()
	w.Failures = 2
	reason := w.release(ReturnOKWithLatency, 1, cfg)
	if reason != EvictNone {
		t.Fatalf("expected no eviction, got %v", reason)
	}
	if w.Failures != 0 {
		t.Fatalf("Failures = %d, want 0 after a successful return", w.Failures)
	}
}

func TestWorkerReleaseErrEvictsAtBound(t *testing.T) {
	w := newTestWorker()
	cfg := DefaultConfig()
	w.Failures = cfg.MaxConsecutiveFailures - 1
	reason := w.release(ReturnErr, 0, cfg)
	if reason != EvictTooManyFailures {
		t.Fatalf("reason = %v, want EvictTooManyFailures", reason)
	}
}

func TestWorkerReleaseOKEvictsWhenDegraded(t *testing.T) {
	w := newTestWorker()
	cfg := DefaultConfig()
	w.pushLatency(10_000, cfg)
	w.pushLatency(10_000, cfg)
	w.pushLatency(10_000, cfg)
	reason := w.release(ReturnOK, 0, cfg)
	if reason != EvictUnhealthy {
		t.Fatalf("reason = %v, want EvictUnhealthy", reason)
	}
}

func TestNewWorkerFromRaceResult(t *testing.T) {
	res := &racer.Result{}
	w := NewWorker(res)
	if !w.connected {
		t.Fatal("NewWorker should mark the worker connected")
	}
	if w.CreatedAt.IsZero() {
		t.Fatal("NewWorker should stamp CreatedAt")
	}
}
