package pool

import (
	"context"
	"testing"

	"github.com/mrosenb/garlic-racer/racer"
)

func fakeRaceFactory() RaceFactory {
	return func(domain string) RaceFunc {
		return func(ctx context.Context, d string) (*racer.Result, error) {
			return &racer.Result{}, nil
		}
	}
}

func TestManagerEnsurePoolReusesExisting(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), fakeRaceFactory(), nil)
	p1 := m.ensurePool("a.onion")
	p2 := m.ensurePool("a.onion")
	if p1 != p2 {
		t.Fatal("ensurePool should return the same pool for the same domain")
	}
}

func TestManagerLRUEviction(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxDomains = 2
	m := NewManager(cfg, fakeRaceFactory(), nil)

	m.ensurePool("a")
	m.ensurePool("b")
	m.ensurePool("a") // touch a, making b the LRU entry
	m.ensurePool("c") // should evict b

	domains := m.Domains()
	want := map[string]bool{"a": true, "c": true}
	if len(domains) != 2 {
		t.Fatalf("domains = %v, want 2 entries", domains)
	}
	for _, d := range domains {
		if !want[d] {
			t.Fatalf("unexpected domain %q still tracked; domains = %v", d, domains)
		}
	}
	if m.Evictions() != 1 {
		t.Fatalf("Evictions() = %d, want 1", m.Evictions())
	}
}

func TestManagerAcquireBuildsAndReturnsWorker(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), fakeRaceFactory(), nil)
	_, w, slot, err := m.Acquire(context.Background(), "example.onion")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if w == nil {
		t.Fatal("expected a non-nil worker")
	}
	if slot < 0 {
		t.Fatalf("slot = %d, want >= 0", slot)
	}
}

func TestManagerCloseClearsPools(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), fakeRaceFactory(), nil)
	m.ensurePool("a")
	m.ensurePool("b")
	m.Close()
	if len(m.Domains()) != 0 {
		t.Fatal("Close should clear all tracked domains")
	}
}
