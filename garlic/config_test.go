package garlic

import "testing"

func TestDefaultConfigRoundTripsToSubConfigs(t *testing.T) {
	cfg := DefaultConfig()

	pc := cfg.PoolConfig()
	if pc.PoolSize != cfg.PoolSize || pc.MaxStreamCount != cfg.MaxStreamCount {
		t.Fatalf("PoolConfig() did not round-trip: %+v vs %+v", pc, cfg)
	}

	mc := cfg.ManagerConfig()
	if mc.MaxDomains != cfg.MaxDomains {
		t.Fatalf("ManagerConfig().MaxDomains = %d, want %d", mc.MaxDomains, cfg.MaxDomains)
	}

	ro := cfg.RaceOptions()
	if ro.Count != cfg.RaceCount || ro.Hops != cfg.RaceHops {
		t.Fatalf("RaceOptions() did not round-trip: %+v vs %+v", ro, cfg)
	}
}

func TestDurationMSZeroIsZero(t *testing.T) {
	if durationMS(0) != 0 {
		t.Fatal("durationMS(0) should be zero so withDefaults can apply its own default")
	}
}
