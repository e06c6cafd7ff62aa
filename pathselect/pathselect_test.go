package pathselect

import (
	"testing"

	"github.com/mrosenb/garlic-racer/directory"
)

func testConsensus() *directory.Consensus {
	c := &directory.Consensus{}

	r1 := directory.Relay{Nickname: "Fast1", Address: "1.2.3.4", ORPort: 9001, Bandwidth: 5000, HasNtorKey: true}
	r1.Identity = [20]byte{1}
	r1.Flags.Fast, r1.Flags.Running, r1.Flags.Valid = true, true, true

	r2 := directory.Relay{Nickname: "Fast2", Address: "5.6.7.8", ORPort: 443, Bandwidth: 3000, HasNtorKey: true}
	r2.Identity = [20]byte{2}
	r2.Flags.Fast, r2.Flags.Running, r2.Flags.Valid = true, true, true

	r3 := directory.Relay{Nickname: "SameSubnetAsFast1", Address: "1.2.30.40", ORPort: 9001, Bandwidth: 2000, HasNtorKey: true}
	r3.Identity = [20]byte{3}
	r3.Flags.Fast, r3.Flags.Running, r3.Flags.Valid = true, true, true

	r4 := directory.Relay{Nickname: "Fast4", Address: "20.30.40.50", ORPort: 443, Bandwidth: 4000, HasNtorKey: true}
	r4.Identity = [20]byte{4}
	r4.Flags.Fast, r4.Flags.Running, r4.Flags.Valid = true, true, true

	r5 := directory.Relay{Nickname: "NotFast", Address: "30.40.50.60", ORPort: 9001, Bandwidth: 10000, HasNtorKey: true}
	r5.Identity = [20]byte{5}
	r5.Flags.Running, r5.Flags.Valid = true, true

	c.Relays = []directory.Relay{r1, r2, r3, r4, r5}
	return c
}

func TestSelectFastRelaysExcludesNonFast(t *testing.T) {
	c := testConsensus()
	for i := 0; i < 50; i++ {
		relays, err := SelectFastRelays(c, 4)
		if err != nil {
			t.Fatalf("SelectFastRelays: %v", err)
		}
		for _, r := range relays {
			if !r.Flags.Fast {
				t.Fatalf("selected non-Fast relay %s", r.Nickname)
			}
		}
	}
}

func TestSelectFastRelaysSubnetDiversity(t *testing.T) {
	c := testConsensus()
	// Only 3 distinct /16 subnets exist among Fast relays (1.2.*, 5.6.*, 20.30.*;
	// 1.2.30.40 shares 1.2.* with 1.2.3.4).
	for i := 0; i < 50; i++ {
		relays, err := SelectFastRelays(c, 4)
		if err != nil {
			t.Fatalf("SelectFastRelays: %v", err)
		}
		seen := make(map[string]bool)
		for _, r := range relays {
			s := subnet16(r.Address)
			if seen[s] {
				t.Fatalf("duplicate /16 subnet %s in result", s)
			}
			seen[s] = true
		}
		if len(relays) > 3 {
			t.Fatalf("expected at most 3 distinct-subnet relays, got %d", len(relays))
		}
	}
}

func TestSubnet16(t *testing.T) {
	if subnet16("1.2.3.4") != "1.2" {
		t.Fatalf("subnet16(1.2.3.4) = %q", subnet16("1.2.3.4"))
	}
	if subnet16("1.2.99.100") != "1.2" {
		t.Fatal("same /16 not detected")
	}
}

func TestWeightedRandom(t *testing.T) {
	weights := []int64{1, 1000000}
	counts := [2]int{}
	for i := 0; i < 1000; i++ {
		idx, err := weightedRandom(weights)
		if err != nil {
			t.Fatal(err)
		}
		counts[idx]++
	}
	if counts[1] < 950 {
		t.Fatalf("heavy weight selected %d/1000 times, expected >950", counts[1])
	}
}
