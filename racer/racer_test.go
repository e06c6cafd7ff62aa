package racer

import (
	"testing"

	"github.com/mrosenb/garlic-racer/directory"
	"github.com/mrosenb/garlic-racer/onion"
)

func TestBuildRacePathsCyclesSingleIntroPoint(t *testing.T) {
	rps := []directory.Relay{
		{Nickname: "rp1"}, {Nickname: "rp2"}, {Nickname: "rp3"}, {Nickname: "rp4"},
	}
	ips := []onion.IntroPoint{{AuthKey: [32]byte{1}}}

	lanes := buildRacePaths(rps, ips, 4)
	if len(lanes) != 4 {
		t.Fatalf("got %d lanes, want 4", len(lanes))
	}
	for i, ln := range lanes {
		if ln.RP.Nickname != rps[i].Nickname {
			t.Fatalf("lane %d RP = %s, want %s", i, ln.RP.Nickname, rps[i].Nickname)
		}
		if ln.IP.AuthKey != ips[0].AuthKey {
			t.Fatalf("lane %d should cycle back to the only intro point", i)
		}
		if ln.Index != i {
			t.Fatalf("lane %d Index = %d", i, ln.Index)
		}
	}
}

func TestBuildRacePathsFewerRPsThanCount(t *testing.T) {
	rps := []directory.Relay{{Nickname: "rp1"}, {Nickname: "rp2"}}
	ips := []onion.IntroPoint{{AuthKey: [32]byte{1}}, {AuthKey: [32]byte{2}}}

	lanes := buildRacePaths(rps, ips, 4)
	if len(lanes) != 2 {
		t.Fatalf("got %d lanes, want 2 (bounded by available RPs)", len(lanes))
	}
}

func TestBuildRacePathsNoIntroPoints(t *testing.T) {
	rps := []directory.Relay{{Nickname: "rp1"}}
	lanes := buildRacePaths(rps, nil, 4)
	if lanes != nil {
		t.Fatalf("expected nil lanes with no intro points, got %d", len(lanes))
	}
}

func TestShuffledIntroPointsPreservesSetAndLength(t *testing.T) {
	in := []onion.IntroPoint{{AuthKey: [32]byte{1}}, {AuthKey: [32]byte{2}}, {AuthKey: [32]byte{3}}}
	out := shuffledIntroPoints(in)
	if len(out) != len(in) {
		t.Fatalf("shuffled length %d, want %d", len(out), len(in))
	}
	seen := make(map[[32]byte]bool)
	for _, ip := range out {
		seen[ip.AuthKey] = true
	}
	for _, ip := range in {
		if !seen[ip.AuthKey] {
			t.Fatalf("shuffled output missing original intro point %v", ip.AuthKey)
		}
	}
	// Original slice must not be mutated (shuffledIntroPoints copies).
	if in[0].AuthKey != [32]byte{1} {
		t.Fatal("shuffledIntroPoints mutated its input slice")
	}
}

func TestTeardownLosersSkipsWinner(t *testing.T) {
	a := &closeCounter{}
	b := &closeCounter{}
	winner := &Lane{Index: 0, Link: a}
	loser := &Lane{Index: 1, Link: b}

	teardownLosers([]*Lane{winner, loser}, winner)

	if a.closed {
		t.Fatal("winner's link should not be closed")
	}
	if !b.closed {
		t.Fatal("loser's link should be closed")
	}
}

func TestTeardownLosersNilWinner(t *testing.T) {
	a := &closeCounter{}
	b := &closeCounter{}
	lanes := []*Lane{{Index: 0, Link: a}, {Index: 1, Link: b}}

	teardownLosers(lanes, nil)

	if !a.closed || !b.closed {
		t.Fatal("all lanes should be torn down when there is no winner")
	}
}

type closeCounter struct {
	closed bool
}

func (c *closeCounter) Close() error {
	c.closed = true
	return nil
}
