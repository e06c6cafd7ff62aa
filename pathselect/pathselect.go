// Package pathselect picks relays for circuit construction. Per the
// module's scope, path-selection policy goes no further than "fast
// relay, weighted by consensus bandwidth, with /16 subnet diversity" —
// there is no guard-node discipline and no separate guard/middle/exit
// role selection here; the racer picks interior hops and a rendezvous
// point from the same pool.
package pathselect

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"

	"github.com/mrosenb/garlic-racer/directory"
)

// SelectFastRelays returns up to n relays flagged Fast+Running+Valid
// with a known ntor key, weighted by consensus bandwidth, enforcing /16
// IPv4 subnet diversity across the returned set (at most one relay per
// distinct /16). If fewer than n distinct-subnet candidates exist, the
// shorter slice is returned rather than an error.
func SelectFastRelays(consensus *directory.Consensus, n int) ([]directory.Relay, error) {
	if n <= 0 {
		return nil, nil
	}

	var candidates []directory.Relay
	var weights []int64
	for _, r := range consensus.Relays {
		if !r.Flags.Fast || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		candidates = append(candidates, r)
		w := r.Bandwidth
		if w <= 0 {
			w = 1
		}
		weights = append(weights, w)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable fast relays found")
	}

	seenSubnets := make(map[string]bool)
	var out []directory.Relay
	remaining := append([]directory.Relay(nil), candidates...)
	remWeights := append([]int64(nil), weights...)

	for len(out) < n && len(remaining) > 0 {
		idx, err := weightedRandom(remWeights)
		if err != nil {
			return nil, err
		}
		pick := remaining[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		remWeights = append(remWeights[:idx], remWeights[idx+1:]...)

		subnet := subnet16(pick.Address)
		if subnet != "" && seenSubnets[subnet] {
			continue
		}
		if subnet != "" {
			seenSubnets[subnet] = true
		}
		out = append(out, pick)
	}

	return out, nil
}

// subnet16 returns the /16 prefix of an IPv4 address as a string.
func subnet16(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", ip4[0], ip4[1])
}

// weightedRandom selects an index proportional to the given weights using crypto/rand.
func weightedRandom(weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("empty weights")
	}

	var total int64
	for _, w := range weights {
		if w < 0 {
			w = 0
		}
		total += w
	}

	if total <= 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(weights))))
		if err != nil {
			return 0, fmt.Errorf("crypto/rand: %w", err)
		}
		return int(n.Int64()), nil
	}

	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	r := n.Int64()

	var cumulative int64
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		cumulative += w
		if r < cumulative {
			return i, nil
		}
	}

	return len(weights) - 1, nil
}
