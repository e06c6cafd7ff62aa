package onion

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/mrosenb/garlic-racer/directory"
)

// hsdirEntry pairs a relay with its computed hash ring index.
type hsdirEntry struct {
	Relay *directory.Relay
	Index [32]byte
}

// SelectHSDirs selects the HSDirs to fetch a descriptor from for the given
// blinded public key and time period, per rend-spec-v3 §2.2.3. The number of
// replicas and the per-replica spread are read from the consensus's
// directory parameters (hsdir_n_replicas, hsdir_spread_store), falling back
// to the rend-spec-v3 defaults when the consensus carries neither.
func SelectHSDirs(consensus *directory.Consensus, blindedKey [32]byte, periodNum, periodLength int64, srv []byte) ([]*directory.Relay, error) {
	if len(srv) == 0 {
		return nil, fmt.Errorf("no shared random value available")
	}

	nReplicas := consensus.Param("hsdir_n_replicas", directory.DefaultHSDirNReplicas)
	spreadStore := consensus.Param("hsdir_spread_store", directory.DefaultHSDirSpreadStore)
	if nReplicas <= 0 {
		nReplicas = directory.DefaultHSDirNReplicas
	}
	if spreadStore <= 0 {
		spreadStore = directory.DefaultHSDirSpreadStore
	}

	// Build the hash ring of HSDir relays.
	var ring []hsdirEntry
	for i := range consensus.Relays {
		r := &consensus.Relays[i]
		if !r.Flags.HSDir || !r.Flags.Running || !r.Flags.Valid || !r.HasEd25519 {
			continue
		}
		idx := relayIndex(r.Ed25519ID[:], srv, periodNum, periodLength)
		ring = append(ring, hsdirEntry{Relay: r, Index: idx})
	}
	if len(ring) == 0 {
		return nil, fmt.Errorf("no HSDir relays in consensus")
	}

	sort.Slice(ring, func(i, j int) bool {
		return bytes.Compare(ring[i].Index[:], ring[j].Index[:]) < 0
	})

	// For each replica, compute the service index and pick hsdir_spread_store
	// relays starting from that position in the ring.
	selected := make(map[*directory.Relay]bool)
	var result []*directory.Relay

	for replica := int64(1); replica <= nReplicas; replica++ {
		svcIdx := serviceIndex(blindedKey, replica, periodLength, periodNum)

		// Find the first relay in the ring whose index >= svcIdx.
		start := sort.Search(len(ring), func(i int) bool {
			return bytes.Compare(ring[i].Index[:], svcIdx[:]) >= 0
		})

		count := int64(0)
		offset := 0
		for count < spreadStore {
			pos := (start + offset) % len(ring)
			offset++
			r := ring[pos].Relay
			if selected[r] {
				continue
			}
			selected[r] = true
			result = append(result, r)
			count++
			if len(selected) >= len(ring) {
				break // exhausted all HSDirs
			}
		}
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("no HSDirs selected")
	}

	// Return the whole candidate list in ring order; PickRandomHSDir picks
	// one of them when a single HSDir is wanted.
	return result, nil
}

// PickRandomHSDir picks a random HSDir from the candidate list.
func PickRandomHSDir(candidates []*directory.Relay) (*directory.Relay, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no HSDir candidates")
	}
	idx, err := uniformRandom(len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// serviceIndex computes hs_service_index per rend-spec-v3 §2.2.3.
// SHA3-256("store-at-idx" | blinded_public_key | INT_8(replicanum) | INT_8(period_length) | INT_8(period_num))
func serviceIndex(blindedKey [32]byte, replicanum, periodLength, periodNum int64) [32]byte {
	h := sha3.New256()
	h.Write([]byte("store-at-idx"))
	h.Write(blindedKey[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(replicanum))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(periodLength))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(periodNum))
	h.Write(buf[:])
	var idx [32]byte
	copy(idx[:], h.Sum(nil))
	return idx
}

// relayIndex computes hs_relay_index per rend-spec-v3 §2.2.3.
// SHA3-256("node-idx" | node_identity | shared_random_value | INT_8(period_num) | INT_8(period_length))
func relayIndex(nodeIdentity, srv []byte, periodNum, periodLength int64) [32]byte {
	h := sha3.New256()
	h.Write([]byte("node-idx"))
	h.Write(nodeIdentity)
	h.Write(srv)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(periodNum))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(periodLength))
	h.Write(buf[:])
	var idx [32]byte
	copy(idx[:], h.Sum(nil))
	return idx
}

// GetSRVForClient returns the appropriate SRV for a client to use, per
// rend-spec-v3 §2.2.4.1:
//
//	srv_start = valid_after - ((floor(valid_after/vi) mod 24) * vi)
//
// If srv_start <= valid_after < next_tp_start_of(srv_start), the previous
// SRV is still authoritative; otherwise the current SRV applies. Unlike an
// hour-of-day heuristic this tracks testing networks where vi != 3600s.
func GetSRVForClient(consensus *directory.Consensus) ([]byte, error) {
	vi := consensus.VotingInterval()
	tpl := consensus.TimePeriodLength()
	validAfter := consensus.ValidAfter.Unix()

	srvStart := srvStartUnix(validAfter, vi)
	nextTP := tpStartUnix(timePeriodNumUnix(srvStart, tpl, vi), tpl, vi)

	usePrevious := validAfter >= srvStart && validAfter < nextTP
	if usePrevious {
		if len(consensus.SharedRandPreviousValue) > 0 {
			return consensus.SharedRandPreviousValue, nil
		}
		if len(consensus.SharedRandCurrentValue) > 0 {
			return consensus.SharedRandCurrentValue, nil
		}
		return nil, fmt.Errorf("no SRV available in consensus")
	}
	if len(consensus.SharedRandCurrentValue) > 0 {
		return consensus.SharedRandCurrentValue, nil
	}
	if len(consensus.SharedRandPreviousValue) > 0 {
		return consensus.SharedRandPreviousValue, nil
	}
	return nil, fmt.Errorf("no SRV available in consensus")
}

// srvStartUnix is srv_start from rend-spec-v3 §2.2.4.1: the start, in Unix
// seconds, of the most recent SRV voting round boundary at or before t.
func srvStartUnix(t, votingIntervalSec int64) int64 {
	return t - ((t/votingIntervalSec)%24)*votingIntervalSec
}

// timePeriodNumUnix is time_period_num evaluated directly on a Unix-seconds
// timestamp rather than a time.Time, so srv_start (itself derived from Unix
// math) can be fed back through the same formula.
func timePeriodNumUnix(t, periodLengthMin, votingIntervalSec int64) int64 {
	offsetMin := 12 * (votingIntervalSec / 60)
	return (t/60 - offsetMin) / periodLengthMin
}

// tpStartUnix is tp_start from rend-spec-v3 §2.2: the Unix-seconds instant
// at which time period tpn+1 begins.
func tpStartUnix(tpn, periodLengthMin, votingIntervalSec int64) int64 {
	return (tpn+1)*periodLengthMin*60 + 12*votingIntervalSec
}

// modulo bias is negligible for 1-byte random over small lists but let's
// be precise: use big.Int for uniform selection if needed.
func uniformRandom(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("n must be positive")
	}
	max := new(big.Int).SetInt64(int64(n))
	r, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return int(r.Int64()), nil
}
