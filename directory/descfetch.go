package directory

import (
	"bytes"
	"compress/zlib"
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/mrosenb/garlic-racer/descriptor"
)

// routerDescriptorBatchSize is the number of fingerprints requested per
// /tor/server/fp/ batch, per source spec §4.3.
const routerDescriptorBatchSize = 512

// maxDescriptorFetchRetries bounds how many different directory relays
// are tried per batch before giving up on it.
const maxDescriptorFetchRetries = 3

// UpdateRelaysWithDescriptors fetches full router descriptors (not
// microdescriptors) for relays missing an ntor onion key, batching up to
// 512 fingerprints per request against relays with an open DirPort, and
// merges NtorOnionKey/Ed25519ID back onto the matching Relay.
func UpdateRelaysWithDescriptors(consensus *Consensus) error {
	dirRelays := dirPortRelays(consensus.Relays)
	if len(dirRelays) == 0 {
		return &ErrDirectoryUnavailable{Operation: "fetch router descriptors", Cause: fmt.Errorf("no relay in consensus has an open DirPort")}
	}

	fpToIdx := make(map[string]int)
	var fingerprints []string
	for i, r := range consensus.Relays {
		if r.HasNtorKey {
			continue
		}
		fp := strings.ToUpper(hex.EncodeToString(r.Identity[:]))
		fpToIdx[fp] = i
		fingerprints = append(fingerprints, fp)
	}
	if len(fingerprints) == 0 {
		return nil
	}

	for i := 0; i < len(fingerprints); i += routerDescriptorBatchSize {
		end := i + routerDescriptorBatchSize
		if end > len(fingerprints) {
			end = len(fingerprints)
		}
		batch := fingerprints[i:end]

		var lastErr error
		for attempt := 0; attempt < maxDescriptorFetchRetries; attempt++ {
			relay := dirRelays[attempt%len(dirRelays)]
			addr := fmt.Sprintf("%s:%d", relay.Address, relay.DirPort)
			infos, err := fetchDescriptorBatch(addr, batch)
			if err != nil {
				lastErr = err
				continue
			}
			for _, info := range infos {
				idx, ok := fpToIdx[info.Fingerprint]
				if !ok {
					continue
				}
				consensus.Relays[idx].NtorOnionKey = info.NtorOnionKey
				consensus.Relays[idx].HasNtorKey = true
				if info.HasEd25519 {
					consensus.Relays[idx].Ed25519ID = info.Ed25519ID
					consensus.Relays[idx].HasEd25519 = true
				}
			}
			lastErr = nil
			break
		}
		if lastErr != nil {
			return &ErrDirectoryUnavailable{Operation: "fetch router descriptor batch", Cause: lastErr}
		}
	}

	return nil
}

func fetchDescriptorBatch(dirAddr string, fingerprints []string) ([]*descriptor.RelayInfo, error) {
	url := fmt.Sprintf("http://%s/tor/server/fp/%s.z", dirAddr, strings.Join(fingerprints, "+"))
	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true,
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch descriptor batch from %s: %w", dirAddr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch descriptor batch from %s: HTTP %d", dirAddr, resp.StatusCode)
	}

	compressed, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read descriptor batch from %s: %w", dirAddr, err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, &CompressionError{Addr: dirAddr, Cause: err}
	}
	defer func() { _ = zr.Close() }()

	body, err := io.ReadAll(io.LimitReader(zr, 64*1024*1024))
	if err != nil {
		return nil, &CompressionError{Addr: dirAddr, Cause: err}
	}

	infos := descriptor.ParseDescriptors(string(body))
	if len(infos) == 0 {
		return nil, fmt.Errorf("no descriptors parsed from batch response (%d bytes)", len(body))
	}
	return infos, nil
}

// dirPortRelays returns relays with a usable directory port, shuffled so
// repeated callers don't hammer the same relay.
func dirPortRelays(relays []Relay) []Relay {
	var out []Relay
	for _, r := range relays {
		if r.DirPort != 0 && r.Flags.Running && r.Flags.Valid {
			out = append(out, r)
		}
	}
	shuffleRelays(out)
	return out
}

func shuffleRelays(relays []Relay) {
	for i := len(relays) - 1; i > 0; i-- {
		jBig, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(jBig.Int64())
		relays[i], relays[j] = relays[j], relays[i]
	}
}
