package descriptor

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RelayInfo contains the parsed relay descriptor fields needed for ntor handshake.
type RelayInfo struct {
	NodeID       [20]byte // SHA-1 of relay's RSA identity key
	NtorOnionKey [32]byte // Curve25519 public key
	Ed25519ID    [32]byte // master-key-ed25519, when present
	HasEd25519   bool
	Address      string // IP address
	ORPort       uint16 // OR port
	Fingerprint  string // Hex fingerprint string (uppercase, no spaces)
}

// FetchDescriptor fetches a relay's server descriptor from a Tor directory authority
// and parses the fields needed for ntor handshake.
//
// TODO SECURITY: Descriptors are fetched over plaintext HTTP and not signature-verified.
// The Tor spec requires verifying the router-signature (RSA) before trusting descriptor fields.
// Currently, a MITM on the HTTP connection could substitute ntor keys, but this would cause
// the ntor AUTH check to fail (the real relay won't produce valid AUTH for substituted keys).
// Full descriptor signature verification will be implemented in M5 (directory bootstrap).
func FetchDescriptor(dirAddr string, fingerprint string) (*RelayInfo, error) {
	url := fmt.Sprintf("http://%s/tor/server/fp/%s", dirAddr, fingerprint)
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true, // Tor directory servers mishandle Accept-Encoding
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch descriptor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("fetch descriptor: HTTP %d", resp.StatusCode)
	}

	// Limit body to 1MB to prevent abuse from malicious dir authorities
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read descriptor body: %w", err)
	}

	return ParseDescriptor(string(body))
}

// ParseDescriptors splits a batch response from /tor/server/fp/<fp+fp+...>
// (one or more concatenated "router ... router-signature ..." blocks) and
// parses each into a RelayInfo. A malformed block is skipped, not fatal,
// so one bad relay in a 512-fingerprint batch does not sink the rest.
func ParseDescriptors(text string) []*RelayInfo {
	var infos []*RelayInfo
	var block strings.Builder
	flush := func() {
		if block.Len() == 0 {
			return
		}
		if info, err := ParseDescriptor(block.String()); err == nil {
			infos = append(infos, info)
		}
		block.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "router ") && block.Len() > 0 {
			flush()
		}
		block.WriteString(line)
		block.WriteByte('\n')
	}
	flush()
	return infos
}

// ParseDescriptor parses a relay server descriptor text and extracts RelayInfo.
func ParseDescriptor(text string) (*RelayInfo, error) {
	info := &RelayInfo{}
	var hasRouter, hasFingerprint, hasNtorKey bool
	var inEd25519Cert bool
	var certLines []string

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)

		if inEd25519Cert {
			if line == "-----END ED25519 CERT-----" {
				inEd25519Cert = false
				if key, ok := parseEd25519CertKey(certLines); ok {
					info.Ed25519ID = key
					info.HasEd25519 = true
				}
				certLines = nil
			} else {
				certLines = append(certLines, line)
			}
			continue
		}
		if line == "-----BEGIN ED25519 CERT-----" {
			inEd25519Cert = true
			continue
		}

		if strings.HasPrefix(line, "router ") {
			// router <nickname> <address> <ORPort> <SOCKSPort> <DirPort>
			parts := strings.Fields(line)
			if len(parts) < 4 {
				return nil, fmt.Errorf("malformed router line: %s", line)
			}
			info.Address = parts[2]
			port, err := strconv.ParseUint(parts[3], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("parse OR port: %w", err)
			}
			info.ORPort = uint16(port)
			hasRouter = true
		}

		if strings.HasPrefix(line, "fingerprint ") {
			// fingerprint XXXX XXXX XXXX XXXX XXXX XXXX XXXX XXXX XXXX XXXX
			fpHex := strings.ReplaceAll(line[len("fingerprint "):], " ", "")
			fpBytes, err := hex.DecodeString(fpHex)
			if err != nil {
				return nil, fmt.Errorf("decode fingerprint: %w", err)
			}
			if len(fpBytes) != 20 {
				return nil, fmt.Errorf("fingerprint wrong length: %d", len(fpBytes))
			}
			copy(info.NodeID[:], fpBytes)
			info.Fingerprint = strings.ToUpper(fpHex)
			hasFingerprint = true
		}

		if strings.HasPrefix(line, "ntor-onion-key ") {
			// ntor-onion-key <base64>
			b64 := strings.TrimSpace(line[len("ntor-onion-key "):])
			// Tor uses base64 without padding
			keyBytes, err := base64.RawStdEncoding.DecodeString(b64)
			if err != nil {
				// Try with standard encoding (with padding)
				keyBytes, err = base64.StdEncoding.DecodeString(b64)
				if err != nil {
					return nil, fmt.Errorf("decode ntor-onion-key: %w", err)
				}
			}
			if len(keyBytes) != 32 {
				return nil, fmt.Errorf("ntor-onion-key wrong length: %d", len(keyBytes))
			}
			copy(info.NtorOnionKey[:], keyBytes)
			hasNtorKey = true
		}
	}

	if !hasRouter {
		return nil, fmt.Errorf("missing router line")
	}
	if !hasFingerprint {
		return nil, fmt.Errorf("missing fingerprint line")
	}
	if !hasNtorKey {
		return nil, fmt.Errorf("missing ntor-onion-key line")
	}

	return info, nil
}

// parseEd25519CertKey extracts the relay's Ed25519 master identity key
// (the key the master-key-ed25519 line repeats) from a base64-encoded
// identity-ed25519 cert block. That key is carried in the cert's
// signed-with-ed25519-key extension (type 0x04); the cert's certified_key
// is the relay's signing key and is not returned.
// Cert layout: version(1) | type(1) | expiration(4) | key_type(1) | certified_key(32) | n_ext(1) | extensions | signature(64)
// Extension: ext_len(2) | ext_type(1) | ext_flags(1) | ext_data(ext_len)
func parseEd25519CertKey(lines []string) ([32]byte, bool) {
	var key [32]byte
	blob := strings.Join(lines, "")
	decoded, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(decoded) < 40 {
		return key, false
	}
	pos := 40
	for n := int(decoded[39]); n > 0 && pos+4 <= len(decoded); n-- {
		extLen := int(decoded[pos])<<8 | int(decoded[pos+1])
		extType := decoded[pos+2]
		pos += 4
		if pos+extLen > len(decoded) {
			break
		}
		if extType == 0x04 && extLen == 32 {
			copy(key[:], decoded[pos:pos+extLen])
			return key, true
		}
		pos += extLen
	}
	return key, false
}
