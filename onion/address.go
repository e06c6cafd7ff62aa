package onion

import (
	"encoding/base32"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

// DecodeOnion decodes a v3 .onion address and returns the 32-byte Ed25519 public key.
// It validates the checksum, version byte, and rejects keys with torsion components.
func DecodeOnion(address string) ([32]byte, error) {
	var pubkey [32]byte

	// Strip .onion suffix
	address = strings.TrimSuffix(strings.ToLower(address), ".onion")

	// Base32 decode (uppercase for standard base32)
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(address))
	if err != nil {
		return pubkey, &ErrInvalidOnionAddress{Address: address, Reason: fmt.Sprintf("base32 decode: %v", err)}
	}

	// Must be exactly 35 bytes: pubkey(32) + checksum(2) + version(1)
	if len(decoded) != 35 {
		return pubkey, &ErrInvalidOnionAddress{Address: address, Reason: fmt.Sprintf("decoded length %d, expected 35", len(decoded))}
	}

	copy(pubkey[:], decoded[:32])
	checksum := decoded[32:34]
	version := decoded[34]

	// Version must be 0x03
	if version != 0x03 {
		return pubkey, &ErrInvalidOnionAddress{Address: address, Reason: fmt.Sprintf("unsupported version: %d", version)}
	}

	// Verify checksum: SHA3-256(".onion checksum" || pubkey || version)[:2]
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pubkey[:])
	h.Write([]byte{version})
	expectedChecksum := h.Sum(nil)[:2]

	if checksum[0] != expectedChecksum[0] || checksum[1] != expectedChecksum[1] {
		return pubkey, &ErrInvalidOnionAddress{Address: address, Reason: "checksum mismatch"}
	}

	// Validate the public key is a valid Ed25519 point
	point, err := new(edwards25519.Point).SetBytes(pubkey[:])
	if err != nil {
		return pubkey, &ErrInvalidOnionAddress{Address: address, Reason: fmt.Sprintf("invalid ed25519 point: %v", err)}
	}

	// Reject a torsion component: only a point in the prime-order subgroup
	// comes back unchanged after multiplying by 8 and then by 8^-1 mod l.
	var eightBytes [32]byte
	eightBytes[0] = 8
	eight, _ := edwards25519.NewScalar().SetCanonicalBytes(eightBytes[:])
	invEight := edwards25519.NewScalar().Invert(eight)
	cleared := new(edwards25519.Point).MultByCofactor(point)
	if new(edwards25519.Point).ScalarMult(invEight, cleared).Equal(point) != 1 {
		return pubkey, &ErrInvalidOnionAddress{Address: address, Reason: "public key has a torsion component"}
	}

	return pubkey, nil
}
