package wallet

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeyDeriver maps (seed, index) to a signing key. The mapping must be
// deterministic and stable: the same seed and index always yield the same
// address. Mnemonic-based derivation can be plugged in from outside; the
// engine only depends on this interface.
type KeyDeriver interface {
	Derive(seed []byte, index uint32) (*ecdsa.PrivateKey, error)
}

// HashDeriver derives keys as keccak256(seed || index). If the digest falls
// outside the secp256k1 scalar range it is hashed again until it fits.
type HashDeriver struct{}

func (HashDeriver) Derive(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)

	digest := crypto.Keccak256(seed, idx[:])
	for attempt := 0; attempt < 8; attempt++ {
		key, err := crypto.ToECDSA(digest)
		if err == nil {
			return key, nil
		}
		digest = crypto.Keccak256(digest)
	}
	return nil, fmt.Errorf("derive key for index %d: digest never fit the curve", index)
}

// DecodeSeed parses a hex seed string, with or without 0x prefix.
func DecodeSeed(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("empty seed")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return raw, nil
}
