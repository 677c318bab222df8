// Package nonce provides a process-wide source of unique, strictly
// increasing sequence values used to key fragment encryption.
//
// Every draw from a Source is greater than every previous draw, even under
// concurrent callers. Values are never persisted: channel keys are ephemeral,
// so nonces do not need to survive a restart.
package nonce

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
)

var ErrInvalidNonce = errors.New("nonce: invalid encoding")

// Size is the wire size of an encoded nonce: an 8-byte band counter
// followed by a 32-byte seed.
const Size = 40

// Nonce is a 320-bit sequence value, compared as a big-endian integer.
// Conceptually it is seed + band*2^256: each draw occupies a disjoint
// superincreasing band above the hash-sized seed.
type Nonce [Size]byte

// Compare orders two nonces as big-endian integers.
func (n Nonce) Compare(o Nonce) int {
	return bytes.Compare(n[:], o[:])
}

func (n Nonce) String() string {
	return hex.EncodeToString(n[:8]) + ".." + hex.EncodeToString(n[36:])
}

// Decode parses a wire-encoded nonce.
func Decode(b []byte) (Nonce, error) {
	if len(b) != Size {
		return Nonce{}, ErrInvalidNonce
	}
	var n Nonce
	copy(n[:], b)
	return n, nil
}

// Source hands out unique increasing nonces. Safe for concurrent use.
type Source struct {
	seed [32]byte
	band atomic.Uint64
}

// NewSource seeds a source from the hash of a fresh time-ordered unique
// identifier (UUIDv7).
func NewSource() (*Source, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	s := &Source{seed: sha256.Sum256(id[:])}
	return s, nil
}

// Next returns the next nonce. Each call lands in a fresh band strictly
// above all prior draws; the band index is an atomic increment, so
// concurrent callers never observe the same value.
func (s *Source) Next() Nonce {
	var n Nonce
	binary.BigEndian.PutUint64(n[:8], s.band.Add(1))
	copy(n[8:], s.seed[:])
	return n
}
