// Package fragment encrypts and authenticates individual fragments under a
// channel's shared key.
//
// Each fragment is keyed by (EKey, seq): the keystream and the tag key are
// both derived from the pair, so a seq value must never be reused under the
// same EKey (two ciphertexts under the same pair would XOR to the XOR of
// their plaintexts). The nonce source guarantees seq uniqueness for
// the life of the process, and EKeys die with their channels.
package fragment

import (
	"crypto/subtle"
	"errors"

	"github.com/calyx-net/calyx/calyx/curve"
	"github.com/calyx-net/calyx/calyx/nonce"
)

var ErrAuthentication = errors.New("fragment: authentication tag mismatch")

const (
	encTag  = "calyx/frag-enc"
	authTag = "calyx/frag-auth"
)

// Fragment is the smallest independently encrypted and authenticated unit
// of a larger message. Immutable once constructed.
type Fragment struct {
	Seq        nonce.Nonce
	Ciphertext []byte
	AuthTag    [32]byte
}

func tagFor(key [32]byte, seq nonce.Nonce, ciphertext []byte) [32]byte {
	inner := curve.Hash256([]byte(authTag), key[:], seq[:])
	return curve.Hash256(inner[:], seq[:], ciphertext)
}

// Encrypt builds a fragment for plaintext under (key, seq).
func Encrypt(key [32]byte, seq nonce.Nonce, plaintext []byte) (Fragment, error) {
	ks, err := curve.Keystream(encTag, key, seq[:], len(plaintext))
	if err != nil {
		return Fragment{}, err
	}
	ct := make([]byte, len(plaintext))
	for i := range plaintext {
		ct[i] = plaintext[i] ^ ks[i]
	}
	return Fragment{Seq: seq, Ciphertext: ct, AuthTag: tagFor(key, seq, ct)}, nil
}

// Decrypt verifies the fragment's tag in constant time and recovers the
// plaintext. A tag mismatch yields ErrAuthentication; the caller decides
// whether that drops only the fragment or the whole channel.
func Decrypt(key [32]byte, f Fragment) ([]byte, error) {
	want := tagFor(key, f.Seq, f.Ciphertext)
	if subtle.ConstantTimeCompare(want[:], f.AuthTag[:]) != 1 {
		return nil, ErrAuthentication
	}
	ks, err := curve.Keystream(encTag, key, f.Seq[:], len(f.Ciphertext))
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(f.Ciphertext))
	for i := range f.Ciphertext {
		pt[i] = f.Ciphertext[i] ^ ks[i]
	}
	return pt, nil
}
