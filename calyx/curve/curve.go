package curve

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidPoint  = errors.New("curve: invalid point encoding")
	ErrInvalidScalar = errors.New("curve: invalid scalar encoding")
)

const (
	// PointSize is the wire size of an encoded curve point.
	PointSize = 32
	// ScalarSize is the wire size of an encoded scalar.
	ScalarSize = 32
)

// Point is an encoded X25519 curve point.
type Point [PointSize]byte

// Scalar is a clamped X25519 scalar.
type Scalar [ScalarSize]byte

// NewScalar generates a fresh random scalar, clamped per RFC 7748.
func NewScalar() (Scalar, error) {
	var s Scalar
	if _, err := io.ReadFull(rand.Reader, s[:]); err != nil {
		return Scalar{}, err
	}
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
	return s, nil
}

// BaseMult computes s*G.
func BaseMult(s Scalar) Point {
	var p Point
	curve25519.ScalarBaseMult((*[32]byte)(&p), (*[32]byte)(&s))
	return p
}

// Mult computes s*p. Low-order peer points produce an all-zero shared
// output, which X25519 rejects; that surfaces here as ErrInvalidPoint.
func Mult(s Scalar, p Point) (Point, error) {
	out, err := curve25519.X25519(s[:], p[:])
	if err != nil {
		return Point{}, ErrInvalidPoint
	}
	var r Point
	copy(r[:], out)
	return r, nil
}

// ValidatePoint checks that b is a plausible encoded curve point.
// The all-zero encoding is never a valid public value.
func ValidatePoint(b []byte) (Point, error) {
	if len(b) != PointSize {
		return Point{}, ErrInvalidPoint
	}
	var p Point
	copy(p[:], b)
	var zero Point
	if p == zero {
		return Point{}, ErrInvalidPoint
	}
	return p, nil
}

// Zero erases the scalar. Called once ephemeral key material is no
// longer needed.
func (s *Scalar) Zero() {
	for i := range s {
		s[i] = 0
	}
}

// Hash256 returns the SHA-256 digest of the concatenated inputs.
func Hash256(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Keystream derives a pseudorandom keystream of n bytes bound to
// (tag, key, nonce). A per-nonce subkey is expanded with HKDF-SHA256 and
// fed to ChaCha20; the ChaCha20 nonce stays zero because the subkey is
// already unique per (key, nonce) pair.
func Keystream(tag string, key [32]byte, nonce []byte, n int) ([]byte, error) {
	info := make([]byte, 0, len(tag)+len(nonce))
	info = append(info, tag...)
	info = append(info, nonce...)

	subkey := make([]byte, chacha20.KeySize)
	hk := hkdf.New(sha256.New, key[:], nil, info)
	if _, err := io.ReadFull(hk, subkey); err != nil {
		return nil, err
	}

	c, err := chacha20.NewUnauthenticatedCipher(subkey, make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	c.XORKeyStream(out, out)
	return out, nil
}
