// Package identity holds the long-lived X25519 identity of a process.
//
// The public key is advertised to peers and checked against authorization
// policy during key agreement; the secret key never leaves the process.
// Identities sign nothing: channel authenticity is implicit in the ability
// to derive the shared key, which keeps conversations repudiable.
package identity

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/calyx-net/calyx/calyx/curve"
)

// Identity is a static X25519 keypair.
type Identity struct {
	secret curve.Scalar
	Public curve.Point
}

// Generate creates a fresh identity.
func Generate() (Identity, error) {
	s, err := curve.NewScalar()
	if err != nil {
		return Identity{}, err
	}
	return Identity{secret: s, Public: curve.BaseMult(s)}, nil
}

// New builds an identity from an existing secret scalar.
func New(secret curve.Scalar) Identity {
	return Identity{secret: secret, Public: curve.BaseMult(secret)}
}

// DH computes secret*peer without exposing the secret scalar.
func (id Identity) DH(peer curve.Point) (curve.Point, error) {
	return curve.Mult(id.secret, peer)
}

// Fingerprint is the stable identifier for a public key:
// hex(SHA-256(point)). Used for logging and authorization-set keys.
func Fingerprint(p curve.Point) string {
	sum := sha256.Sum256(p[:])
	return hex.EncodeToString(sum[:])
}
