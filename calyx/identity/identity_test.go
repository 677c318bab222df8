package identity

import (
	"testing"

	"github.com/calyx-net/calyx/calyx/curve"
)

func TestDHMatchesBothDirections(t *testing.T) {
	alice, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	bob, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	ab, err := alice.DH(bob.Public)
	if err != nil {
		t.Fatalf("alice.DH: %v", err)
	}
	ba, err := bob.DH(alice.Public)
	if err != nil {
		t.Fatalf("bob.DH: %v", err)
	}
	if ab != ba {
		t.Fatalf("shared points do not match")
	}
}

func TestNewDerivesSamePublic(t *testing.T) {
	s, _ := curve.NewScalar()
	id := New(s)
	if id.Public != curve.BaseMult(s) {
		t.Fatalf("public key mismatch")
	}
}

func TestFingerprintStable(t *testing.T) {
	id, _ := Generate()
	f1 := Fingerprint(id.Public)
	f2 := Fingerprint(id.Public)
	if f1 != f2 {
		t.Fatalf("fingerprint not stable")
	}
	if len(f1) != 64 {
		t.Fatalf("unexpected fingerprint length %d", len(f1))
	}

	other, _ := Generate()
	if Fingerprint(other.Public) == f1 {
		t.Fatalf("distinct keys produced the same fingerprint")
	}
}
