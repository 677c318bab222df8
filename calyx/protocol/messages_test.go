package protocol

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/calyx-net/calyx/calyx/curve"
	"github.com/calyx-net/calyx/calyx/nonce"
)

func randomID(t *testing.T) ID {
	t.Helper()
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return id
}

func TestServerConnectRoundTrip(t *testing.T) {
	s, _ := curve.NewScalar()
	c, _ := curve.NewScalar()
	in := ServerConnect{
		ClientEphemeralID: randomID(t),
		EphemeralPub:      curve.BaseMult(s),
		StaticPub:         curve.BaseMult(c),
	}

	out, err := Decode(in.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := out.(ServerConnect)
	if !ok {
		t.Fatalf("expected ServerConnect, got %T", out)
	}
	if got != in {
		t.Fatalf("round trip mismatch")
	}
}

func TestConnectReplyRoundTrip(t *testing.T) {
	s, _ := curve.NewScalar()
	in := ConnectReply{
		ClientEphemeralID: randomID(t),
		ConnectionID:      randomID(t),
		EphemeralPub:      curve.BaseMult(s),
		StaticPub:         curve.BaseMult(s),
	}

	out, err := Decode(in.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := out.(ConnectReply); got != in {
		t.Fatalf("round trip mismatch")
	}
}

func TestTrafficRoundTrip(t *testing.T) {
	src, _ := nonce.NewSource()
	in := Traffic{
		ConnectionID: randomID(t),
		Seq:          src.Next(),
		Ciphertext:   []byte("opaque fragment bytes"),
	}
	copy(in.AuthTag[:], bytes.Repeat([]byte{0xab}, 32))

	out, err := Decode(in.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := out.(Traffic)
	if got.ConnectionID != in.ConnectionID || got.Seq != in.Seq || got.AuthTag != in.AuthTag {
		t.Fatalf("header mismatch")
	}
	if !bytes.Equal(got.Ciphertext, in.Ciphertext) {
		t.Fatalf("ciphertext mismatch")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{byte(TypeServerConnect), 1, 2, 3},
		{byte(TypeConnectReply)},
		{byte(TypeTraffic), 0},
		{99, 1, 2, 3},
	}
	for i, c := range cases {
		if _, err := Decode(c); !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("case %d: expected ErrProtocolViolation, got %v", i, err)
		}
	}
}

func TestDecodeRejectsOversizedHandshake(t *testing.T) {
	s, _ := curve.NewScalar()
	in := ServerConnect{EphemeralPub: curve.BaseMult(s), StaticPub: curve.BaseMult(s)}
	raw := append(in.Encode(), 0x00)
	if _, err := Decode(raw); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation for trailing bytes, got %v", err)
	}
}
