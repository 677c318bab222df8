package channel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/calyx-net/calyx/calyx/fragment"
	"github.com/calyx-net/calyx/calyx/handshake"
	"github.com/calyx-net/calyx/calyx/identity"
	"github.com/calyx-net/calyx/calyx/nonce"
	"go.uber.org/zap"
)

// establishedPair wires a client and server channel directly through the
// handshake, with no transport in between.
func establishedPair(t *testing.T, tamper TamperPolicy) (*Channel, *Channel) {
	t.Helper()

	clientID, _ := identity.Generate()
	serverID, _ := identity.Generate()
	src, err := nonce.NewSource()
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	hc, err := handshake.NewClient(clientID, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	reply, serverRes, err := handshake.Respond(hc.Request(), serverID, nil)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	clientRes, err := hc.Complete(reply)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	mk := func(res handshake.Result, addr string) *Channel {
		ch := &Channel{
			id:         res.ConnectionID,
			peerAddr:   addr,
			peerStatic: res.PeerStatic,
			key:        res.Key,
			seen:       newSeenWindow(seenWindowSize),
			src:        src,
			tamper:     tamper,
			log:        zap.NewNop(),
		}
		ch.touch()
		return ch
	}
	return mk(clientRes, "server"), mk(serverRes, "client")
}

func TestSealOpenRoundTrip(t *testing.T) {
	client, server := establishedPair(t, TamperDrop)

	msg := []byte("one fragment of plaintext")
	tr, err := client.Seal(msg)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := server.Open(tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("round trip mismatch")
	}
}

func TestOpenOutOfOrder(t *testing.T) {
	client, server := establishedPair(t, TamperDrop)

	t1, _ := client.Seal([]byte("first"))
	t2, _ := client.Seal([]byte("second"))
	t3, _ := client.Seal([]byte("third"))
	if !(t1.Seq.Compare(t2.Seq) < 0 && t2.Seq.Compare(t3.Seq) < 0) {
		t.Fatalf("seq values not increasing")
	}

	// Deliver s3, s1, s2.
	pt3, err := server.Open(t3)
	if err != nil || string(pt3) != "third" {
		t.Fatalf("Open t3: %v %q", err, pt3)
	}
	pt1, err := server.Open(t1)
	if err != nil || string(pt1) != "first" {
		t.Fatalf("Open t1: %v %q", err, pt1)
	}
	pt2, err := server.Open(t2)
	if err != nil || string(pt2) != "second" {
		t.Fatalf("Open t2: %v %q", err, pt2)
	}
}

func TestOpenDuplicateSeqDropped(t *testing.T) {
	client, server := establishedPair(t, TamperDrop)

	tr, _ := client.Seal([]byte("once only"))
	if _, err := server.Open(tr); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := server.Open(tr); err != ErrReplayedSeq {
		t.Fatalf("expected ErrReplayedSeq, got %v", err)
	}
}

func TestOpenTamperedLenient(t *testing.T) {
	client, server := establishedPair(t, TamperDrop)

	tr, _ := client.Seal([]byte("will be mangled"))
	tr.Ciphertext[0] ^= 0xff
	if _, err := server.Open(tr); !errors.Is(err, fragment.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if server.Closed() {
		t.Fatalf("lenient policy must keep the channel")
	}

	// Channel still works for good fragments.
	tr2, _ := client.Seal([]byte("still fine"))
	if _, err := server.Open(tr2); err != nil {
		t.Fatalf("Open after dropped fragment: %v", err)
	}
}

func TestOpenTamperedStrict(t *testing.T) {
	client, server := establishedPair(t, TamperTeardown)

	tr, _ := client.Seal([]byte("will be mangled"))
	tr.AuthTag[0] ^= 0x01
	if _, err := server.Open(tr); !errors.Is(err, fragment.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if !server.Closed() {
		t.Fatalf("strict policy must tear the channel down")
	}
	if _, err := server.Open(tr); err != ErrChannelClosed {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestTeardownZeroesKey(t *testing.T) {
	client, _ := establishedPair(t, TamperDrop)

	client.Teardown()
	var zero [32]byte
	if client.key != zero {
		t.Fatalf("teardown left key material behind")
	}
	if _, err := client.Seal([]byte("x")); err != ErrChannelClosed {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	// Idempotent.
	client.Teardown()
}

func TestSeenWindowEvicts(t *testing.T) {
	w := newSeenWindow(4)
	src, _ := nonce.NewSource()

	first := src.Next()
	if !w.observe(first) {
		t.Fatalf("fresh nonce rejected")
	}
	if w.observe(first) {
		t.Fatalf("duplicate accepted")
	}
	for i := 0; i < 4; i++ {
		w.observe(src.Next())
	}
	// first has been evicted; re-observing it is accepted again. The
	// window is best-effort replay detection, not a hard guarantee.
	if !w.observe(first) {
		t.Fatalf("evicted nonce should be accepted again")
	}
}
