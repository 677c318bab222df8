// Package handshake performs the unauthenticated triple-DH key agreement
// that establishes a channel's shared key.
//
// The client sends a fresh ephemeral point A together with its static
// public key C; the server answers with its own ephemeral B and static S.
// Both sides then hash three DH products into the shared key:
//
//	client: EKey = H(a*B || c*B || a*S)
//	server: EKey = H(b*A || b*C || s*A)
//
// The pairs are algebraically equal term by term, so both sides derive the
// identical key without it ever crossing the wire. No signatures are
// produced or checked: only the holder of a matching static secret can
// derive a key that decrypts later traffic, and because everything in the
// transcript is public information, anyone can fabricate one. The protocol
// is deliberately repudiable and offers no non-repudiation guarantee.
// There is no key-confirmation step; a mismatched key simply fails to
// decrypt the first real fragment.
package handshake

import (
	"crypto/rand"
	"errors"
	"io"
	"sync"

	"github.com/calyx-net/calyx/calyx/authz"
	"github.com/calyx-net/calyx/calyx/curve"
	"github.com/calyx-net/calyx/calyx/identity"
	"github.com/calyx-net/calyx/calyx/protocol"
)

var (
	ErrIdentification = errors.New("handshake: invalid curve point or key encoding")
	ErrAuthorization  = errors.New("handshake: peer public key not authorized")
)

// Result is a completed key agreement. Key is the channel's shared secret;
// the caller owns it and must zero it at teardown.
type Result struct {
	ConnectionID protocol.ID
	Key          [32]byte
	PeerStatic   curve.Point
}

func deriveKey(p1, p2, p3 curve.Point) [32]byte {
	return curve.Hash256(p1[:], p2[:], p3[:])
}

func authorized(policy authz.Policy, pub curve.Point) bool {
	return policy == nil || policy.Contains(pub)
}

func newID() (protocol.ID, error) {
	var id protocol.ID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return protocol.ID{}, err
	}
	return id, nil
}

// Client holds the state of one in-flight client-side handshake attempt.
// The ephemeral scalar lives only inside the attempt and is erased when
// the attempt completes or is abandoned.
type Client struct {
	mu     sync.Mutex
	local  identity.Identity
	policy authz.Policy
	eph    curve.Scalar
	ephPub curve.Point
	ephID  protocol.ID
	done   bool
}

// NewClient generates a fresh ephemeral keypair and attempt id.
func NewClient(local identity.Identity, policy authz.Policy) (*Client, error) {
	eph, err := curve.NewScalar()
	if err != nil {
		return nil, err
	}
	id, err := newID()
	if err != nil {
		return nil, err
	}
	return &Client{
		local:  local,
		policy: policy,
		eph:    eph,
		ephPub: curve.BaseMult(eph),
		ephID:  id,
	}, nil
}

// EphemeralID identifies this attempt so the reply can be routed back.
func (c *Client) EphemeralID() protocol.ID { return c.ephID }

// Request builds the opening message.
func (c *Client) Request() protocol.ServerConnect {
	return protocol.ServerConnect{
		ClientEphemeralID: c.ephID,
		EphemeralPub:      c.ephPub,
		StaticPub:         c.local.Public,
	}
}

// Abandon discards the half-open ephemeral key material. Safe to call
// after Complete; no protocol-level abort message is sent.
func (c *Client) Abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abandonLocked()
}

func (c *Client) abandonLocked() {
	c.eph.Zero()
	c.done = true
}

// Complete validates the server's reply and derives the shared key.
func (c *Client) Complete(reply protocol.ConnectReply) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return Result{}, errors.New("handshake: attempt already finished")
	}
	defer c.abandonLocked()

	serverEph, err := curve.ValidatePoint(reply.EphemeralPub[:])
	if err != nil {
		return Result{}, ErrIdentification
	}
	serverStatic, err := curve.ValidatePoint(reply.StaticPub[:])
	if err != nil {
		return Result{}, ErrIdentification
	}
	if !authorized(c.policy, serverStatic) {
		return Result{}, ErrAuthorization
	}

	aB, err := curve.Mult(c.eph, serverEph)
	if err != nil {
		return Result{}, ErrIdentification
	}
	cB, err := c.local.DH(serverEph)
	if err != nil {
		return Result{}, ErrIdentification
	}
	aS, err := curve.Mult(c.eph, serverStatic)
	if err != nil {
		return Result{}, ErrIdentification
	}

	return Result{
		ConnectionID: reply.ConnectionID,
		Key:          deriveKey(aB, cB, aS),
		PeerStatic:   serverStatic,
	}, nil
}

// Respond performs the server half: validate the request, check policy,
// generate an ephemeral pair and a fresh connection id, derive the key and
// build the reply. Errors are terminal for this attempt only.
func Respond(req protocol.ServerConnect, local identity.Identity, policy authz.Policy) (protocol.ConnectReply, Result, error) {
	clientEph, err := curve.ValidatePoint(req.EphemeralPub[:])
	if err != nil {
		return protocol.ConnectReply{}, Result{}, ErrIdentification
	}
	clientStatic, err := curve.ValidatePoint(req.StaticPub[:])
	if err != nil {
		return protocol.ConnectReply{}, Result{}, ErrIdentification
	}
	if !authorized(policy, clientStatic) {
		return protocol.ConnectReply{}, Result{}, ErrAuthorization
	}

	eph, err := curve.NewScalar()
	if err != nil {
		return protocol.ConnectReply{}, Result{}, err
	}
	defer eph.Zero()

	connID, err := newID()
	if err != nil {
		return protocol.ConnectReply{}, Result{}, err
	}

	bA, err := curve.Mult(eph, clientEph)
	if err != nil {
		return protocol.ConnectReply{}, Result{}, ErrIdentification
	}
	bC, err := curve.Mult(eph, clientStatic)
	if err != nil {
		return protocol.ConnectReply{}, Result{}, ErrIdentification
	}
	sA, err := local.DH(clientEph)
	if err != nil {
		return protocol.ConnectReply{}, Result{}, ErrIdentification
	}

	reply := protocol.ConnectReply{
		ClientEphemeralID: req.ClientEphemeralID,
		ConnectionID:      connID,
		EphemeralPub:      curve.BaseMult(eph),
		StaticPub:         local.Public,
	}
	res := Result{
		ConnectionID: connID,
		Key:          deriveKey(bA, bC, sA),
		PeerStatic:   clientStatic,
	}
	return reply, res, nil
}
