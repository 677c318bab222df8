// Package channel manages live secure sessions and their lifecycle: one
// shared key per channel, established on demand, erased after idleness.
package channel

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calyx-net/calyx/calyx/curve"
	"github.com/calyx-net/calyx/calyx/fragment"
	"github.com/calyx-net/calyx/calyx/nonce"
	"github.com/calyx-net/calyx/calyx/protocol"
)

var (
	ErrChannelClosed = errors.New("channel: closed")
	ErrReplayedSeq   = errors.New("channel: duplicate fragment seq")
)

// TamperPolicy controls what a fragment authentication failure does to the
// owning channel. The upstream behavior is unresolved, so both modes are
// offered; the default keeps the channel usable.
type TamperPolicy int

const (
	// TamperDrop discards the offending fragment and keeps the channel.
	TamperDrop TamperPolicy = iota
	// TamperTeardown erases the channel key on the first bad tag.
	TamperTeardown
)

// seenWindow remembers recently observed seq values so duplicates can be
// flagged as replay candidates. Seq values are never legitimately reused,
// so the window only needs to be large enough to cover recent traffic.
type seenWindow struct {
	set  map[nonce.Nonce]struct{}
	ring []nonce.Nonce
	next int
}

func newSeenWindow(capacity int) *seenWindow {
	return &seenWindow{
		set:  make(map[nonce.Nonce]struct{}, capacity),
		ring: make([]nonce.Nonce, capacity),
	}
}

func (w *seenWindow) observe(n nonce.Nonce) bool {
	if _, dup := w.set[n]; dup {
		return false
	}
	old := w.ring[w.next]
	if _, ok := w.set[old]; ok {
		delete(w.set, old)
	}
	w.ring[w.next] = n
	w.next = (w.next + 1) % len(w.ring)
	w.set[n] = struct{}{}
	return true
}

// Channel is one live secure session: a shared key, the peer's connection
// id and address, and the time of last traffic. The key exists only in
// memory and only while the channel lives; teardown zeroes it, after which
// prior traffic is permanently undecryptable even to the participants.
type Channel struct {
	mu           sync.Mutex
	id           protocol.ID
	peerAddr     string
	peerStatic   curve.Point
	key          [32]byte
	lastActivity time.Time
	closed       bool
	seen         *seenWindow
	src          *nonce.Source
	tamper       TamperPolicy
	onTeardown   func(*Channel)
	expiry       *time.Timer
	log          *zap.Logger
}

func (c *Channel) ID() protocol.ID         { return c.id }
func (c *Channel) PeerAddr() string        { return c.peerAddr }
func (c *Channel) PeerStatic() curve.Point { return c.peerStatic }

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// touch records traffic; the idle timer consults lastActivity when it
// fires, so no reset is needed here.
func (c *Channel) touch() {
	c.lastActivity = time.Now()
}

// Seal encrypts one plaintext piece into a traffic message under a fresh
// seq drawn from the process nonce source.
func (c *Channel) Seal(plaintext []byte) (protocol.Traffic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.Traffic{}, ErrChannelClosed
	}
	seq := c.src.Next()
	f, err := fragment.Encrypt(c.key, seq, plaintext)
	if err != nil {
		return protocol.Traffic{}, err
	}
	c.touch()
	return protocol.Traffic{
		ConnectionID: c.id,
		Seq:          f.Seq,
		AuthTag:      f.AuthTag,
		Ciphertext:   f.Ciphertext,
	}, nil
}

// Open authenticates and decrypts one inbound traffic message. A bad tag
// drops the fragment; under TamperTeardown it also kills the channel. A
// duplicate seq is never legitimate and is dropped as a replay candidate.
func (c *Channel) Open(t protocol.Traffic) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	pt, err := fragment.Decrypt(c.key, fragment.Fragment{
		Seq:        t.Seq,
		Ciphertext: t.Ciphertext,
		AuthTag:    t.AuthTag,
	})
	if err != nil {
		tearDown := c.tamper == TamperTeardown
		c.mu.Unlock()
		if tearDown {
			c.log.Warn("fragment failed authentication, tearing channel down",
				zap.String("peer", c.peerAddr))
			c.Teardown()
		} else {
			c.log.Warn("fragment failed authentication, dropped",
				zap.String("peer", c.peerAddr))
		}
		return nil, err
	}
	if !c.seen.observe(t.Seq) {
		c.mu.Unlock()
		c.log.Warn("duplicate fragment seq, possible replay",
			zap.String("peer", c.peerAddr), zap.String("seq", t.Seq.String()))
		return nil, ErrReplayedSeq
	}
	c.touch()
	c.mu.Unlock()
	return pt, nil
}

// Teardown erases the shared key and detaches the channel from its
// registry. Idempotent.
func (c *Channel) Teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for i := range c.key {
		c.key[i] = 0
	}
	if c.expiry != nil {
		c.expiry.Stop()
	}
	cb := c.onTeardown
	c.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}
