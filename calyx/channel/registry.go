package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calyx-net/calyx/calyx/authz"
	"github.com/calyx-net/calyx/calyx/handshake"
	"github.com/calyx-net/calyx/calyx/identity"
	"github.com/calyx-net/calyx/calyx/nonce"
	"github.com/calyx-net/calyx/calyx/protocol"
)

var (
	ErrRegistryClosed   = errors.New("channel: registry closed")
	ErrHandshakeTimeout = errors.New("channel: handshake timed out")
)

const (
	// DefaultIdleTimeout is how long a channel survives without traffic
	// before its key is erased.
	DefaultIdleTimeout = 20 * time.Second
	// DefaultHandshakeTimeout bounds one handshake attempt.
	DefaultHandshakeTimeout = 10 * time.Second

	seenWindowSize = 1024
)

// Config carries registry tunables. Zero values pick the defaults.
type Config struct {
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	Policy           authz.Policy // nil allows any peer
	Tamper           TamperPolicy
	Logger           *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// SendFunc hands an encoded datagram to the transport. Delivery order is
// not guaranteed and no delivery confirmation exists.
type SendFunc func(addr string, data []byte) error

// entry is the per-address slot: either an in-flight handshake that
// concurrent callers coalesce onto, or an established channel.
type entry struct {
	addr   string
	client *handshake.Client
	timer  *time.Timer
	done   chan struct{}
	ch     *Channel
	err    error
}

// Registry maps remote addresses to live channels, creating them on first
// use. At most one handshake per address is in flight at a time; callers
// asking for the same address share its outcome. Expired or torn-down
// channels are removed, and a later request starts from scratch with fresh
// ephemeral keys.
type Registry struct {
	local identity.Identity
	src   *nonce.Source
	send  SendFunc
	cfg   Config
	log   *zap.Logger

	mu      sync.Mutex
	byAddr  map[string]*entry
	byConn  map[protocol.ID]*Channel
	pending map[protocol.ID]*entry
	closed  bool
}

func NewRegistry(local identity.Identity, src *nonce.Source, send SendFunc, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		local:   local,
		src:     src,
		send:    send,
		cfg:     cfg,
		log:     cfg.Logger,
		byAddr:  make(map[string]*entry),
		byConn:  make(map[protocol.ID]*Channel),
		pending: make(map[protocol.ID]*entry),
	}
}

// GetOrCreate returns the live channel for addr, or performs a handshake
// to establish one. Concurrent callers for the same address are coalesced
// onto the single in-flight attempt; ctx cancellation abandons only this
// caller's wait, not the shared attempt.
func (r *Registry) GetOrCreate(ctx context.Context, addr string) (*Channel, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if e := r.byAddr[addr]; e != nil {
		if e.ch != nil && !e.ch.Closed() {
			r.mu.Unlock()
			return e.ch, nil
		}
		if e.ch == nil && e.err == nil {
			r.mu.Unlock()
			return r.await(ctx, e)
		}
		// Finished with an error or the channel died: start over.
		delete(r.byAddr, addr)
	}

	client, err := handshake.NewClient(r.local, r.cfg.Policy)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	e := &entry{addr: addr, client: client, done: make(chan struct{})}
	r.byAddr[addr] = e
	r.pending[client.EphemeralID()] = e
	// Arm the timeout before the lock drops: finish reads e.timer under
	// r.mu, and a reply can land the moment send returns. finish is
	// idempotent, so a timer firing after resolution is harmless.
	e.timer = time.AfterFunc(r.cfg.HandshakeTimeout, func() {
		r.finish(e, nil, ErrHandshakeTimeout)
	})
	r.mu.Unlock()

	if err := r.send(addr, client.Request().Encode()); err != nil {
		r.finish(e, nil, err)
		return nil, err
	}

	return r.await(ctx, e)
}

func (r *Registry) await(ctx context.Context, e *entry) (*Channel, error) {
	select {
	case <-e.done:
		return e.ch, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish resolves a pending handshake exactly once.
func (r *Registry) finish(e *entry, ch *Channel, err error) {
	r.mu.Lock()
	select {
	case <-e.done:
		r.mu.Unlock()
		return
	default:
	}
	e.ch, e.err = ch, err
	delete(r.pending, e.client.EphemeralID())
	if err != nil {
		e.client.Abandon()
		if r.byAddr[e.addr] == e {
			delete(r.byAddr, e.addr)
		}
		r.log.Debug("handshake failed", zap.String("peer", e.addr), zap.Error(err))
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.done)
	r.mu.Unlock()
}

// HandleReply routes a connect reply to the attempt awaiting it. Replies
// that match no pending attempt are ignored.
func (r *Registry) HandleReply(reply protocol.ConnectReply) {
	r.mu.Lock()
	e := r.pending[reply.ClientEphemeralID]
	delete(r.pending, reply.ClientEphemeralID)
	r.mu.Unlock()
	if e == nil {
		r.log.Debug("connect reply matched no pending handshake")
		return
	}

	res, err := e.client.Complete(reply)
	if err != nil {
		r.finish(e, nil, err)
		return
	}
	ch := r.install(e.addr, res)
	r.finish(e, ch, nil)
}

// Respond handles an inbound handshake request as the server side. The
// resulting channel is installed immediately; the reply must be sent back
// to the requester by the caller.
func (r *Registry) Respond(from string, req protocol.ServerConnect) (protocol.ConnectReply, error) {
	reply, res, err := handshake.Respond(req, r.local, r.cfg.Policy)
	if err != nil {
		r.log.Warn("rejected handshake request", zap.String("peer", from), zap.Error(err))
		return protocol.ConnectReply{}, err
	}
	r.install(from, res)
	return reply, nil
}

// install registers an established channel and arms its idle timer.
func (r *Registry) install(addr string, res handshake.Result) *Channel {
	ch := &Channel{
		id:         res.ConnectionID,
		peerAddr:   addr,
		peerStatic: res.PeerStatic,
		key:        res.Key,
		seen:       newSeenWindow(seenWindowSize),
		src:        r.src,
		tamper:     r.cfg.Tamper,
		onTeardown: r.remove,
		log:        r.log,
	}
	ch.touch()
	ch.expiry = time.AfterFunc(r.cfg.IdleTimeout, func() { r.maybeExpire(ch) })

	r.mu.Lock()
	r.byConn[ch.id] = ch
	if prev := r.byAddr[addr]; prev == nil || prev.ch == nil || prev.ch.Closed() {
		r.byAddr[addr] = &entry{addr: addr, ch: ch, done: closedChan}
	}
	r.mu.Unlock()

	r.log.Info("channel established",
		zap.String("peer", addr),
		zap.String("fingerprint", identity.Fingerprint(res.PeerStatic)))
	return ch
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// maybeExpire fires on the idle timer: if traffic arrived since arming, it
// re-arms for the remainder; otherwise the channel dies and its key is
// erased.
func (r *Registry) maybeExpire(ch *Channel) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	idleFor := time.Since(ch.lastActivity)
	if idleFor < r.cfg.IdleTimeout {
		ch.expiry.Reset(r.cfg.IdleTimeout - idleFor)
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()

	r.log.Info("channel idle, erasing key", zap.String("peer", ch.peerAddr))
	ch.Teardown()
}

// remove detaches a torn-down channel from the lookup maps.
func (r *Registry) remove(ch *Channel) {
	r.mu.Lock()
	delete(r.byConn, ch.id)
	if e := r.byAddr[ch.peerAddr]; e != nil && e.ch == ch {
		delete(r.byAddr, ch.peerAddr)
	}
	r.mu.Unlock()
}

// ByConnection demultiplexes inbound traffic to its channel.
func (r *Registry) ByConnection(id protocol.ID) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byConn[id]
	return ch, ok
}

// Len reports the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

// Close tears down every channel and fails all pending handshakes.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := make([]*entry, 0, len(r.pending))
	for _, e := range r.pending {
		pending = append(pending, e)
	}
	channels := make([]*Channel, 0, len(r.byConn))
	for _, ch := range r.byConn {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, e := range pending {
		r.finish(e, nil, ErrRegistryClosed)
	}
	for _, ch := range channels {
		ch.Teardown()
	}
}
