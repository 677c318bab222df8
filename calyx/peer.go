package calyx

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calyx-net/calyx/calyx/authz"
	"github.com/calyx-net/calyx/calyx/channel"
	"github.com/calyx-net/calyx/calyx/curve"
	"github.com/calyx-net/calyx/calyx/identity"
	"github.com/calyx-net/calyx/calyx/nonce"
	"github.com/calyx-net/calyx/calyx/payload"
	"github.com/calyx-net/calyx/calyx/protocol"
	"github.com/calyx-net/calyx/calyx/transport"
)

// Handler receives one reassembled inbound message.
type Handler func(from string, message []byte)

// DefaultReassemblyTimeout is how long a partially received message may
// wait for its missing pieces before its state is released.
const DefaultReassemblyTimeout = 30 * time.Second

// Config tunes a Peer. Zero values pick defaults.
type Config struct {
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	Policy           authz.Policy // nil allows any peer
	Tamper           channel.TamperPolicy

	PieceSize          int
	Compression        payload.CompressionLevel
	DisableCompression bool
	ParityPieces       int
	ReassemblyTimeout  time.Duration

	Logger *zap.Logger
}

// Peer is a high-level helper that combines transport, channel registry
// and payload pipeline. It intentionally stays small so applications can
// customize addressing and higher-level behavior.
type Peer struct {
	id    identity.Identity
	tr    transport.Transport
	reg   *channel.Registry
	split *payload.Splitter
	asm   *payload.Reassembler
	log   *zap.Logger

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	handler Handler
}

// NewPeer wires a peer onto a transport. The peer installs itself as the
// transport's handler.
func NewPeer(id identity.Identity, tr transport.Transport, cfg Config) (*Peer, error) {
	src, err := nonce.NewSource()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReassemblyTimeout <= 0 {
		cfg.ReassemblyTimeout = DefaultReassemblyTimeout
	}

	p := &Peer{
		id: id,
		tr: tr,
		reg: channel.NewRegistry(id, src, tr.Send, channel.Config{
			IdleTimeout:      cfg.IdleTimeout,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Policy:           cfg.Policy,
			Tamper:           cfg.Tamper,
			Logger:           log,
		}),
		split: payload.NewSplitter(payload.Config{
			PieceSize:          cfg.PieceSize,
			Compression:        cfg.Compression,
			DisableCompression: cfg.DisableCompression,
			ParityPieces:       cfg.ParityPieces,
		}),
		asm:  payload.NewReassembler(),
		log:  log,
		done: make(chan struct{}),
	}
	tr.SetHandler(p.receive)
	go p.pruneLoop(cfg.ReassemblyTimeout)
	return p, nil
}

// pruneLoop releases reassembly state for messages whose remaining
// pieces never arrived, so loss on the wire cannot grow memory without
// bound.
func (p *Peer) pruneLoop(maxAge time.Duration) {
	t := time.NewTicker(maxAge / 2)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			if n := p.asm.Prune(maxAge); n > 0 {
				p.log.Debug("dropped stale partial messages", zap.Int("count", n))
			}
		}
	}
}

// PendingMessages reports how many partially received messages are
// waiting for more pieces.
func (p *Peer) PendingMessages() int { return p.asm.Pending() }

// PublicKey is the peer's advertised static key.
func (p *Peer) PublicKey() curve.Point { return p.id.Public }

// SetHandler installs the inbound message callback.
func (p *Peer) SetHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Connect returns the live channel to addr, establishing one if needed.
// Most callers can just use Send; Connect is for warming up a channel or
// inspecting the peer's static key.
func (p *Peer) Connect(ctx context.Context, addr string) (*channel.Channel, error) {
	return p.reg.GetOrCreate(ctx, addr)
}

// Send delivers one message to the peer at addr: the payload is split
// into pieces and each piece crosses the wire as an independently
// encrypted fragment. Ordering across fragments is not guaranteed; the
// remote side reassembles.
func (p *Peer) Send(ctx context.Context, addr string, message []byte) error {
	ch, err := p.reg.GetOrCreate(ctx, addr)
	if err != nil {
		return err
	}
	pieces, err := p.split.Split(message)
	if err != nil {
		return err
	}
	for _, piece := range pieces {
		tr, err := ch.Seal(piece.Encode())
		if err != nil {
			return err
		}
		if err := p.tr.Send(addr, tr.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// receive dispatches one inbound datagram. Handshake errors are terminal
// for that attempt only; malformed datagrams and failed fragments are
// dropped without affecting other channels.
func (p *Peer) receive(from string, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		p.log.Debug("dropping undecodable datagram",
			zap.String("from", from), zap.Error(err))
		return
	}

	switch msg := m.(type) {
	case protocol.ServerConnect:
		reply, err := p.reg.Respond(from, msg)
		if err != nil {
			return // logged by the registry
		}
		if err := p.tr.Send(from, reply.Encode()); err != nil {
			p.log.Warn("failed to send connect reply",
				zap.String("to", from), zap.Error(err))
		}

	case protocol.ConnectReply:
		p.reg.HandleReply(msg)

	case protocol.Traffic:
		ch, ok := p.reg.ByConnection(msg.ConnectionID)
		if !ok {
			p.log.Debug("traffic for unknown connection", zap.String("from", from))
			return
		}
		pt, err := ch.Open(msg)
		if err != nil {
			return // logged by the channel
		}
		piece, err := payload.DecodePiece(pt)
		if err != nil {
			p.log.Warn("fragment carried malformed piece",
				zap.String("from", from), zap.Error(err))
			return
		}
		full, done, err := p.asm.Add(piece)
		if err != nil {
			p.log.Warn("reassembly failed",
				zap.String("from", from), zap.Error(err))
			return
		}
		if !done {
			return
		}
		p.mu.RLock()
		h := p.handler
		p.mu.RUnlock()
		if h != nil {
			h(ch.PeerAddr(), full)
		}
	}
}

// Close tears down all channels and the transport. Idempotent.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.reg.Close()
		err = p.tr.Close()
	})
	return err
}
