// Package memory provides an in-process transport. It is useful for
// tests, examples and embedding both ends of a channel in one binary.
//
// Delivery is asynchronous and unordered: every datagram travels on its
// own goroutine, which is exactly the (absence of) guarantee the secure
// channel layer is built for. An optional drop hook simulates loss.
package memory

import (
	"errors"
	"sync"

	"github.com/calyx-net/calyx/calyx/transport"
)

var (
	ErrUnknownAddr = errors.New("memory: no endpoint at address")
	ErrClosed      = errors.New("memory: endpoint closed")
)

// Network connects endpoints by name.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	drop      func(to string, data []byte) bool
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// SetDrop installs a loss hook: return true to discard the datagram.
func (n *Network) SetDrop(f func(to string, data []byte) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = f
}

// Endpoint attaches a new endpoint at addr.
func (n *Network) Endpoint(addr string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep := &Endpoint{net: n, addr: addr}
	n.endpoints[addr] = ep
	return ep
}

func (n *Network) deliver(from, to string, data []byte) error {
	n.mu.RLock()
	ep := n.endpoints[to]
	drop := n.drop
	n.mu.RUnlock()

	if ep == nil {
		return ErrUnknownAddr
	}
	if drop != nil && drop(to, data) {
		return nil
	}

	// Each datagram rides its own goroutine: no ordering guarantee.
	go func() {
		ep.mu.RLock()
		h := ep.handler
		closed := ep.closed
		ep.mu.RUnlock()
		if h != nil && !closed {
			h(from, append([]byte(nil), data...))
		}
	}()
	return nil
}

// Endpoint is one addressable party on a Network.
type Endpoint struct {
	net     *Network
	addr    string
	mu      sync.RWMutex
	handler transport.Handler
	closed  bool
}

var _ transport.Transport = (*Endpoint)(nil)

func (e *Endpoint) Send(addr string, data []byte) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return e.net.deliver(e.addr, addr, data)
}

func (e *Endpoint) SetHandler(h transport.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *Endpoint) LocalAddr() string { return e.addr }

func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.net.mu.Lock()
	delete(e.net.endpoints, e.addr)
	e.net.mu.Unlock()
	return nil
}
