// Package quic adapts QUIC unreliable datagrams to the calyx transport
// interface. Datagrams may be dropped or reordered by the network, which
// matches the delivery model the secure channel layer assumes.
package quic

import (
	"context"
	"errors"
	"sync"

	q "github.com/quic-go/quic-go"

	"github.com/calyx-net/calyx/calyx/transport"
)

var ErrEndpointClosed = errors.New("quic: endpoint closed")

func quicConfig() *q.Config {
	return &q.Config{EnableDatagrams: true}
}

// Endpoint is a datagram transport bound to a local UDP address. It
// accepts inbound QUIC connections and dials outbound ones on demand,
// keeping one connection per remote address.
type Endpoint struct {
	ln     *q.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]*q.Conn
	handler transport.Handler
	closed  bool
}

var _ transport.Transport = (*Endpoint)(nil)

// Listen binds an endpoint to addr (e.g. "[::1]:0").
func Listen(addr string) (*Endpoint, error) {
	tlsConf, err := newSelfSignedTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		ln:     ln,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*q.Conn),
	}
	e.wg.Add(1)
	go e.acceptLoop()
	return e, nil
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.ln.Accept(e.ctx)
		if err != nil {
			return
		}
		e.track(conn)
	}
}

// track registers a connection and starts its datagram read loop.
func (e *Endpoint) track(conn *q.Conn) {
	remote := conn.RemoteAddr().String()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.CloseWithError(0, "endpoint closed")
		return
	}
	if prev, ok := e.conns[remote]; ok && prev != conn {
		_ = prev.CloseWithError(0, "superseded")
	}
	e.conns[remote] = conn
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			data, err := conn.ReceiveDatagram(e.ctx)
			if err != nil {
				e.mu.Lock()
				if e.conns[remote] == conn {
					delete(e.conns, remote)
				}
				e.mu.Unlock()
				return
			}
			e.mu.Lock()
			h := e.handler
			e.mu.Unlock()
			if h != nil {
				h(remote, data)
			}
		}
	}()
}

func (e *Endpoint) connTo(addr string) (*q.Conn, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEndpointClosed
	}
	if conn, ok := e.conns[addr]; ok {
		e.mu.Unlock()
		return conn, nil
	}
	e.mu.Unlock()

	tlsConf, err := newSelfSignedTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := q.DialAddr(e.ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	e.track(conn)
	return conn, nil
}

func (e *Endpoint) Send(addr string, data []byte) error {
	conn, err := e.connTo(addr)
	if err != nil {
		return err
	}
	return conn.SendDatagram(data)
}

func (e *Endpoint) SetHandler(h transport.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *Endpoint) LocalAddr() string {
	return e.ln.Addr().String()
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*q.Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = map[string]*q.Conn{}
	e.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseWithError(0, "endpoint closed")
	}
	e.cancel()
	err := e.ln.Close()
	e.wg.Wait()
	return err
}
