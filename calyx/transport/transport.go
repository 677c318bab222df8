// Package transport abstracts the asynchronous message-passing substrate
// channels run over. Datagrams are delivered at most once, in no
// particular order; the secure-channel layer assumes nothing stronger.
package transport

// Handler receives one inbound datagram. Called from transport-owned
// goroutines; implementations must be safe for concurrent invocation.
type Handler func(from string, data []byte)

// Transport sends opaque datagrams to remote addresses and delivers
// inbound datagrams to a handler.
type Transport interface {
	Send(addr string, data []byte) error
	// SetHandler installs the delivery callback. Must be called before
	// the first datagram can arrive.
	SetHandler(h Handler)
	LocalAddr() string
	Close() error
}
