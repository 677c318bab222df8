// Package protocol defines the wire encoding of calyx messages.
//
// Every datagram carries exactly one tagged message. Decoding is strict:
// anything that is not a known variant with the exact field layout is
// rejected at this boundary with ErrProtocolViolation, so the rest of the
// stack only ever sees well-formed shapes.
package protocol

import (
	"errors"
	"fmt"

	"github.com/calyx-net/calyx/calyx/curve"
	"github.com/calyx-net/calyx/calyx/nonce"
)

var ErrProtocolViolation = errors.New("protocol: malformed or unexpected message")

type MessageType uint8

const (
	TypeServerConnect MessageType = 1
	TypeConnectReply  MessageType = 2
	TypeTraffic       MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case TypeServerConnect:
		return "SERVER_CONNECT"
	case TypeConnectReply:
		return "CONNECT_REPLY"
	case TypeTraffic:
		return "TRAFFIC"
	default:
		return "UNKNOWN"
	}
}

// IDSize is the wire size of ephemeral handshake ids and connection ids.
const IDSize = 16

// ID identifies either an in-flight handshake (client ephemeral id) or an
// established channel (connection id). IDs travel in clear and are used for
// demultiplexing only; they carry no authentication weight.
type ID [IDSize]byte

// Message is a decoded wire message.
type Message interface {
	Type() MessageType
	Encode() []byte
}

// ServerConnect opens a handshake. Point fields travel in clear; the
// exchange is unauthenticated by design (see package handshake).
type ServerConnect struct {
	ClientEphemeralID ID
	EphemeralPub      curve.Point
	StaticPub         curve.Point
}

func (ServerConnect) Type() MessageType { return TypeServerConnect }

func (m ServerConnect) Encode() []byte {
	out := make([]byte, 0, 1+IDSize+2*curve.PointSize)
	out = append(out, byte(TypeServerConnect))
	out = append(out, m.ClientEphemeralID[:]...)
	out = append(out, m.EphemeralPub[:]...)
	out = append(out, m.StaticPub[:]...)
	return out
}

// ConnectReply answers a ServerConnect. ClientEphemeralID routes the reply
// back to the continuation awaiting it; ConnectionID names the new channel.
type ConnectReply struct {
	ClientEphemeralID ID
	ConnectionID      ID
	EphemeralPub      curve.Point
	StaticPub         curve.Point
}

func (ConnectReply) Type() MessageType { return TypeConnectReply }

func (m ConnectReply) Encode() []byte {
	out := make([]byte, 0, 1+2*IDSize+2*curve.PointSize)
	out = append(out, byte(TypeConnectReply))
	out = append(out, m.ClientEphemeralID[:]...)
	out = append(out, m.ConnectionID[:]...)
	out = append(out, m.EphemeralPub[:]...)
	out = append(out, m.StaticPub[:]...)
	return out
}

// Traffic is one encrypted fragment in flight. ConnectionID demultiplexes
// to the owning channel; Seq and AuthTag feed fragment decryption.
type Traffic struct {
	ConnectionID ID
	Seq          nonce.Nonce
	AuthTag      [32]byte
	Ciphertext   []byte
}

func (Traffic) Type() MessageType { return TypeTraffic }

func (m Traffic) Encode() []byte {
	out := make([]byte, 0, 1+IDSize+nonce.Size+32+len(m.Ciphertext))
	out = append(out, byte(TypeTraffic))
	out = append(out, m.ConnectionID[:]...)
	out = append(out, m.Seq[:]...)
	out = append(out, m.AuthTag[:]...)
	out = append(out, m.Ciphertext...)
	return out
}

// Decode parses a wire message, rejecting unknown tags and truncated
// bodies as protocol violations.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrProtocolViolation)
	}
	body := data[1:]
	switch MessageType(data[0]) {
	case TypeServerConnect:
		if len(body) != IDSize+2*curve.PointSize {
			return nil, fmt.Errorf("%w: SERVER_CONNECT length %d", ErrProtocolViolation, len(body))
		}
		var m ServerConnect
		copy(m.ClientEphemeralID[:], body[:IDSize])
		copy(m.EphemeralPub[:], body[IDSize:IDSize+curve.PointSize])
		copy(m.StaticPub[:], body[IDSize+curve.PointSize:])
		return m, nil

	case TypeConnectReply:
		if len(body) != 2*IDSize+2*curve.PointSize {
			return nil, fmt.Errorf("%w: CONNECT_REPLY length %d", ErrProtocolViolation, len(body))
		}
		var m ConnectReply
		copy(m.ClientEphemeralID[:], body[:IDSize])
		copy(m.ConnectionID[:], body[IDSize:2*IDSize])
		copy(m.EphemeralPub[:], body[2*IDSize:2*IDSize+curve.PointSize])
		copy(m.StaticPub[:], body[2*IDSize+curve.PointSize:])
		return m, nil

	case TypeTraffic:
		if len(body) < IDSize+nonce.Size+32 {
			return nil, fmt.Errorf("%w: TRAFFIC length %d", ErrProtocolViolation, len(body))
		}
		var m Traffic
		copy(m.ConnectionID[:], body[:IDSize])
		seq, err := nonce.Decode(body[IDSize : IDSize+nonce.Size])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		m.Seq = seq
		copy(m.AuthTag[:], body[IDSize+nonce.Size:IDSize+nonce.Size+32])
		m.Ciphertext = append([]byte(nil), body[IDSize+nonce.Size+32:]...)
		return m, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrProtocolViolation, data[0])
	}
}
