// Package payload splits arbitrary-length messages into size-bounded
// pieces for per-fragment encryption, and reassembles received pieces in
// whatever order they arrive.
//
// Pieces may optionally be Reed-Solomon coded so that a message survives
// dropped fragments: with p parity pieces, any d of d+p pieces reconstruct
// the payload. The channel layer treats each encoded piece as an opaque
// plaintext blob; integrity comes from per-fragment authentication, so
// pieces carry no hashes of their own.
package payload

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrInvalidPiece    = errors.New("payload: malformed piece")
	ErrPayloadTooLarge = errors.New("payload: too large for piece size and shard limit")
)

const (
	// DefaultPieceSize keeps an encrypted piece within a single QUIC
	// datagram after fragment and piece overhead.
	DefaultPieceSize = 1024

	// maxShards is the Reed-Solomon limit on data+parity shards. It
	// binds only erasure-coded messages; plain splitting is limited by
	// the uint16 piece index.
	maxShards = 256

	maxPlainPieces = 1<<16 - 1

	pieceHeaderSize = 16 + 2 + 2 + 2 + 1 + 8

	flagCompressed = 0x01
)

// MessageID correlates the pieces of one payload.
type MessageID [16]byte

// Piece is one bounded slice of a (possibly compressed, possibly
// erasure-coded) payload.
type Piece struct {
	MessageID    MessageID
	Index        uint16
	DataShards   uint16
	ParityShards uint16
	Flags        uint8
	PayloadLen   uint64 // pre-padding length of the encoded payload
	Data         []byte
}

// Encode serializes the piece for use as a fragment plaintext.
func (p Piece) Encode() []byte {
	out := make([]byte, pieceHeaderSize+len(p.Data))
	copy(out[:16], p.MessageID[:])
	binary.BigEndian.PutUint16(out[16:18], p.Index)
	binary.BigEndian.PutUint16(out[18:20], p.DataShards)
	binary.BigEndian.PutUint16(out[20:22], p.ParityShards)
	out[22] = p.Flags
	binary.BigEndian.PutUint64(out[23:31], p.PayloadLen)
	copy(out[pieceHeaderSize:], p.Data)
	return out
}

// DecodePiece parses a piece from a decrypted fragment plaintext.
func DecodePiece(data []byte) (Piece, error) {
	if len(data) < pieceHeaderSize {
		return Piece{}, ErrInvalidPiece
	}
	var p Piece
	copy(p.MessageID[:], data[:16])
	p.Index = binary.BigEndian.Uint16(data[16:18])
	p.DataShards = binary.BigEndian.Uint16(data[18:20])
	p.ParityShards = binary.BigEndian.Uint16(data[20:22])
	p.Flags = data[22]
	p.PayloadLen = binary.BigEndian.Uint64(data[23:31])
	p.Data = append([]byte(nil), data[pieceHeaderSize:]...)

	if p.DataShards == 0 || int(p.Index) >= int(p.DataShards)+int(p.ParityShards) {
		return Piece{}, ErrInvalidPiece
	}
	return p, nil
}

// Config tunes the splitter. Zero values pick defaults.
type Config struct {
	PieceSize          int
	Compression        CompressionLevel
	DisableCompression bool
	// ParityPieces enables erasure coding: the payload is encoded into
	// data+parity pieces and any data-many of them reconstruct it.
	ParityPieces int
}

// Splitter turns payloads into pieces.
type Splitter struct {
	cfg Config
}

func NewSplitter(cfg Config) *Splitter {
	if cfg.PieceSize <= 0 {
		cfg.PieceSize = DefaultPieceSize
	}
	if cfg.ParityPieces < 0 {
		cfg.ParityPieces = 0
	}
	return &Splitter{cfg: cfg}
}

// Split encodes one payload into pieces under a fresh message id.
// Compression is kept only when it actually shrinks the payload.
func (s *Splitter) Split(data []byte) ([]Piece, error) {
	var id MessageID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return nil, err
	}

	var flags uint8
	encoded := data
	if !s.cfg.DisableCompression {
		if c, err := compress(data, s.cfg.Compression); err == nil && len(c) < len(data) {
			encoded = c
			flags |= flagCompressed
		}
	}

	if s.cfg.ParityPieces > 0 {
		return s.splitErasure(id, encoded, flags)
	}
	return s.splitPlain(id, encoded, flags)
}

func (s *Splitter) splitPlain(id MessageID, encoded []byte, flags uint8) ([]Piece, error) {
	n := (len(encoded) + s.cfg.PieceSize - 1) / s.cfg.PieceSize
	if n == 0 {
		n = 1
	}
	if n > maxPlainPieces {
		return nil, ErrPayloadTooLarge
	}

	pieces := make([]Piece, 0, n)
	for i := 0; i < n; i++ {
		lo := i * s.cfg.PieceSize
		hi := lo + s.cfg.PieceSize
		if hi > len(encoded) {
			hi = len(encoded)
		}
		pieces = append(pieces, Piece{
			MessageID:  id,
			Index:      uint16(i),
			DataShards: uint16(n),
			Flags:      flags,
			PayloadLen: uint64(len(encoded)),
			Data:       append([]byte(nil), encoded[lo:hi]...),
		})
	}
	return pieces, nil
}

func (s *Splitter) splitErasure(id MessageID, encoded []byte, flags uint8) ([]Piece, error) {
	parity := s.cfg.ParityPieces
	dataShards := (len(encoded) + s.cfg.PieceSize - 1) / s.cfg.PieceSize
	if dataShards == 0 {
		dataShards = 1
	}
	if dataShards+parity > maxShards {
		return nil, ErrPayloadTooLarge
	}

	enc, err := reedsolomon.New(dataShards, parity)
	if err != nil {
		return nil, err
	}
	shards, err := enc.Split(encoded)
	if err != nil {
		// Split rejects empty input; a single zero-length shard set is
		// still a valid message.
		if len(encoded) == 0 {
			shards = make([][]byte, dataShards+parity)
			for i := range shards {
				shards[i] = []byte{0}
			}
		} else {
			return nil, err
		}
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}

	pieces := make([]Piece, 0, len(shards))
	for i, shard := range shards {
		pieces = append(pieces, Piece{
			MessageID:    id,
			Index:        uint16(i),
			DataShards:   uint16(dataShards),
			ParityShards: uint16(parity),
			Flags:        flags,
			PayloadLen:   uint64(len(encoded)),
			Data:         append([]byte(nil), shard...),
		})
	}
	return pieces, nil
}
