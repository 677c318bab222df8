package payload

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrPieceMismatch = errors.New("payload: piece disagrees with message geometry")
	ErrReconstruct   = errors.New("payload: reconstruction failed")
)

type pendingMessage struct {
	dataShards   int
	parityShards int
	flags        uint8
	payloadLen   uint64
	pieces       map[int][]byte
	created      time.Time
}

// Reassembler collects pieces, in any arrival order, back into payloads.
// Duplicate pieces are ignored. One reassembler serves all channels; the
// message id keys the grouping.
type Reassembler struct {
	mu       sync.Mutex
	messages map[MessageID]*pendingMessage
}

func NewReassembler() *Reassembler {
	return &Reassembler{messages: make(map[MessageID]*pendingMessage)}
}

// Add folds one piece in. When the message becomes complete, the decoded
// payload is returned with done=true and its state is released.
func (r *Reassembler) Add(p Piece) (payload []byte, done bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pm := r.messages[p.MessageID]
	if pm == nil {
		pm = &pendingMessage{
			dataShards:   int(p.DataShards),
			parityShards: int(p.ParityShards),
			flags:        p.Flags,
			payloadLen:   p.PayloadLen,
			pieces:       make(map[int][]byte),
			created:      time.Now(),
		}
		r.messages[p.MessageID] = pm
	}
	if int(p.DataShards) != pm.dataShards || int(p.ParityShards) != pm.parityShards ||
		p.Flags != pm.flags || p.PayloadLen != pm.payloadLen {
		return nil, false, ErrPieceMismatch
	}
	if _, dup := pm.pieces[int(p.Index)]; dup {
		return nil, false, nil
	}
	pm.pieces[int(p.Index)] = p.Data

	if !pm.complete() {
		return nil, false, nil
	}
	delete(r.messages, p.MessageID)

	out, err := pm.assemble()
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (pm *pendingMessage) complete() bool {
	if pm.parityShards == 0 {
		return len(pm.pieces) == pm.dataShards
	}
	return len(pm.pieces) >= pm.dataShards
}

func (pm *pendingMessage) assemble() ([]byte, error) {
	var encoded []byte
	if pm.parityShards == 0 {
		var buf bytes.Buffer
		for i := 0; i < pm.dataShards; i++ {
			buf.Write(pm.pieces[i])
		}
		encoded = buf.Bytes()
	} else {
		dec, err := reedsolomon.New(pm.dataShards, pm.parityShards)
		if err != nil {
			return nil, err
		}
		shards := make([][]byte, pm.dataShards+pm.parityShards)
		for i, data := range pm.pieces {
			if i < len(shards) {
				shards[i] = data
			}
		}
		if err := dec.ReconstructData(shards); err != nil {
			return nil, ErrReconstruct
		}
		var buf bytes.Buffer
		for i := 0; i < pm.dataShards; i++ {
			buf.Write(shards[i])
		}
		encoded = buf.Bytes()
	}

	if uint64(len(encoded)) < pm.payloadLen {
		return nil, ErrReconstruct
	}
	encoded = encoded[:pm.payloadLen]

	if pm.flags&flagCompressed != 0 {
		return decompress(encoded)
	}
	return encoded, nil
}

// Pending reports how many messages are awaiting pieces.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Prune drops partial messages older than maxAge. Missing-piece timeouts
// are the caller's policy; a dropped message simply never completes.
func (r *Reassembler) Prune(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, pm := range r.messages {
		if pm.created.Before(cutoff) {
			delete(r.messages, id)
			removed++
		}
	}
	return removed
}
