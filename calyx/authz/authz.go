// Package authz decides which peer public keys a process will complete a
// handshake with. How the membership set is populated is an application
// concern.
package authz

import (
	"sync"

	"github.com/calyx-net/calyx/calyx/curve"
	"github.com/calyx-net/calyx/calyx/identity"
)

// Policy answers whether a peer public key is an acceptable handshake
// counterparty. A nil Policy is treated by callers as "allow any".
type Policy interface {
	Contains(pub curve.Point) bool
}

// Set is an in-memory membership policy keyed by public-key fingerprint.
type Set struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

// NewSet builds a set from the given public keys.
func NewSet(members ...curve.Point) *Set {
	s := &Set{members: make(map[string]struct{}, len(members))}
	for _, p := range members {
		s.members[identity.Fingerprint(p)] = struct{}{}
	}
	return s
}

func (s *Set) Add(pub curve.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[identity.Fingerprint(pub)] = struct{}{}
}

func (s *Set) Remove(pub curve.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, identity.Fingerprint(pub))
}

func (s *Set) Contains(pub curve.Point) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[identity.Fingerprint(pub)]
	return ok
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}
