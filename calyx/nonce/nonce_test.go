package nonce

import (
	"sync"
	"testing"
)

func TestNextStrictlyIncreasing(t *testing.T) {
	src, err := NewSource()
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	prev := src.Next()
	for i := 0; i < 1000; i++ {
		n := src.Next()
		if n.Compare(prev) <= 0 {
			t.Fatalf("nonce %d not greater than predecessor", i)
		}
		prev = n
	}
}

func TestNextConcurrentUnique(t *testing.T) {
	src, err := NewSource()
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	const workers = 8
	const perWorker = 2000

	var mu sync.Mutex
	seen := make(map[Nonce]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]Nonce, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, src.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, n := range local {
				if _, dup := seen[n]; dup {
					t.Errorf("duplicate nonce %s", n)
				}
				seen[n] = struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d distinct nonces, got %d", workers*perWorker, len(seen))
	}
}

func TestSourcesIndependentlySeeded(t *testing.T) {
	a, _ := NewSource()
	b, _ := NewSource()
	if a.Next() == b.Next() {
		t.Fatalf("two sources drew the same nonce")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	src, _ := NewSource()
	n := src.Next()

	got, err := Decode(n[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != n {
		t.Fatalf("decode mismatch")
	}

	if _, err := Decode(n[:Size-1]); err != ErrInvalidNonce {
		t.Fatalf("expected ErrInvalidNonce, got %v", err)
	}
}
