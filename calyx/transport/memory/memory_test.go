package memory

import (
	"sync"
	"testing"
	"time"
)

func TestDelivery(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint("a")
	b := net.Endpoint("b")

	got := make(chan string, 1)
	b.SetHandler(func(from string, data []byte) {
		got <- from + ":" + string(data)
	})

	if err := a.Send("b", []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-got:
		if msg != "a:hello" {
			t.Fatalf("unexpected delivery %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("datagram never delivered")
	}
}

func TestSendToUnknownAddr(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint("a")
	if err := a.Send("nowhere", []byte("x")); err != ErrUnknownAddr {
		t.Fatalf("expected ErrUnknownAddr, got %v", err)
	}
}

func TestDropHook(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint("a")
	b := net.Endpoint("b")

	var delivered sync.WaitGroup
	count := 0
	var mu sync.Mutex
	b.SetHandler(func(string, []byte) {
		mu.Lock()
		count++
		mu.Unlock()
		delivered.Done()
	})

	net.SetDrop(func(to string, data []byte) bool { return data[0] == 'x' })

	delivered.Add(1)
	if err := a.Send("b", []byte("x dropped")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Send("b", []byte("kept")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	delivered.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
}

func TestClosedEndpoint(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint("a")
	net.Endpoint("b")

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Send("b", []byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
