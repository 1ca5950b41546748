package bus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBus(capacity int) *Bus {
	return New(capacity, zerolog.Nop(), nil)
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(4)
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish("hello")

	msg, ok := sub.Receive()
	if !ok || msg != "hello" {
		t.Fatalf("Receive() = (%q, %v), want (hello, true)", msg, ok)
	}
}

func TestBus_FIFOOrdering(t *testing.T) {
	b := newTestBus(8)
	sub := b.Subscribe()
	defer sub.Close()

	for _, m := range []string{"a", "b", "c"} {
		b.Publish(m)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok := sub.Receive()
		if !ok || got != want {
			t.Fatalf("Receive() = (%q, %v), want (%q, true)", got, ok, want)
		}
	}
}

func TestBus_IndependentSubscribers(t *testing.T) {
	b := newTestBus(4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	b.Publish("evt")

	if m, ok := s1.Receive(); !ok || m != "evt" {
		t.Fatalf("s1.Receive() = (%q, %v)", m, ok)
	}
	if m, ok := s2.Receive(); !ok || m != "evt" {
		t.Fatalf("s2.Receive() = (%q, %v)", m, ok)
	}
}

func TestBus_TailDropOnFullQueue(t *testing.T) {
	b := newTestBus(2)
	sub := b.Subscribe()
	defer sub.Close()

	// Fill the queue past capacity without draining; the oldest message
	// should be dropped to make room for the newest.
	b.Publish("1")
	b.Publish("2")
	b.Publish("3")

	first, ok := sub.Receive()
	if !ok {
		t.Fatal("Receive() ok = false")
	}
	if first == "1" {
		t.Error("expected oldest message \"1\" to have been dropped, but it was delivered")
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := newTestBus(1)
	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with a slow/non-draining subscriber")
	}
}

func TestBus_CloseUnblocksReceive(t *testing.T) {
	b := newTestBus(1)
	sub := b.Subscribe()

	sub.Close()

	_, ok := sub.Receive()
	if ok {
		t.Error("Receive() ok = true after Close, want false")
	}
}
