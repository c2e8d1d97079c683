package events

import (
	"testing"
	"time"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	bus.Publish(Event{Type: TypeServerAdded, Server: "fs"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != TypeServerAdded || ev.Server != "fs" {
				t.Errorf("got %+v", ev)
			}
			if ev.Timestamp.IsZero() {
				t.Error("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	_, cancel := bus.Subscribe() // Never drained.
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBuffer+10; i++ {
			bus.Publish(Event{Type: TypeServerFailed, Server: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if bus.Dropped() == 0 {
		t.Error("expected dropped events to be counted")
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // Idempotent.

	bus.Publish(Event{Type: TypeServerRemoved, Server: "y"})

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe()
	bus.Close()
	defer cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after bus close")
	}
	// Publish after close is a no-op, not a panic.
	bus.Publish(Event{Type: TypeServerAdded})
}
