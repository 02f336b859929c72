package jobs

import (
	"sync"
	"testing"
)

// TestHubBroadcastOrder verifies per-subscriber delivery in broadcast order.
func TestHubBroadcastOrder(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe()
	if sub.ID == "" {
		t.Fatal("expected generated subscriber id")
	}

	hub.Broadcast(Event{Type: EventTypeUpload, Progress: 100})
	hub.Broadcast(Event{Type: EventTypeProcessing, Progress: 50})
	hub.Broadcast(Event{Type: EventTypeComplete, Progress: 100, ResultID: "r-1"})

	want := []EventType{EventTypeUpload, EventTypeProcessing, EventTypeComplete}
	for i, wantType := range want {
		event := <-sub.Events()
		if event.Type != wantType {
			t.Fatalf("event %d type = %s, want %s", i, event.Type, wantType)
		}
	}
}

// TestHubUnsubscribeStopsDelivery checks removal and channel close.
func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe()
	hub.Unsubscribe(sub.ID)

	if hub.Count() != 0 {
		t.Fatalf("count = %d, want 0", hub.Count())
	}

	// Channel is closed; broadcast after removal must not panic or deliver.
	hub.Broadcast(Event{Type: EventTypeUpload})
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed events channel after unsubscribe")
	}

	// Removing twice is a no-op.
	hub.Unsubscribe(sub.ID)
}

// TestHubSlowSubscriberDoesNotBlock checks drop-on-full behavior.
func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	slow := hub.Subscribe()
	fast := hub.Subscribe()

	// Overflow the slow subscriber without draining it.
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Broadcast(Event{Type: EventTypeProcessing, Progress: i})
	}

	if got := len(slow.events); got != subscriberBuffer {
		t.Fatalf("slow subscriber buffered = %d, want %d", got, subscriberBuffer)
	}

	// The fast subscriber still got the head of the stream in order.
	first := <-fast.Events()
	if first.Progress != 0 {
		t.Fatalf("first progress = %d, want 0", first.Progress)
	}
}

// TestHubLateSubscriberMissesEarlierEvents checks no-replay semantics.
func TestHubLateSubscriberMissesEarlierEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	hub.Broadcast(Event{Type: EventTypeUpload, Progress: 100})

	late := hub.Subscribe()
	if got := len(late.events); got != 0 {
		t.Fatalf("late subscriber buffered = %d, want 0", got)
	}
}

// TestHubConcurrentSubscribeAndBroadcast races connects against broadcasts.
func TestHubConcurrentSubscribeAndBroadcast(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := hub.Subscribe()
			hub.Unsubscribe(sub.ID)
		}()
		go func() {
			defer wg.Done()
			hub.Broadcast(Event{Type: EventTypeProcessing, Progress: 1})
		}()
	}
	wg.Wait()
}

// TestHubClose verifies shutdown closes subscribers and rejects new ones.
func TestHubClose(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()

	hub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel after hub close")
	}

	after := hub.Subscribe()
	if _, ok := <-after.Events(); ok {
		t.Fatal("expected closed channel for post-close subscriber")
	}

	// Close twice is a no-op; broadcast after close is a no-op.
	hub.Close()
	hub.Broadcast(Event{Type: EventTypeUpload})
}
