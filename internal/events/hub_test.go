package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeStarted, Started{JobID: "job-1", SessionID: "s1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeStarted {
			t.Fatalf("unexpected type %q", ev.Type)
		}
		var payload Started
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.JobID != "job-1" || payload.SessionID != "s1" {
			t.Fatalf("unexpected payload: %#v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSnapshotSince(t *testing.T) {
	t.Parallel()

	h := NewHub(4)
	for i := 0; i < 6; i++ {
		h.Publish(TypeMessage, Message{SessionID: "s1"})
	}

	// Ring capacity 4: events 1 and 2 were overwritten.
	all := h.SnapshotSince(0)
	if len(all) != 4 {
		t.Fatalf("expected 4 buffered events, got %d", len(all))
	}
	if all[0].ID != 3 || all[3].ID != 6 {
		t.Fatalf("unexpected snapshot range: first=%d last=%d", all[0].ID, all[3].ID)
	}

	tail := h.SnapshotSince(5)
	if len(tail) != 1 || tail[0].ID != 6 {
		t.Fatalf("unexpected tail snapshot: %#v", tail)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	_, cancel := h.Subscribe()
	defer cancel()

	// Fill the subscriber buffer and keep publishing; Publish must not stall.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(TypeError, Error{SessionID: "s1", Error: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	ch, cancel := h.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}

	// Cancel is idempotent and publishing after cancel is safe.
	cancel()
	h.Publish(TypeComplete, Complete{JobID: "job-1", SessionID: "s1", Status: "success"})
}
