package events

import (
	"testing"
)

func TestHubPublishSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeJobStarted, JobData{JobID: "j1", Endpoint: "/hooks/github", Plugin: "echo_handler", Status: "running", Attempt: 1})

	ev := <-ch
	if ev.Type != TypeJobStarted {
		t.Errorf("Type = %q, want %q", ev.Type, TypeJobStarted)
	}
	if ev.ID != 1 {
		t.Errorf("ID = %d, want 1", ev.ID)
	}
}

func TestHubRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeJobSucceeded, nil)
	}

	snap := h.SnapshotSince(0)
	if len(snap) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(snap))
	}
	if snap[0].ID != 3 || snap[2].ID != 5 {
		t.Errorf("snapshot ids = [%d..%d], want [3..5]", snap[0].ID, snap[2].ID)
	}
}

func TestHubSnapshotSince(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	for i := 0; i < 4; i++ {
		h.Publish(TypeWebhookAccepted, nil)
	}

	snap := h.SnapshotSince(2)
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if snap[0].ID != 3 {
		t.Errorf("first id = %d, want 3", snap[0].ID)
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	// Channel buffer is 128; overflow past it must not deadlock Publish.
	for i := 0; i < 300; i++ {
		h.Publish(TypeJobFailed, nil)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}

	// Publishing after unsubscribe must not panic.
	h.Publish(TypeJobStarted, nil)
}
