package sampler

import (
	"testing"
	"time"
)

func TestHubLatestAndReady(t *testing.T) {
	hub := NewHub(nil)

	if hub.Ready() {
		t.Fatalf("hub should not be ready before first publish")
	}
	if _, ok := hub.Latest(); ok {
		t.Fatalf("Latest should report no snapshot before first publish")
	}

	hub.Publish(Snapshot{Seq: 1})
	hub.Publish(Snapshot{Seq: 2})

	if !hub.Ready() {
		t.Fatalf("hub should be ready after publish")
	}
	latest, ok := hub.Latest()
	if !ok || latest.Seq != 2 {
		t.Fatalf("expected latest seq 2, got %+v (ok=%v)", latest, ok)
	}
}

func TestHubDropsOldestOnBackpressure(t *testing.T) {
	hub := NewHub(nil)
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.Publish(Snapshot{Seq: 1})
	hub.Publish(Snapshot{Seq: 2})
	hub.Publish(Snapshot{Seq: 3})

	if got := awaitSnapshot(t, ch); got.Seq != 3 {
		t.Fatalf("expected newest snapshot 3, got %d", got.Seq)
	}
	select {
	case s := <-ch:
		t.Fatalf("expected no pending snapshot, got %d", s.Seq)
	default:
	}
}

func TestHubSubscribeReceivesLatest(t *testing.T) {
	hub := NewHub(nil)
	hub.Publish(Snapshot{Seq: 7})

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	if got := awaitSnapshot(t, ch); got.Seq != 7 {
		t.Fatalf("expected latest snapshot on subscribe, got %d", got.Seq)
	}
}

func TestHubSubscribersAreIndependent(t *testing.T) {
	hub := NewHub(nil)
	fast, unsubFast := hub.Subscribe()
	defer unsubFast()
	slow, unsubSlow := hub.Subscribe()
	defer unsubSlow()

	hub.Publish(Snapshot{Seq: 1})
	if got := awaitSnapshot(t, fast); got.Seq != 1 {
		t.Fatalf("fast subscriber: expected 1, got %d", got.Seq)
	}
	hub.Publish(Snapshot{Seq: 2})
	if got := awaitSnapshot(t, fast); got.Seq != 2 {
		t.Fatalf("fast subscriber: expected 2, got %d", got.Seq)
	}

	if got := awaitSnapshot(t, slow); got.Seq != 2 {
		t.Fatalf("slow subscriber: expected 2, got %d", got.Seq)
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(nil)
	ch, unsubscribe := hub.Subscribe()
	if hub.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.Subscribers())
	}

	unsubscribe()
	unsubscribe()

	if hub.Subscribers() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", hub.Subscribers())
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("channel was not closed")
	}

	// Publishing after unsubscribe must not panic.
	hub.Publish(Snapshot{Seq: 1})
}

func TestHubClose(t *testing.T) {
	hub := NewHub(nil)
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.Close()

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed by hub.Close")
	}

	hub.Publish(Snapshot{Seq: 5})
	if hub.Ready() {
		t.Fatalf("publish after close should be ignored")
	}

	late, _ := hub.Subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("expected subscription after close to be closed")
	}
}
