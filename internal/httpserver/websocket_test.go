package httpserver

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestWSOutboundKeepsControlMessagesUnderSnapshotFlood(t *testing.T) {
	var drops atomic.Uint64
	outbound := newWSOutbound(4, &drops)

	if !outbound.enqueueControl([]byte("hello")) {
		t.Fatalf("expected hello to be queued")
	}
	for i := 0; i < 10; i++ {
		if !outbound.enqueueSnapshot([]byte(fmt.Sprintf("snapshot-%d", i))) {
			t.Fatalf("snapshot %d rejected", i)
		}
	}
	if !outbound.enqueueControl([]byte("kill_result")) {
		t.Fatalf("expected kill result to be queued")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []string
	for i := 0; i < 6; i++ {
		msg, ok := outbound.next(ctx)
		if !ok {
			t.Fatalf("queue ended early after %v", got)
		}
		got = append(got, string(msg))
	}

	want := []string{"hello", "kill_result", "snapshot-6", "snapshot-7", "snapshot-8", "snapshot-9"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected delivery order %v, want %v", got, want)
	}
	if drops.Load() != 6 {
		t.Fatalf("expected 6 dropped snapshots, got %d", drops.Load())
	}
}

func TestWSOutboundFullControlQueueFails(t *testing.T) {
	var drops atomic.Uint64
	outbound := newWSOutbound(1, &drops)

	if !outbound.enqueueControl([]byte("pong")) {
		t.Fatalf("expected first control message to be queued")
	}
	if outbound.enqueueControl([]byte("error")) {
		t.Fatalf("expected full control queue to reject")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if msg, ok := outbound.next(ctx); !ok || string(msg) != "pong" {
		t.Fatalf("expected queued pong to survive, got %q ok=%v", msg, ok)
	}
}

func TestWSOutboundClosed(t *testing.T) {
	var drops atomic.Uint64
	outbound := newWSOutbound(2, &drops)
	outbound.close()
	outbound.close()

	if outbound.enqueueControl([]byte("hello")) {
		t.Fatalf("expected closed queue to reject control messages")
	}
	if outbound.enqueueSnapshot([]byte("snapshot")) {
		t.Fatalf("expected closed queue to reject snapshots")
	}
	if _, ok := outbound.next(context.Background()); ok {
		t.Fatalf("expected closed queue to report end")
	}
}

func TestWSOutboundNextStopsOnContext(t *testing.T) {
	outbound := newWSOutbound(2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := outbound.next(ctx); ok {
		t.Fatalf("expected cancelled context to stop the writer")
	}
}
