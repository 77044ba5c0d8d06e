package sampler

import (
	"io"
	"log/slog"
	"sync"
)

// Publisher accepts freshly collected snapshots.
type Publisher interface {
	Publish(snapshot Snapshot)
}

// Hub caches the latest snapshot and fans it out to subscribers. Each
// subscriber holds at most one pending snapshot: a slow consumer loses the
// older one, never blocks the producer.
type Hub struct {
	logger *slog.Logger

	mu          sync.RWMutex
	latest      Snapshot
	ready       bool
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish stores snapshot as the latest and offers it to every subscriber.
func (h *Hub) Publish(snapshot Snapshot) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.latest = snapshot
	h.ready = true

	targets := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if sub.send(snapshot) {
			h.logger.Debug("dropped stale snapshot for slow subscriber", "seq", snapshot.Seq)
		}
	}
}

// Latest returns the most recently published snapshot.
func (h *Hub) Latest() (Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.ready
}

// Ready reports whether at least one snapshot has been published.
func (h *Hub) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Subscribe registers a listener. The channel immediately holds the latest
// snapshot when one exists. It is closed by the returned cancel func or by
// Close.
func (h *Hub) Subscribe() (<-chan Snapshot, func()) {
	sub := newSubscriber()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.channel(), func() {}
	}
	h.subscribers[sub] = struct{}{}
	if h.ready {
		sub.send(h.latest)
	}
	h.mu.Unlock()

	return sub.channel(), func() {
		h.removeSubscriber(sub)
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes every subscription channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[*subscriber]struct{})
	h.closed = true
	h.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
}

func (h *Hub) removeSubscriber(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.close()
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Snapshot, 1),
	}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

// send reports whether an unconsumed snapshot was replaced.
func (s *subscriber) send(snapshot Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- snapshot:
		return false
	default:
	}

	dropped := false
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- snapshot:
	default:
	}
	return dropped
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
