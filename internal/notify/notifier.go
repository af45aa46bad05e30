// Package notify fans registry state changes out to subscribers. Delivery is
// decoupled from ingestion: each subscriber gets a bounded queue, and when a
// slow consumer's queue fills, the oldest pending change for that consumer is
// dropped. Telemetry freshness beats completeness; the producer never blocks.
package notify

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dronewatch/meshmapper/internal/tracker"
)

// DefaultQueueSize is the per-subscriber queue depth.
const DefaultQueueSize = 256

// Subscription is one registered consumer of state changes. Read from C until
// it is closed; missed changes are counted, not delivered late.
type Subscription struct {
	ID   uuid.UUID
	Name string
	C    <-chan tracker.StateChange

	ch      chan tracker.StateChange
	dropped atomic.Uint64
}

// Dropped returns how many changes were discarded because this subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// WithLogger sets the logger for the notifier.
func WithLogger(logger *slog.Logger) func(*Notifier) {
	return func(n *Notifier) {
		n.logger = logger.With(slog.String("component", "notify"))
	}
}

// Notifier broadcasts state changes to zero or more subscribers.
type Notifier struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
}

// New creates a notifier with a discard logger.
func New(options ...func(*Notifier)) *Notifier {
	n := Notifier{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		subs:   make(map[uuid.UUID]*Subscription),
	}

	for _, option := range options {
		option(&n)
	}

	return &n
}

// Subscribe registers a consumer. A queueSize of zero or less uses the
// default depth.
func (n *Notifier) Subscribe(name string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	sub := &Subscription{
		ID:   uuid.New(),
		Name: name,
		ch:   make(chan tracker.StateChange, queueSize),
	}
	sub.C = sub.ch

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(sub.ch)
		return sub
	}
	n.subs[sub.ID] = sub

	n.logger.Debug("subscriber registered", slog.String("name", name), slog.String("id", sub.ID.String()))
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (n *Notifier) Unsubscribe(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub, ok := n.subs[id]; ok {
		delete(n.subs, id)
		close(sub.ch)
	}
}

// Publish enqueues the change for every subscriber without ever blocking.
// A full queue sheds its oldest entry to make room.
func (n *Notifier) Publish(change tracker.StateChange) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}

	for _, sub := range n.subs {
		select {
		case sub.ch <- change:
			continue
		default:
		}

		// Queue full: shed the oldest pending change, then try once more.
		// The retry can still lose to a concurrent reader; dropping the new
		// change in that window is fine, the subscriber is behind either way.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}

		select {
		case sub.ch <- change:
		default:
			sub.dropped.Add(1)
		}

		if d := sub.Dropped(); d == 1 || d%1000 == 0 {
			n.logger.Warn("slow subscriber dropping changes",
				slog.String("name", sub.Name),
				slog.Uint64("dropped", d))
		}
	}
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true

	for id, sub := range n.subs {
		delete(n.subs, id)
		close(sub.ch)
	}
}
