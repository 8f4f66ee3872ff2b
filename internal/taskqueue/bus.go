package taskqueue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/domain"
)

// Event types published on the bus.
const (
	EventTaskCreated   = "task_created"
	EventTaskStarted   = "task_started"
	EventTaskProgress  = "task_progress"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
)

// Event is one task lifecycle notification. Task is a snapshot taken at
// publish time.
type Event struct {
	Type      string      `json:"type"`
	Task      domain.Task `json:"task"`
	Timestamp time.Time   `json:"timestamp"`
}

// subscriber owns one delivery channel. The per-subscriber mutex orders
// sends against close so cancellation during a publish cannot panic.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// trySend delivers without blocking. A cancelled subscriber is skipped;
// dropped reports a full buffer.
func (s *subscriber) trySend(evt Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return false
	default:
		return true
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fans task events out to SSE subscribers. Subscriber channels are
// buffered; a slow consumer loses events rather than blocking the queue.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	buffer  int
	dropped uint64
	log     zerolog.Logger
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(buffer int, log zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		buffer: buffer,
		log:    log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.buffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		existing, ok := b.subs[id]
		delete(b.subs, id)
		b.mu.Unlock()
		if ok {
			existing.close()
		}
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber without blocking. The
// subscriber list is snapshotted first; the actual sends happen with the
// list lock released.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	targets := make(map[int]*subscriber, len(b.subs))
	for id, sub := range b.subs {
		targets[id] = sub
	}
	b.mu.Unlock()

	var dropped uint64
	for id, sub := range targets {
		if sub.trySend(evt) {
			dropped++
			b.log.Warn().Int("subscriber", id).Str("type", evt.Type).Msg("subscriber buffer full, dropping event")
		}
	}
	if dropped > 0 {
		b.mu.Lock()
		b.dropped += dropped
		b.mu.Unlock()
	}
}

// Subscribers returns the current listener count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
