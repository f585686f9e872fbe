package streaming

import (
	"sync"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/metrics"
)

// Transports a subscriber can attach through.
const (
	TransportSSE       = "sse"
	TransportWebsocket = "websocket"
)

// maxQueuedFrames bounds each subscriber's pending queue. Overflow trims the
// oldest frames; the dispatcher reports the trimmed count to the client.
const maxQueuedFrames = 1000

// Hub is the process-wide fan-out point for record lifecycle events. A single
// critical section assigns event ids and enqueues to every subscriber, so all
// subscribers observe events in the same order.
type Hub struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	nextID int64
	subs   map[*Subscriber]struct{}
}

// NewHub builds an empty hub.
func NewHub(log *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:     log,
		metrics: m,
		subs:    map[*Subscriber]struct{}{},
	}
}

// Subscribe registers a listener on the given transport. A non-nil allow
// function filters events at enqueue time, so scoped identities never buffer
// frames they may not see. The caller must Close the subscriber when the
// connection ends.
func (h *Hub) Subscribe(transport string, allow func(Event) bool) *Subscriber {
	sub := &Subscriber{
		hub:       h,
		transport: transport,
		allow:     allow,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.StreamSubscribers.WithLabelValues(transport).Inc()
		h.metrics.StreamSubscribers.WithLabelValues("total").Inc()
	}
	return sub
}

// Publish assigns the next event id and fans the event out. Events enqueue to
// all subscribers inside one critical section to keep per-subscriber order
// identical to id order.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	h.nextID++
	event.ID = h.nextID
	for sub := range h.subs {
		sub.enqueue(event)
	}
	h.mu.Unlock()
}

// SubscriberCount reports the live subscriber total.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber, ending their dispatcher loops.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, present := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()

	if present && h.metrics != nil {
		h.metrics.StreamSubscribers.WithLabelValues(sub.transport).Dec()
		h.metrics.StreamSubscribers.WithLabelValues("total").Dec()
	}
}

// Subscriber buffers events for one connection. The queue is a bounded FIFO:
// when full, the oldest frames fall out and the loss is reported to the
// dispatcher alongside the next event.
type Subscriber struct {
	hub       *Hub
	transport string
	allow     func(Event) bool

	mu      sync.Mutex
	queue   []Event
	trimmed int64
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func (s *Subscriber) enqueue(event Event) {
	if s.allow != nil && !s.allow(event) {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	var dropped int64
	for len(s.queue) > maxQueuedFrames {
		s.queue = s.queue[1:]
		dropped++
	}
	s.trimmed += dropped
	s.mu.Unlock()

	if dropped > 0 && s.hub.metrics != nil {
		s.hub.metrics.StreamDroppedFrames.WithLabelValues(s.transport).Add(float64(dropped))
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// TryNext pops the oldest pending event. trimmed reports how many frames were
// lost ahead of it since the previous pop, so the dispatcher can announce the
// gap before emitting the event.
func (s *Subscriber) TryNext() (event Event, trimmed int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, 0, false
	}
	event = s.queue[0]
	s.queue = s.queue[1:]
	trimmed = s.trimmed
	s.trimmed = 0
	return event, trimmed, true
}

// Wake signals when new events may be pending.
func (s *Subscriber) Wake() <-chan struct{} {
	return s.wake
}

// Done closes when the subscriber detaches.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close detaches from the hub and drops any queued frames. Safe to call
// multiple times.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.trimmed = 0
	close(s.done)
	s.mu.Unlock()

	s.hub.unsubscribe(s)
}
