// Package hub is the fleet's event bus: every state change, log line and
// health transition flows through a single Hub, which fans each event
// out to an arbitrary number of filtered subscribers (WebSocket clients,
// ops notifiers) without ever letting a slow subscriber
// block a fast one.
package hub

import (
	"sync"
	"time"

	"github.com/mcp-tower/tower/internal/clock"
	"github.com/mcp-tower/tower/internal/metrics"
)

// EventType names the tagged-union discriminant carried on every Event.
// New types are additive; existing ones are never repurposed.
type EventType string

const (
	EventServerStateChanged EventType = "server.state_changed"
	EventServerLog          EventType = "server.log"
	EventServerHealth       EventType = "server.health"
	EventServerCrashed      EventType = "server.crashed"
	EventFleetStarting      EventType = "fleet.starting"
	EventFleetReady         EventType = "fleet.ready"
	EventFleetAborted       EventType = "fleet.aborted"
	EventHubOverflow        EventType = "hub.overflow"
	EventHubHeartbeat       EventType = "hub.heartbeat"
)

// Event is one message on the bus. Server is empty for fleet-wide
// events. Payload holds the type-specific body and is never mutated
// after Publish — subscribers must treat it as read-only.
type Event struct {
	Seq     uint64
	Type    EventType
	Server  string
	At      time.Time
	Payload any
}

// subscriberQueueSize bounds how many undelivered events a slow
// subscriber may accumulate before the oldest is dropped in its favor.
const subscriberQueueSize = 256

// defaultHeartbeatInterval is how often the Hub emits a hub.heartbeat
// event when mcp.orchestrator.heartbeatIntervalSeconds is left
// unconfigured, so idle WebSocket connections have something to keep
// their read deadline alive even when the fleet is quiet.
const defaultHeartbeatInterval = 30 * time.Second

// Subscription is a live registration on the Hub. Events() yields only
// events matching the filter (none set matches everything). The caller
// must range over Events() until it's closed, or call Unsubscribe to
// stop early.
type Subscription struct {
	id uint64

	events        chan Event
	dropped       uint64
	overflowSince uint64
	filter        func(Event) bool
	mu            sync.Mutex
}

// Events returns the channel of delivered events. It's closed when the
// subscription is unregistered.
func (s *Subscription) Events() <-chan Event { return s.events }

// SetFilter replaces the subscription's event filter. Safe to call
// concurrently with delivery (e.g. a WebSocket reader goroutine
// narrowing a subscription in response to a client frame).
func (s *Subscription) SetFilter(filter func(Event) bool) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

func (s *Subscription) matches(evt Event) bool {
	s.mu.Lock()
	filter := s.filter
	s.mu.Unlock()
	return filter == nil || filter(evt)
}

// Dropped returns how many events were discarded for this subscriber
// because its queue was full, oldest-first.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

type registration struct {
	sub  *Subscription
	done chan struct{}
}

// Hub is the single-dispatcher-goroutine event bus. All mutation of
// subscriber state happens on the dispatcher goroutine via the register/
// unregister/publish channel triad; nothing here holds a lock while
// blocked on subscriber I/O.
type Hub struct {
	clock             clock.Clock
	heartbeatInterval time.Duration

	registerCh   chan *registration
	unregisterCh chan *Subscription
	publishCh    chan Event

	stopCh chan struct{}
	doneCh chan struct{}

	seqMu sync.Mutex
	seq   uint64

	metrics *metrics.Registry
}

// WithMetrics attaches a Prometheus registry for drop-rate reporting.
func (h *Hub) WithMetrics(m *metrics.Registry) *Hub {
	h.metrics = m
	return h
}

// New constructs a Hub. heartbeatInterval of zero falls back to
// defaultHeartbeatInterval. Call Run in its own goroutine before Publish
// or Subscribe are used.
func New(c clock.Clock, heartbeatInterval time.Duration) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	return &Hub{
		clock:             c,
		heartbeatInterval: heartbeatInterval,
		registerCh:        make(chan *registration),
		unregisterCh:      make(chan *Subscription),
		publishCh:         make(chan Event, 64),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// Run is the dispatcher loop. It owns the subscriber map exclusively and
// returns once Stop is called.
func (h *Hub) Run() {
	defer close(h.doneCh)

	subs := make(map[uint64]*Subscription)
	heartbeat := h.clock.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case reg := <-h.registerCh:
			subs[reg.sub.id] = reg.sub
			close(reg.done)

		case sub := <-h.unregisterCh:
			if _, ok := subs[sub.id]; ok {
				delete(subs, sub.id)
				close(sub.events)
			}

		case evt := <-h.publishCh:
			for _, sub := range subs {
				h.deliver(sub, evt)
			}

		case <-heartbeat.C():
			evt := h.stamp(Event{Type: EventHubHeartbeat})
			for _, sub := range subs {
				h.deliver(sub, evt)
				h.flushOverflow(sub)
			}

		case <-h.stopCh:
			for id, sub := range subs {
				close(sub.events)
				delete(subs, id)
			}
			return
		}
	}
}

// deliver attempts a non-blocking send; on a full queue it drops the
// single oldest buffered event to make room and counts the drop toward
// the coalesced hub.overflow marker that flushOverflow emits on the next
// heartbeat, rather than one overflow event per drop.
func (h *Hub) deliver(sub *Subscription, evt Event) {
	if !sub.matches(evt) {
		return
	}

	select {
	case sub.events <- evt:
		return
	default:
	}

	select {
	case <-sub.events:
		sub.mu.Lock()
		sub.dropped++
		sub.overflowSince++
		sub.mu.Unlock()
		if h.metrics != nil {
			h.metrics.HubDropped.WithLabelValues("subscriber").Inc()
		}
	default:
	}

	select {
	case sub.events <- evt:
	default:
		// Queue refilled concurrently by... nothing, since only the
		// dispatcher goroutine sends. This branch is unreachable in
		// practice but kept non-blocking for safety.
	}
}

// flushOverflow emits a single coalesced hub.overflow event summarizing
// every drop since the last flush, instead of one event per drop (which
// would itself contend for the same bounded queue it's reporting on).
// Runs on the heartbeat cadence so a bursty drop period produces at most
// one overflow notice per heartbeat interval.
func (h *Hub) flushOverflow(sub *Subscription) {
	sub.mu.Lock()
	count := sub.overflowSince
	sub.overflowSince = 0
	sub.mu.Unlock()

	if count == 0 {
		return
	}
	evt := h.stamp(Event{Type: EventHubOverflow, Payload: map[string]any{"droppedSinceLast": count}})
	select {
	case sub.events <- evt:
	default:
		// Queue still full; the count carries forward implicitly since
		// dropped (the cumulative counter) keeps incrementing and the
		// next heartbeat will try again.
		sub.mu.Lock()
		sub.overflowSince += count
		sub.mu.Unlock()
	}
}

// Publish enqueues an event for dispatch, stamping it with the next
// sequence number and the current time. Safe to call from any goroutine.
func (h *Hub) Publish(evt Event) {
	h.publishCh <- h.stamp(evt)
}

func (h *Hub) stamp(evt Event) Event {
	h.seqMu.Lock()
	h.seq++
	evt.Seq = h.seq
	h.seqMu.Unlock()
	evt.At = h.clock.Now()
	return evt
}

// Subscribe registers a new subscription and blocks until the
// dispatcher has installed it, so no event published after Subscribe
// returns can be missed.
func (h *Hub) Subscribe(filter func(Event) bool) *Subscription {
	h.seqMu.Lock()
	id := h.seq
	h.seqMu.Unlock()

	sub := &Subscription{
		id:     subIDFrom(id),
		filter: filter,
		events: make(chan Event, subscriberQueueSize),
	}
	reg := &registration{sub: sub, done: make(chan struct{})}
	h.registerCh <- reg
	<-reg.done
	return sub
}

// Unsubscribe removes a subscription; its Events channel is closed once
// the dispatcher processes the removal.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.unregisterCh <- sub
}

// Stop shuts the dispatcher down, closing every live subscription.
func (h *Hub) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

var subCounter uint64
var subCounterMu sync.Mutex

func subIDFrom(seed uint64) uint64 {
	subCounterMu.Lock()
	defer subCounterMu.Unlock()
	subCounter++
	return subCounter
}
