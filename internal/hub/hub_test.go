package hub

import (
	"testing"
	"time"

	"github.com/mcp-tower/tower/internal/clock"
)

func newTestHub(t *testing.T) (*Hub, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	h := New(fc, 0)
	go h.Run()
	t.Cleanup(h.Stop)
	return h, fc
}

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	h, _ := newTestHub(t)
	sub := h.Subscribe(nil)

	h.Publish(Event{Type: EventServerStateChanged, Server: "alpha"})

	select {
	case evt := <-sub.Events():
		if evt.Server != "alpha" || evt.Type != EventServerStateChanged {
			t.Fatalf("unexpected event: %#v", evt)
		}
		if evt.Seq == 0 {
			t.Fatal("expected non-zero seq")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterExcludesNonMatchingEvents(t *testing.T) {
	h, _ := newTestHub(t)
	sub := h.Subscribe(func(e Event) bool { return e.Server == "beta" })

	h.Publish(Event{Type: EventServerStateChanged, Server: "alpha"})
	h.Publish(Event{Type: EventServerStateChanged, Server: "beta"})

	select {
	case evt := <-sub.Events():
		if evt.Server != "beta" {
			t.Fatalf("expected beta, got %s", evt.Server)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h, _ := newTestHub(t)
	sub := h.Subscribe(nil)
	h.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestOverflowDropsOldestAndCountsDropped(t *testing.T) {
	h, fc := newTestHub(t)
	sub := h.Subscribe(func(e Event) bool {
		return e.Type == EventServerLog || e.Type == EventHubOverflow
	})

	for i := 0; i < subscriberQueueSize+10; i++ {
		h.Publish(Event{Type: EventServerLog, Server: "alpha"})
	}
	time.Sleep(200 * time.Millisecond)

	if dropped := sub.Dropped(); dropped != 10 {
		t.Fatalf("dropped = %d, want exactly 10", dropped)
	}

	// Drain the surviving log events to make room, then advance the clock
	// past a heartbeat tick so the coalesced hub.overflow marker actually
	// gets delivered instead of finding the queue still full.
	drained := 0
loop:
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				break loop
			}
			if evt.Type != EventServerLog {
				t.Fatalf("unexpected event before overflow marker: %#v", evt)
			}
			drained++
		default:
			break loop
		}
	}
	if drained != subscriberQueueSize {
		t.Fatalf("drained = %d, want %d surviving log events", drained, subscriberQueueSize)
	}

	fc.Advance(defaultHeartbeatInterval)

	select {
	case evt := <-sub.Events():
		if evt.Type != EventHubOverflow {
			t.Fatalf("expected hub.overflow, got %s", evt.Type)
		}
		payload, ok := evt.Payload.(map[string]any)
		if !ok || payload["droppedSinceLast"] != uint64(10) {
			t.Fatalf("unexpected overflow payload: %#v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coalesced hub.overflow event")
	}
}

func TestHeartbeatFiresOnTickerAdvance(t *testing.T) {
	h, fc := newTestHub(t)
	sub := h.Subscribe(func(e Event) bool { return e.Type == EventHubHeartbeat })

	fc.Advance(defaultHeartbeatInterval)

	select {
	case evt := <-sub.Events():
		if evt.Type != EventHubHeartbeat {
			t.Fatalf("expected heartbeat, got %s", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}
}
