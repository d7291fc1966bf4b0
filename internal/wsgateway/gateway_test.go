package wsgateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mcp-tower/tower/internal/clock"
	"github.com/mcp-tower/tower/internal/hub"
)

func newTestServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New(clock.Real{}, 0)
	go h.Run()
	t.Cleanup(h.Stop)

	gw := New(h, zap.NewNop(), 0, 0)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestConnectSendsConnectedFrame(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)
	defer conn.Close()

	var frame serverFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != serverFrameConnected || frame.SubscriptionID == "" || frame.ServerTimeMs == 0 {
		t.Fatalf("unexpected frame: %#v", frame)
	}
}

func TestDefaultSubscriptionReceivesAllEvents(t *testing.T) {
	srv, h := newTestServer(t)
	conn := dial(t, srv)
	defer conn.Close()

	var first serverFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read connected frame: %v", err)
	}

	h.Publish(hub.Event{Type: hub.EventServerStateChanged, Server: "alpha"})

	var evt serverFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event frame: %v", err)
	}
	if evt.Type != serverFrameEvent || evt.Event == nil || evt.Event.Server != "alpha" {
		t.Fatalf("unexpected frame: %#v", evt)
	}
}

func TestSubscribeNarrowsToChannel(t *testing.T) {
	srv, h := newTestServer(t)
	conn := dial(t, srv)
	defer conn.Close()

	var connected serverFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.ReadJSON(&connected)

	if err := conn.WriteJSON(clientFrame{Type: clientFrameSubscribe, Channels: []string{"beta"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond) // let readPump install the filter

	h.Publish(hub.Event{Type: hub.EventServerStateChanged, Server: "alpha"})
	h.Publish(hub.Event{Type: hub.EventServerStateChanged, Server: "beta"})

	var evt serverFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Event == nil || evt.Event.Server != "beta" {
		t.Fatalf("expected only beta event, got %#v", evt)
	}
}

func TestPingReceivesPong(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)
	defer conn.Close()

	var connected serverFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.ReadJSON(&connected)

	if err := conn.WriteJSON(clientFrame{Type: clientFramePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var frame serverFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if frame.Type != serverFramePong || frame.At == nil {
		t.Fatalf("expected pong, got %#v", frame)
	}
}
