// Package wsgateway exposes the event Hub over WebSocket: each
// connection gets its own reader and writer goroutine, a default
// all-events subscription that a client can narrow with a subscribe
// frame, and a ping/pong heartbeat that closes connections that stop
// responding.
package wsgateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mcp-tower/tower/internal/hub"
)

const (
	writeWait = 10 * time.Second

	// defaultPingPeriod and defaultMissedHeartbeats back the WS-level
	// ping/pong timeout when mcp.orchestrator.heartbeatIntervalSeconds /
	// heartbeatTimeoutMissedCount are left unconfigured.
	defaultPingPeriod       = 30 * time.Second
	defaultMissedHeartbeats = 2

	maxMessageSize = 8 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client→server frame type values.
const (
	clientFrameSubscribe = "SUBSCRIBE"
	clientFramePing      = "PING"
)

// Control-frame type values sent back to the client.
const (
	serverFramePong      = "PONG"
	serverFrameError     = "ERROR"
	serverFrameConnected = "connected"
	serverFrameEvent     = "event"
)

// clientFrame is a message from the browser: subscribe or ping.
type clientFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// serverFrame is a message sent to the browser.
type serverFrame struct {
	Type           string     `json:"type"`
	SubscriptionID string     `json:"subscriptionId,omitempty"`
	ServerTimeMs   int64      `json:"serverTimeMs,omitempty"`
	Event          *hub.Event `json:"event,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	At             *time.Time `json:"at,omitempty"`
}

// Gateway upgrades HTTP requests into event-streaming WebSocket
// connections backed by a shared Hub.
type Gateway struct {
	events *hub.Hub
	log    *zap.Logger

	pingPeriod time.Duration
	pongWait   time.Duration
}

// New constructs a Gateway over events, logging with log. pingPeriod of
// zero falls back to defaultPingPeriod; missedHeartbeats of zero falls
// back to defaultMissedHeartbeats. The read deadline (pongWait) is
// pingPeriod * missedHeartbeats, so a client must miss that many pings
// in a row before its connection is torn down.
func New(events *hub.Hub, log *zap.Logger, pingPeriod time.Duration, missedHeartbeats int) *Gateway {
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	if missedHeartbeats <= 0 {
		missedHeartbeats = defaultMissedHeartbeats
	}
	return &Gateway{
		events:     events,
		log:        log,
		pingPeriod: pingPeriod,
		pongWait:   pingPeriod * time.Duration(missedHeartbeats),
	}
}

// ServeHTTP upgrades the request and runs the connection until it
// closes. It never returns an error to the caller — failures are logged
// and the connection, if upgraded, is closed.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	sub := g.events.Subscribe(nil) // default: all events
	writeCh := make(chan serverFrame, 32)

	go g.writePump(conn, sub, writeCh, connID)
	g.readPump(conn, sub, writeCh, connID)
}

func (g *Gateway) readPump(conn *websocket.Conn, sub *hub.Subscription, writeCh chan<- serverFrame, connID string) {
	defer func() {
		g.events.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(g.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(g.pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			select {
			case writeCh <- serverFrame{Type: serverFrameError, Reason: "invalid_frame"}:
			default:
			}
			continue
		}

		switch frame.Type {
		case clientFrameSubscribe:
			channels := frame.Channels
			sub.SetFilter(func(e hub.Event) bool {
				if len(channels) == 0 {
					return true
				}
				for _, c := range channels {
					if c == e.Server || c == string(e.Type) {
						return true
					}
				}
				return false
			})
		case clientFramePing:
			now := time.Now()
			select {
			case writeCh <- serverFrame{Type: serverFramePong, At: &now}:
			default:
			}
		default:
			select {
			case writeCh <- serverFrame{Type: serverFrameError, Reason: "unknown_type"}:
			default:
			}
		}
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, sub *hub.Subscription, writeCh <-chan serverFrame, connID string) {
	ticker := time.NewTicker(g.pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	connected := serverFrame{Type: serverFrameConnected, SubscriptionID: connID, ServerTimeMs: time.Now().UnixMilli()}
	if err := conn.WriteJSON(connected); err != nil {
		return
	}

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			e := evt
			if err := conn.WriteJSON(serverFrame{Type: serverFrameEvent, Event: &e}); err != nil {
				return
			}

		case frame, ok := <-writeCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
