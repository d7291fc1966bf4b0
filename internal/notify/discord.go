// Package notify sends best-effort operator notifications for events
// that warrant paging a human: any server crash, or a StartAll abort.
// Delivery failures are logged and swallowed — a broken webhook must
// never affect the fleet.
package notify

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/mcp-tower/tower/internal/hub"
)

// DiscordNotifier posts critical fleet events to a single Discord
// channel via a bot session. It is optional: a nil token disables it.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	log       *zap.Logger
}

// NewDiscordNotifier opens a Discord session authenticated with token
// and targeting channelID. The session is opened but no gateway
// connection is required for channel message sends.
func NewDiscordNotifier(token, channelID string, log *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("notify: create discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: channelID, log: log}, nil
}

// Watch subscribes to fleet-critical events and forwards each as a
// Discord message, running until the subscription is closed.
func (n *DiscordNotifier) Watch(events *hub.Hub) {
	sub := events.Subscribe(func(e hub.Event) bool {
		switch e.Type {
		case hub.EventFleetAborted, hub.EventServerCrashed:
			return true
		default:
			return false
		}
	})
	go func() {
		for evt := range sub.Events() {
			n.notify(evt)
		}
	}()
}

func (n *DiscordNotifier) notify(evt hub.Event) {
	text, ok := messageFor(evt)
	if !ok {
		return
	}
	if _, err := n.session.ChannelMessageSend(n.channelID, text); err != nil {
		n.log.Warn("discord notify failed", zap.Error(err), zap.String("server", evt.Server))
	}
}

// messageFor renders the Discord message body for an event, or false if
// the event type doesn't warrant a notification.
func messageFor(evt hub.Event) (string, bool) {
	switch evt.Type {
	case hub.EventFleetAborted:
		return "fleet startup aborted after a critical server failed to come up", true
	case hub.EventServerCrashed:
		return fmt.Sprintf("server %q crashed: %v", evt.Server, evt.Payload), true
	default:
		return "", false
	}
}

// Close releases the underlying Discord session.
func (n *DiscordNotifier) Close() error {
	return n.session.Close()
}
