// Package notify subscribes to background-session lifecycle events and
// relays them into the chat they originated from. It substitutes NATS
// for the MQTT broker the background-session service was originally
// written against; the slash-separated topic path becomes a
// dot-separated subject, and the payload shape is unchanged.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/qqacp/bridge/internal/common/logger"
)

const lastMessageMaxLen = 200

// Replier is the subset of the Transport Server the subscriber needs.
type Replier interface {
	SendText(ctx context.Context, chatID string, text string) error
}

// event is the payload published by the background-session service.
type event struct {
	Type        string `json:"type"` // "bg_created" or "bg_waiting"
	Name        string `json:"name"`
	LastMessage string `json:"last_message"`
}

// Subscriber relays background-session notifications published on
// "<prefix>.system.ncat.<chatId>" into the chat.
type Subscriber struct {
	conn        *nats.Conn
	sub         *nats.Subscription
	topicPrefix string
	replier     Replier
	log         *logger.Logger
}

// Connect dials brokerURL and subscribes to every chat's notification
// subject under topicPrefix.
func Connect(brokerURL, topicPrefix, clientID string, replier Replier, log *logger.Logger) (*Subscriber, error) {
	nc, err := nats.Connect(brokerURL, nats.Name(clientID))
	if err != nil {
		return nil, fmt.Errorf("connect to notification broker: %w", err)
	}

	s := &Subscriber{
		conn:        nc,
		topicPrefix: topicPrefix,
		replier:     replier,
		log:         log.With(zap.String("component", "notify_subscriber")),
	}

	subject := subjectWildcard(topicPrefix)
	sub, err := nc.Subscribe(subject, s.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	s.sub = sub
	return s, nil
}

func subjectWildcard(prefix string) string {
	return fmt.Sprintf("%s.system.ncat.*", prefix)
}

func chatIDFromSubject(prefix, subject string) (string, bool) {
	suffix := prefix + ".system.ncat."
	if !strings.HasPrefix(subject, suffix) {
		return "", false
	}
	return strings.TrimPrefix(subject, suffix), true
}

func (s *Subscriber) handle(msg *nats.Msg) {
	chatID, ok := chatIDFromSubject(s.topicPrefix, msg.Subject)
	if !ok {
		return
	}

	var ev event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.log.Warn("malformed notification payload", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}

	text := renderNotification(ev)
	if text == "" {
		return
	}
	if err := s.replier.SendText(context.Background(), chatID, text); err != nil {
		s.log.Warn("failed to deliver notification", zap.String("chat_id", chatID), zap.Error(err))
	}
}

func renderNotification(ev event) string {
	switch ev.Type {
	case "bg_created":
		return fmt.Sprintf("Background session %q started.", ev.Name)
	case "bg_waiting":
		return fmt.Sprintf("Background session %q is waiting for input: %s", ev.Name, truncate(ev.LastMessage, lastMessageMaxLen))
	default:
		return ""
	}
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

// Close unsubscribes and closes the broker connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.conn.Close()
}
