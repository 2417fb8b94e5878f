package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/ora/internal/session"
)

// Reasons attached to published transcript events.
const (
	ReasonAnalysis = "analysis"
	ReasonChatTurn = "chat_turn"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Emotion struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Event is the transcript snapshot published after each analysis and chat turn.
type Event struct {
	SessionKey     string    `json:"session_key"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Reason         string    `json:"reason"`
	Messages       []Message `json:"messages"`
	Emotions       []Emotion `json:"emotions,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
}

// Publisher ships transcript events to downstream consumers.
type Publisher interface {
	PublishTranscript(ctx context.Context, evt Event) error
	Close()
}

// EventFromSession snapshots sess for publication.
func EventFromSession(sess *session.Session, reason string, emotions []Emotion) Event {
	entries := sess.Transcript()
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, Message{Role: string(e.Role), Content: e.Text})
	}
	convID, _ := sess.ConversationID()
	return Event{
		SessionKey:     sess.ID,
		ConversationID: convID,
		Reason:         reason,
		Messages:       msgs,
		Emotions:       emotions,
		PublishedAt:    time.Now().UTC(),
	}
}

// PublishFunc is the callback signature for publishing raw bytes to a subject.
type PublishFunc func(subject string, data []byte) error

// NATSPublisher publishes transcript events as JSON on one subject.
type NATSPublisher struct {
	subject string
	publish PublishFunc
	close   func()
}

// New wraps an arbitrary publish function.
func New(subject string, fn PublishFunc) *NATSPublisher {
	return &NATSPublisher{subject: subject, publish: fn, close: func() {}}
}

// Connect dials NATS and keeps reconnecting in the background for the life
// of the process.
func Connect(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("ora"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logrus.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logrus.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{
		subject: subject,
		publish: nc.Publish,
		close: func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		},
	}, nil
}

func (p *NATSPublisher) PublishTranscript(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal transcript event: %w", err)
	}
	if err := p.publish(p.subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	logrus.WithFields(logrus.Fields{
		"subject":    p.subject,
		"session_id": evt.SessionKey,
		"reason":     evt.Reason,
		"messages":   len(evt.Messages),
	}).Debug("transcript event published")
	return nil
}

func (p *NATSPublisher) Close() { p.close() }

// Nop discards every event.
type Nop struct{}

func (Nop) PublishTranscript(context.Context, Event) error { return nil }
func (Nop) Close()                                         {}
