package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Letter notification event types.
const (
	EventLetterReviewRequired   = "letter_review_required"
	EventLetterApprovalRequired = "letter_approval_required"
	EventLetterApproved         = "letter_approved"
	EventLetterRejected         = "letter_rejected"
	EventLetterReassigned       = "letter_reassigned"
	EventLetterCommented        = "letter_commented"
)

// Publisher sends a raw message on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes letter workflow events to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>, prefix defaults to notifications.dms.
//
// All publish operations are non-fatal. Errors are logged and never returned,
// so a notification failure never interrupts a workflow transition.
type NotificationPublisher struct {
	pub    Publisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	ActionURL    string                 `json:"action_url,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// NewNotificationPublisher creates a publisher. A nil pub disables publishing.
func NewNotificationPublisher(pub Publisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.dms"
	}
	return &NotificationPublisher{pub: pub, prefix: prefix, log: log}
}

// PublishLetterEvent publishes a letter workflow event.
func (p *NotificationPublisher) PublishLetterEvent(ctx context.Context, eventType, letterID, actorID string, recipients []string, payload map[string]interface{}) {
	if p.pub == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "letter",
		ResourceID:   letterID,
		IsActionable: isActionable(eventType),
		ActionURL:    fmt.Sprintf("/letters/%s", letterID),
		Severity:     "info",
		Category:     "dms_letter",
		Payload:      payload,
		OccurredAt:   time.Now().UTC(),
	}
	if eventType == EventLetterRejected {
		event.Severity = "warning"
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, eventType)
	if err := p.pub.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("letter_id", letterID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("letter_id", letterID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}

func isActionable(eventType string) bool {
	switch eventType {
	case EventLetterReviewRequired, EventLetterApprovalRequired, EventLetterReassigned, EventLetterRejected:
		return true
	}
	return false
}

// JetStreamPublisher adapts a JetStream context to Publisher.
type JetStreamPublisher struct {
	js jetstream.JetStream
}

// ConnectNATS dials the server and returns the connection with a JetStream
// publisher bound to it. The caller owns the connection.
func ConnectNATS(url, name string) (*nats.Conn, *JetStreamPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return nc, &JetStreamPublisher{js: js}, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	return err
}
