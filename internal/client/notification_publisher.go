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

// Event types published after a successful state change.
const (
	EventRequestSubmitted = "request_submitted"
	EventRequestClaimed   = "request_claimed"
	EventRequestApproved  = "request_approved"
	EventRequestRejected  = "request_rejected"
	EventRequestSigned    = "request_signed"
)

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ResourceRef  string         `json:"resource_ref,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// EventPublisher emits workflow events. Implementations must never fail the
// caller's operation.
type EventPublisher interface {
	Publish(ctx context.Context, event *NotificationEvent)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *NotificationEvent) {}

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.approvals.request_approved.
//
// Publish failures are logged and swallowed.
type NotificationPublisher struct {
	js     jetstream.JetStream
	prefix string
	log    zerolog.Logger
}

// NewNotificationPublisher creates a publisher on an existing JetStream context.
func NewNotificationPublisher(js jetstream.JetStream, subjectPrefix string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{js: js, prefix: subjectPrefix, log: log}
}

// ConnectJetStream dials NATS and makes sure stream captures prefix.>.
func ConnectJetStream(ctx context.Context, url, stream, subjectPrefix string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("be-approvals"),
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
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{subjectPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}
	return nc, js, nil
}

// Publish sends event to <prefix>.<event_type>.
func (p *NotificationPublisher) Publish(ctx context.Context, event *NotificationEvent) {
	if p == nil || p.js == nil || event == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event.EventType)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", event.ResourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", event.ResourceID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}
