package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// JetStreamPublisher is the subset of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes transfer workflow events to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.budget.transfer_approved.
//
// Publishing is non-fatal: errors are logged and never returned, so a NATS
// outage cannot fail an approval. A circuit breaker stops hammering a broker
// that keeps failing.
type NotificationPublisher struct {
	js      JetStreamPublisher
	prefix  string
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ResourceCode string         `json:"resource_code,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil js yields a publisher
// that drops every event.
func NewNotificationPublisher(js JetStreamPublisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.budget"
	}
	return &NotificationPublisher{
		js:     js,
		prefix: prefix,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "nats-notifications",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: log.With().Str("component", "notifications").Logger(),
	}
}

// PublishTransferEvent publishes ev to <prefix>.<ev.Type>.
func (p *NotificationPublisher) PublishTransferEvent(ctx context.Context, ev TransferEvent) {
	if p == nil || p.js == nil {
		return
	}
	if len(ev.Recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    ev.Type,
		ActorID:      ev.ActorID,
		Recipients:   ev.Recipients,
		ResourceType: "budget_transfer",
		ResourceID:   ev.TransferID,
		ResourceCode: ev.TransferCode,
		IsActionable: ev.Type == EventTransferStageActivated || ev.Type == EventTransferDelegated,
		Severity:     "info",
		Category:     "budget_approval",
		OccurredAt:   time.Now().UTC(),
		Payload:      ev.Payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", ev.Type).Msg("notification: failed to marshal event")
		return
	}

	subject := p.prefix + "." + ev.Type
	_, err = p.breaker.Execute(func() (interface{}, error) {
		return p.js.Publish(ctx, subject, data)
	})
	if err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("transfer_id", ev.TransferID).
			Str("breaker_state", p.breaker.State().String()).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("transfer_id", ev.TransferID).
		Int("recipients", len(ev.Recipients)).
		Msg("notification: event published")
}
