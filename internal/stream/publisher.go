package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bidvault/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const streamName = "VAULT_EVENTS"

// Publisher publishes vault events to NATS JetStream for downstream
// consumers (notifications, analytics, the marketplace backend).
// Subjects follow the pattern: vault.events.{event_type}
type Publisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

// envelope is the wire form of one outbound event.
type envelope struct {
	EventType string      `json:"event_type"`
	Payload   event.Event `json:"payload"`
	EmittedAt time.Time   `json:"emitted_at"`
}

func NewPublisher(js jetstream.JetStream, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, log: log}
}

// Publish implements event.Sink. The originating ledger transaction has
// already committed when this runs, so failures are reported to the
// caller for logging but never roll anything back.
func (p *Publisher) Publish(ctx context.Context, evt event.Event) error {
	data, err := json.Marshal(envelope{
		EventType: string(evt.EventType()),
		Payload:   evt,
		EmittedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("vault.events.%s", evt.EventType())
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// EnsureStream creates the vault events stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"vault.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	return nil
}
