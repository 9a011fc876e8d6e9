// Package events streams order transitions and alerts over NATS so other
// processes can follow the order lifecycle without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/brokercore/internal/metrics"
	"github.com/ajitpratap0/brokercore/internal/orders"
)

// Kind is the type of payload an Event carries
type Kind string

const (
	KindTransition Kind = "transition"
	KindAlert      Kind = "alert"
)

// Event is the envelope published on every subject
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Kind      Kind            `json:"kind"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Transition decodes a transition payload
func (e *Event) Transition() (orders.Transition, error) {
	var t orders.Transition
	if e.Kind != KindTransition {
		return t, fmt.Errorf("event %s is %s, not a transition", e.ID, e.Kind)
	}
	err := json.Unmarshal(e.Payload, &t)
	return t, err
}

// Alert decodes an alert payload
func (e *Event) Alert() (orders.Alert, error) {
	var a orders.Alert
	if e.Kind != KindAlert {
		return a, fmt.Errorf("event %s is %s, not an alert", e.ID, e.Kind)
	}
	err := json.Unmarshal(e.Payload, &a)
	return a, err
}

// Handler is called for each received event
type Handler func(ev *Event) error

// Config configures the publisher
type Config struct {
	URL    string
	Prefix string // Subject prefix (default: "brokercore.")
	Name   string // Connection name reported to the server
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		URL:    nats.DefaultURL,
		Prefix: "brokercore.",
		Name:   "brokercore",
	}
}

// Publisher publishes order events to NATS
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS and returns a publisher
func Connect(cfg Config) (*Publisher, error) {
	if cfg.Name == "" {
		cfg.Name = "brokercore"
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "brokercore."
	}
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}

	log.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", prefix).
		Msg("Event publisher initialized")

	return &Publisher{nc: nc, prefix: prefix}, nil
}

// TransitionSubject returns the subject a transition to status is published on
func (p *Publisher) TransitionSubject(status orders.Status) string {
	return p.prefix + "orders." + strings.ToLower(string(status))
}

// AlertSubject returns the subject alerts of category are published on
func (p *Publisher) AlertSubject(category orders.AlertCategory) string {
	return p.prefix + "alerts." + strings.ToLower(string(category))
}

// PublishTransition publishes one order status change
func (p *Publisher) PublishTransition(ctx context.Context, t orders.Transition) error {
	return p.publish(ctx, KindTransition, p.TransitionSubject(t.To), t)
}

// PublishAlert publishes one alert
func (p *Publisher) PublishAlert(ctx context.Context, a orders.Alert) error {
	return p.publish(ctx, KindAlert, p.AlertSubject(a.Category), a)
}

func (p *Publisher) publish(ctx context.Context, kind Kind, subject string, payload interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !p.nc.IsConnected() {
		return fmt.Errorf("event publisher not connected")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	ev := Event{
		ID:        uuid.New(),
		Kind:      kind,
		Subject:   subject,
		Payload:   body,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.RecordEventPublished(string(kind))

	log.Debug().
		Str("event_id", ev.ID.String()).
		Str("kind", string(kind)).
		Str("subject", subject).
		Msg("Published event")

	return nil
}

// Subscription is an active event subscription
type Subscription struct {
	sub     *nats.Subscription
	subject string
}

// Subject returns the subscribed subject
func (s *Subscription) Subject() string { return s.subject }

// Unsubscribe stops delivery
func (s *Subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", s.subject, err)
	}
	return nil
}

// Subscribe delivers events matching pattern, relative to the prefix.
// For example "orders.*" receives every transition and "alerts.>" every alert.
func (p *Publisher) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	subject := p.prefix + pattern

	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal event")
			return
		}
		if err := handler(&ev); err != nil {
			log.Error().
				Err(err).
				Str("event_id", ev.ID.String()).
				Str("subject", msg.Subject).
				Msg("Event handler failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	log.Info().Str("subject", subject).Msg("Subscribed to events")
	return &Subscription{sub: sub, subject: subject}, nil
}

// Flush waits until the server has processed everything published so far
func (p *Publisher) Flush(ctx context.Context) error {
	return p.nc.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	log.Info().Msg("Event publisher closed")
	return nil
}
