package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/symbols"
)

// Type identifies an event on the bus.
type Type string

const (
	TypeToolCall   Type = "TOOL_CALL"
	TypeToolResult Type = "TOOL_RESULT"
	TypeRetry      Type = "RETRY"
	TypeRunEvent   Type = "RUN_EVENT"
	TypeEvalResult Type = "EVAL_RESULT"
)

// Event is one analytic event. Delivery is best-effort: a dead bus must never
// fail the operation that emitted the event.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bus publishes run and tool events over NATS.
type Bus struct {
	nc     *nats.Conn
	prefix string
}

// Config configures the bus.
type Config struct {
	URL    string
	Prefix string // subject prefix, default "runs."
}

// NewBus connects to NATS. A nil bus is valid everywhere and drops events.
func NewBus(cfg Config) (*Bus, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("quantpilot-api"),
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
		return nil, err
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "runs."
	}

	log.Info().Str("nats_url", cfg.URL).Str("prefix", prefix).Msg("Event bus connected")
	return &Bus{nc: nc, prefix: prefix}, nil
}

// Publish emits an event. Errors are logged, never returned.
func (b *Bus) Publish(e Event) {
	if b == nil || b.nc == nil || !b.nc.IsConnected() {
		return
	}
	if e.ID == "" {
		e.ID = symbols.NewID("msg")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Str("event_type", string(e.Type)).Msg("Failed to marshal event")
		return
	}

	subject := b.prefix + string(e.Type)
	if err := b.nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

// Subscribe registers a handler for one event type. Used by tests and by
// downstream consumers.
func (b *Bus) Subscribe(t Type, handler func(Event)) (*nats.Subscription, error) {
	return b.nc.Subscribe(b.prefix+string(t), func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			log.Warn().Err(err).Msg("Failed to unmarshal event")
			return
		}
		handler(e)
	})
}

// Close drains the connection.
func (b *Bus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}
