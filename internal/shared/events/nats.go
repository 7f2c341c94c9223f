// Package events publishes token lifecycle events over NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("not connected to NATS")

// SubjectPrefix prefixes every token event subject.
const SubjectPrefix = "tokenkeeper.token."

// Event types.
const (
	EventExchanged               = "exchanged"
	EventRefreshed               = "refreshed"
	EventRefreshFailed           = "refresh_failed"
	EventReauthorizationRequired = "reauthorization_required"
	EventRevoked                 = "revoked"
)

// Config holds NATS client configuration.
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"`
	Name            string        `mapstructure:"name"`
	MaxReconnects   int           `mapstructure:"max_reconnects"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
	Timeout         time.Duration `mapstructure:"timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	EnableJetStream bool          `mapstructure:"enable_jetstream"`
	Stream          string        `mapstructure:"stream"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "tokenkeeper",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		DrainTimeout:  30 * time.Second,
		Stream:        "TOKENKEEPER",
	}
}

// Event is a token lifecycle notification. Data never carries secrets.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id,omitempty"`
	UserID    string         `json:"user_id"`
	Provider  string         `json:"provider"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event stamped with an ID, the current time and the
// trace ID found in ctx.
func NewEvent(ctx context.Context, eventType, userID, provider string, data map[string]any) Event {
	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    "tokenkeeper",
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Provider:  provider,
		Data:      data,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		e.TraceID = sc.TraceID().String()
	}
	return e
}

// Subject returns the NATS subject for the event.
func (e Event) Subject() string {
	return SubjectPrefix + e.Type
}

// Publisher delivers events. Implementations must not block token operations
// for long; failures are reported to the caller, which only logs them.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// conn is the part of *nats.Conn used for core publishing.
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
}

// streamPublisher is the part of jetstream.JetStream used for publishing.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Client publishes events on NATS, through JetStream when enabled.
type Client struct {
	conn conn
	js   streamPublisher
}

// New connects to NATS and, if configured, ensures the event stream exists.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DrainTimeout(cfg.DrainTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client := &Client{conn: nc}

	if cfg.EnableJetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{SubjectPrefix + ">"},
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
		}
		client.js = js
	}

	return client, nil
}

// Publish encodes the event as JSON and sends it on its subject.
func (c *Client) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if !c.conn.IsConnected() {
		return ErrNotConnected
	}
	if c.js != nil {
		_, err := c.js.Publish(ctx, event.Subject(), data)
		return err
	}
	return c.conn.Publish(event.Subject(), data)
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}
