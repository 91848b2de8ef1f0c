// Package realtime publishes source lifecycle events over NATS so clients
// can track ingestion progress without polling.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/pkg/logger"
)

// StreamSources is the JetStream stream that holds source status events.
const StreamSources = "SOURCES"

// Config holds NATS connection configuration.
type Config struct {
	URL            string
	Name           string
	SubjectPrefix  string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "quill",
		SubjectPrefix:  "quill",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// SourceStatusEvent is published whenever a source changes status during
// ingestion.
type SourceStatusEvent struct {
	EventID    string               `json:"event_id"`
	SourceID   uuid.UUID            `json:"source_id"`
	ProjectID  uuid.UUID            `json:"project_id"`
	Status     storage.SourceStatus `json:"status"`
	Error      string               `json:"error,omitempty"`
	ChunkCount int                  `json:"chunk_count,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

func NewSourceStatusEvent(sourceID, projectID uuid.UUID, status storage.SourceStatus) SourceStatusEvent {
	return SourceStatusEvent{
		EventID:    uuid.New().String(),
		SourceID:   sourceID,
		ProjectID:  projectID,
		Status:     status,
		OccurredAt: time.Now().UTC(),
	}
}

// Notifier publishes source status events. Implementations must be safe
// for concurrent use.
type Notifier interface {
	PublishSourceStatus(ctx context.Context, event SourceStatusEvent) error
}

// NoopNotifier discards events, for deployments without NATS.
type NoopNotifier struct{}

func (NoopNotifier) PublishSourceStatus(context.Context, SourceStatusEvent) error { return nil }

// NATSClient wraps a NATS connection and JetStream context.
type NATSClient struct {
	config Config
	logger *logger.Logger
	mu     sync.RWMutex
	conn   *nats.Conn
	js     nats.JetStreamContext
	subs   []*nats.Subscription
}

// NewNATSClient connects to NATS and prepares a JetStream context.
func NewNATSClient(cfg Config, log *logger.Logger) (*NATSClient, error) {
	client := &NATSClient{
		config: cfg,
		logger: log.WithComponent("realtime.nats"),
	}
	if err := client.connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *NATSClient) connect() error {
	opts := []nats.Option{
		nats.Name(c.config.Name),
		nats.MaxReconnects(c.config.MaxReconnects),
		nats.ReconnectWait(c.config.ReconnectWait),
		nats.Timeout(c.config.ConnectTimeout),
		nats.DisconnectErrHandler(func(conn *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("reconnected to NATS", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(conn *nats.Conn) {
			c.logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating JetStream context: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.logger.Info("connected to NATS", "url", c.config.URL)
	return nil
}

// SetupStreams ensures the source events stream exists.
func (c *NATSClient) SetupStreams(ctx context.Context) error {
	cfg := nats.StreamConfig{
		Name:        StreamSources,
		Description: "Source ingestion status events",
		Subjects:    []string{c.config.SubjectPrefix + ".source.>"},
		Storage:     nats.FileStorage,
		Retention:   nats.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		MaxMsgs:     -1,
		MaxBytes:    -1,
		Replicas:    1,
		Discard:     nats.DiscardOld,
	}

	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if _, err := js.StreamInfo(cfg.Name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("getting stream info for %s: %w", cfg.Name, err)
		}
		if _, err := js.AddStream(&cfg); err != nil {
			return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
		}
		c.logger.Info("created stream", "stream", cfg.Name)
		return nil
	}

	if _, err := js.UpdateStream(&cfg); err != nil {
		c.logger.Warn("failed to update stream", "stream", cfg.Name, "error", err)
	}
	return nil
}

// sourceStatusSubject scopes events by project so clients can subscribe to
// just their project's updates.
func (c *NATSClient) sourceStatusSubject(projectID uuid.UUID) string {
	return fmt.Sprintf("%s.source.status.%s", c.config.SubjectPrefix, projectID)
}

// PublishSourceStatus publishes a status event for a source.
func (c *NATSClient) PublishSourceStatus(ctx context.Context, event SourceStatusEvent) error {
	return c.publish(ctx, c.sourceStatusSubject(event.ProjectID), event)
}

func (c *NATSClient) publish(ctx context.Context, subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if _, err := js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}

	c.logger.Debug("published event", "subject", subject, "size", len(data))
	return nil
}

// SubscribeSourceStatus delivers a project's status events to handler.
func (c *NATSClient) SubscribeSourceStatus(projectID uuid.UUID, handler func(SourceStatusEvent)) (*nats.Subscription, error) {
	subject := c.sourceStatusSubject(projectID)

	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		var event SourceStatusEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			c.logger.Warn("dropping malformed status event", "subject", subject, "error", err)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

// IsConnected reports whether the client is currently connected.
func (c *NATSClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Drain gracefully drains subscriptions and the connection.
func (c *NATSClient) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			return fmt.Errorf("draining connection: %w", err)
		}
	}
	return nil
}

// Close closes the NATS connection.
func (c *NATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.js = nil
	}
	return nil
}
