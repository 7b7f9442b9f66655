package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and also publishes every event to a
// Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream sinks
//   - in-memory: immediate push to SSE /events/stream subscribers
type PubSubBus struct {
	*Bus // embedded — Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPubSubBus creates a Pub/Sub-backed audit bus. It creates the topic if it
// does not exist.
func NewPubSubBus(ctx context.Context, projectID, topicID string, logger *slog.Logger) (*PubSubBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		logger.Info("created pub/sub audit topic", "topic_id", topicID)
	}

	// Per-client ordering: rotation event sequences must arrive in order.
	topic.EnableMessageOrdering = true

	return &PubSubBus{
		Bus:    NewBus(logger),
		client: client,
		topic:  topic,
		logger: logger.With("component", "audit-pubsub"),
	}, nil
}

// Emit publishes the event durably to Pub/Sub and fans out to in-memory
// subscribers.
func (pb *PubSubBus) Emit(ctx context.Context, typ EventType, clientID, tokenID string, attrs map[string]any) {
	e := newEvent(ctx, typ, clientID, tokenID, attrs)
	pb.publishDurable(e)
	pb.Bus.publish(e)
}

// publishDurable serializes the event and publishes it as a Pub/Sub message.
// Attributes mirror the envelope for server-side subscription filtering.
func (pb *PubSubBus) publishDurable(e *Event) {
	payload, err := e.JSON()
	if err != nil {
		pb.logger.Error("failed to marshal audit event", "event_id", e.EventID, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type": string(e.Type),
			"event_id":   e.EventID,
			"client_id":  e.ClientID,
			"request_id": e.RequestID,
			"time":       e.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: e.ClientID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: resolve the publish result off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Error("pub/sub publish failed", "event_id", e.EventID, "error", err)
		}
	}()
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("audit topic does not exist")
	}
	return nil
}

// Close gracefully shuts down the Pub/Sub client. Call from main() defer or
// the shutdown handler.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}
