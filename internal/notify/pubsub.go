package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

// PubSubSink publishes every notification to a Google Cloud Pub/Sub topic for
// durable, cross-service delivery, and also fans out to the embedded
// in-process Bus so local subscribers see it immediately.
type PubSubSink struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubSink connects to the project topic, creating it if missing.
// Message ordering is keyed by subject so per-subject delivery order matches
// journal order.
func NewPubSubSink(projectID, topicID string) (*PubSubSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
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
	}
	topic.EnableMessageOrdering = true

	sink := &PubSubSink{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	sink.logger.Printf("connected to projects/%s/topics/%s", projectID, topicID)
	return sink, nil
}

func (s *PubSubSink) Deliver(ctx context.Context, subjectID uuid.UUID, kind string, payload map[string]interface{}) error {
	env := NewEnvelope(subjectID, kind, payload)
	data, err := env.JSON()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"ce-specversion": env.SpecVersion,
			"ce-type":        env.Type,
			"ce-source":      env.Source,
			"ce-id":          env.ID,
			"ce-time":        env.Time.Format(time.RFC3339Nano),
			"ce-subject":     env.Subject,
		},
		OrderingKey: env.Subject,
	}

	result := s.topic.Publish(ctx, msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			s.logger.Printf("publish failed: %s -> %v", env.ID, err)
		}
	}()

	s.Bus.publish(env)
	return nil
}

// Close stops the topic and closes the client.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the topic is reachable.
func (s *PubSubSink) HealthCheck(ctx context.Context) error {
	exists, err := s.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Sink = (*PubSubSink)(nil)
