package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// publishResult is the part of *pubsub.PublishResult the sink waits on.
type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
	Stop()
}

type pubsubTopic struct {
	topic *pubsub.Topic
}

func (t pubsubTopic) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return t.topic.Publish(ctx, msg)
}

func (t pubsubTopic) Stop() {
	t.topic.Stop()
}

// PubSubSink publishes status messages to a Cloud Pub/Sub topic.
type PubSubSink struct {
	client *pubsub.Client
	topic  topicPublisher
}

// NewPubSubSink connects to projectID and publishes to topicName.
func NewPubSubSink(ctx context.Context, projectID, topicName string) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &PubSubSink{client: client, topic: pubsubTopic{topic: client.Topic(topicName)}}, nil
}

func newPubSubSinkWithTopic(topic topicPublisher) *PubSubSink {
	return &PubSubSink{topic: topic}
}

// Consume publishes every message and waits for the server acknowledgements.
func (s *PubSubSink) Consume(ctx context.Context, batch []Message) error {
	results := make([]publishResult, 0, len(batch))
	for _, msg := range batch {
		data, err := json.Marshal(statusEvent{Message: msg, HasImage: msg.HasImage()})
		if err != nil {
			return fmt.Errorf("encode status event: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"run_id": msg.RunID,
				"target": msg.Target,
			},
		}))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publish status event: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending publishes and closes the client.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
