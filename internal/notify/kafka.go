package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes status messages as JSON, keyed by target. Screenshots
// are not forwarded; only their captions are.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: false,
		},
	}
}

// NewKafkaSinkWithWriter builds a sink using a custom writer (tests).
func NewKafkaSinkWithWriter(writer messageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

type statusEvent struct {
	Message
	HasImage bool `json:"hasImage,omitempty"`
}

// Consume writes the batch in one call.
func (s *KafkaSink) Consume(ctx context.Context, batch []Message) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, msg := range batch {
		payload, err := json.Marshal(statusEvent{Message: msg, HasImage: msg.HasImage()})
		if err != nil {
			return fmt.Errorf("encode status event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(msg.Target),
			Value: payload,
			Time:  msg.At,
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close shuts down the underlying writer.
func (s *KafkaSink) Close(context.Context) error {
	return s.writer.Close()
}
