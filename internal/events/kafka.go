package events

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes driver locations to the locations topic (consumed by
// cmd/consumer) and every other event to the events topic.
type KafkaPublisher struct {
	writer         *kafka.Writer
	locationsTopic string
	eventsTopic    string
}

func NewKafkaPublisher(brokers []string, locationsTopic, eventsTopic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
	}
	return &KafkaPublisher{writer: w, locationsTopic: locationsTopic, eventsTopic: eventsTopic}
}

func (k *KafkaPublisher) topicFor(e Event) string {
	if e.Type == TypeDriverLocation {
		return k.locationsTopic
	}
	return k.eventsTopic
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	b, err := e.Encode()
	if err != nil {
		return err
	}
	// keyed by entity so one driver's or one trip's events stay in one partition
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   k.topicFor(e),
		Key:     []byte(e.Key),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
