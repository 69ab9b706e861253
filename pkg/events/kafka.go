package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink writes every event to one topic keyed by channel, so all events of a
// market land on the same partition in order.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, channel string, payload []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(channel),
		Value: payload,
	})
}

func (k *KafkaSink) Close() error { return k.writer.Close() }
