package publisher

import (
	"context"
	"encoding/json"
	"time"

	"fenrir/internal/common"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes events as JSON envelopes to <prefix>.<kind> topics,
// keyed by pair so one pair's events stay ordered on one partition.
type KafkaSink struct {
	writer messageWriter
	prefix string
}

func NewKafkaSink(brokers []string, prefix string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Async:                  false,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		prefix: prefix,
	}
}

func (k *KafkaSink) Name() string { return "kafka" }

// Topic returns the topic events of kind are written to.
func (k *KafkaSink) Topic(kind common.EventKind) string {
	return k.prefix + "." + kind.String()
}

func (k *KafkaSink) Deliver(ctx context.Context, events []common.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(Wrap(ev))
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Topic: k.Topic(ev.Kind()),
			Key:   []byte(ev.Pair()),
			Value: value,
		})
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
