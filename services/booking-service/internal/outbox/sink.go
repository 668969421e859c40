package outbox

import (
	"context"
	"log/slog"

	"github.com/md-rashed-zaman/creatorhq/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

// Sink receives outbox records converted to Kafka messages.
type Sink interface {
	Write(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaSink) Write(ctx context.Context, msgs ...kafka.Message) error {
	return s.writer.WriteMessages(ctx, msgs...)
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// LocalSink hands messages to an in-process consumer. It is used when no
// brokers are configured so that booking events still drive side effects.
// Like a Kafka consumer group, a message whose handler gives up is logged and
// passed over; it never holds back the messages behind it.
type LocalSink struct {
	deliver func(ctx context.Context, msg kafka.Message) error
	logger  *slog.Logger
}

func NewLocalSink(logger *slog.Logger, deliver func(ctx context.Context, msg kafka.Message) error) *LocalSink {
	return &LocalSink{deliver: deliver, logger: logger}
}

func (s *LocalSink) Write(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		if err := s.deliver(kafkax.ExtractTraceContext(ctx, m), m); err != nil {
			meta := kafkax.ExtractEventMeta(m)
			s.logger.Error("local delivery failed", "err", err, "event_id", meta.EventID, "event_type", meta.EventType)
		}
	}
	return nil
}

func (s *LocalSink) Close() error { return nil }
