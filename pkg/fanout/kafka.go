package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mahaj/messaging-core/pkg/model"
)

// KafkaBus broadcasts events to every gateway node. Messages are keyed by
// conversation id, so one conversation always maps to one partition and keeps
// its order. Each node consumes with its own group id to see every event.
type KafkaBus struct {
	writer *kafka.Writer
	reader *kafka.Reader
	log    *slog.Logger
}

func NewKafkaBus(brokers []string, topic, nodeID string, log *slog.Logger) *KafkaBus {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 5 * time.Millisecond,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "gateway-" + nodeID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     100 * time.Millisecond,
	})

	return &KafkaBus{writer: writer, reader: reader, log: log}
}

func (b *KafkaBus) Publish(ctx context.Context, ev model.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ConversationID),
		Value: value,
		Time:  time.Now(),
	})
}

// Run reads until ctx is cancelled. Undecodable records are logged and skipped.
func (b *KafkaBus) Run(ctx context.Context, deliver func(model.Event)) error {
	for {
		m, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		var ev model.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			b.log.Warn("undecodable bus record", "partition", m.Partition, "offset", m.Offset, "err", err)
			continue
		}
		deliver(ev)
	}
}

func (b *KafkaBus) Close() error {
	return errors.Join(b.writer.Close(), b.reader.Close())
}

var _ Bus = (*KafkaBus)(nil)
