package fanout

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/messaging-core/pkg/model"
	"github.com/mahaj/messaging-core/pkg/snowflake"
)

func TestKafkaBus_RoundTrip(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	req := require.New(t)
	addrs := strings.Split(brokers, ",")
	topic := "fanout-test-" + uuid.NewString()

	conn, err := kafka.Dial("tcp", addrs[0])
	req.NoError(err)
	req.NoError(conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 3, ReplicationFactor: 1}))
	_ = conn.Close()

	bus := NewKafkaBus(addrs, topic, uuid.NewString(), slog.Default())
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	got := make(chan model.Event, 16)
	go func() { _ = bus.Run(ctx, func(ev model.Event) { got <- ev }) }()

	// Give the consumer group time to join before the first write
	time.Sleep(3 * time.Second)

	for i := 1; i <= 5; i++ {
		ev := model.StatusChanged(model.Message{ID: snowflake.ID(10 + i), ConversationID: "conv:a:b", Status: model.StatusDelivered})
		req.NoError(bus.Publish(ctx, ev))
	}
	for i := 1; i <= 5; i++ {
		select {
		case ev := <-got:
			req.Equal(snowflake.ID(10+i), ev.MessageID)
		case <-ctx.Done():
			t.Fatal("timed out waiting for bus events")
		}
	}
}
