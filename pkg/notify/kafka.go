package notify

import (
	"context"
	"encoding/json"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// KafkaGateway publishes notifications to a Kafka topic consumed by the
// bot/chat delivery service. Messages are keyed by "{taskId}-{workerId}" so
// delivery stays idempotent and per-worker ordering is preserved.
type KafkaGateway struct {
	writer  *kgo.Writer
	timeout time.Duration
}

// NewKafkaGateway connects a gateway to the given brokers and topic.
func NewKafkaGateway(brokers []string, topic string) *KafkaGateway {
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return &KafkaGateway{writer: w, timeout: 3 * time.Second}
}

func (g *KafkaGateway) NotifyBatch(ctx context.Context, msgs []Message) error {
	records := make([]kgo.Message, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		records = append(records, kgo.Message{
			Key:   []byte(m.Key),
			Value: b,
			Time:  time.Now(),
		})
	}

	// Bounded timeout so a distribution step never hangs on a dead broker.
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.writer.WriteMessages(cctx, records...)
}

func (g *KafkaGateway) Close() error { return g.writer.Close() }
