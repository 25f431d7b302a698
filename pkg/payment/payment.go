// Package payment hands completed tasks off to the external payment
// executor. This engine only emits the trigger with its amount-basis inputs;
// amount computation, batching and transfer execution live downstream.
package payment

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/guido-cesarano/verifyq/pkg/verify"
)

// Trigger is one payment request for one verifier of a completed task.
type Trigger struct {
	TaskID           string    `json:"task_id"`
	VerifierID       string    `json:"verifier_id"`
	Verdict          string    `json:"verdict"`
	ConsensusVerdict string    `json:"consensus_verdict"`
	ConfidenceScore  float64   `json:"confidence_score"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
	TriggeredAt      time.Time `json:"triggered_at"`
}

// Sink receives payment triggers once consensus is reached.
type Sink interface {
	Trigger(ctx context.Context, t Trigger) error
	Close() error
}

// KafkaSink publishes triggers to the payment topic, keyed by task id.
type KafkaSink struct {
	writer  *kgo.Writer
	timeout time.Duration
}

// NewKafkaSink connects a sink to the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return &KafkaSink{writer: w, timeout: 3 * time.Second}
}

func (s *KafkaSink) Trigger(ctx context.Context, t Trigger) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(t.TaskID),
		Value: b,
		Time:  time.Now(),
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// TriggersFor derives one payment trigger per submitted verifier from a
// consensus result.
func TriggersFor(consensus *verify.ConsensusResult, subs []verify.Submission) []Trigger {
	now := time.Now().UTC()
	out := make([]Trigger, 0, len(subs))
	for _, sub := range subs {
		out = append(out, Trigger{
			TaskID:           consensus.TaskID,
			VerifierID:       sub.WorkerID,
			Verdict:          sub.Verdict,
			ConsensusVerdict: consensus.Verdict,
			ConfidenceScore:  consensus.ConfidenceScore,
			TimeSpentSeconds: sub.TimeSpentSeconds,
			TriggeredAt:      now,
		})
	}
	return out
}

// MemorySink records triggers for tests.
type MemorySink struct {
	mu       sync.Mutex
	triggers []Trigger
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Trigger(_ context.Context, t Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, t)
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Triggers returns a copy of everything triggered so far.
func (s *MemorySink) Triggers() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Trigger, len(s.triggers))
	copy(out, s.triggers)
	return out
}
