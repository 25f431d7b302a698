// Package events publishes task lifecycle events for downstream analytics
// and notification collaborators. Publishing is fire-and-forget: the engine
// never blocks on, or fails because of, the event bus.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/guido-cesarano/verifyq/pkg/logger"
)

// Event types emitted over the bus.
const (
	TypeTaskDistributed        = "TaskDistributed"
	TypeTaskAssignmentAccepted = "TaskAssignmentAccepted"
	TypeTaskAssignmentRejected = "TaskAssignmentRejected"
	TypeTaskCompleted          = "TaskCompleted"
	TypeTaskExpired            = "TaskExpired"
	TypeTaskCancelled          = "TaskCancelled"
	TypeNoEligibleWorkers      = "NoEligibleWorkers"
	TypeTaskError              = "TaskError"
)

// Event is one lifecycle notification. Details are event-type specific.
type Event struct {
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Details    map[string]any `json:"details,omitempty"`
}

// Publisher is the engine's view of the event bus.
type Publisher interface {
	Publish(ctx context.Context, e Event)
	Close() error
}

// KafkaPublisher writes events to a Kafka topic, keyed by task id so events
// for one task stay ordered within a partition. Failures are logged and
// dropped; lifecycle events are advisory.
type KafkaPublisher struct {
	writer *kgo.Writer
	log    func(err error, eventType string)
}

// NewKafkaPublisher connects a publisher to the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	log := logger.With("events")
	return &KafkaPublisher{
		writer: w,
		log: func(err error, eventType string) {
			log.Error().Err(err).Str("event", eventType).Msg("Event publish failed")
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		p.log(err, e.Type)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(e.TaskID),
		Value: b,
		Time:  time.Now(),
	}); err != nil {
		p.log(err, e.Type)
	}
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// MemoryPublisher records events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher returns an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(_ context.Context, e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	p.events = append(p.events, e)
}

func (p *MemoryPublisher) Close() error { return nil }

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ByType filters published events by type.
func (p *MemoryPublisher) ByType(eventType string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
