// Package notify defines the notification gateway the distributor uses to
// tell workers a task is available, plus a Kafka-backed implementation and
// an in-memory one for tests.
package notify

import (
	"context"
	"sync"
)

// Message is one "task available" notification. The Key is
// "{taskId}-{workerId}" and doubles as the idempotency key: a retried
// distribution attempt produces the same key, so downstream delivery can
// deduplicate.
type Message struct {
	Key      string         `json:"key"`
	TaskID   string         `json:"task_id"`
	WorkerID string         `json:"worker_id"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Gateway delivers notification batches. One call per batch; a failed batch
// must not prevent other batches from being attempted.
type Gateway interface {
	NotifyBatch(ctx context.Context, msgs []Message) error
	Close() error
}

// MemoryGateway collects notifications in memory. Test double, also usable
// as a no-op gateway when no broker is configured.
type MemoryGateway struct {
	mu   sync.Mutex
	sent []Message

	// FailKeys lists message keys whose batch should fail, for testing
	// batch-failure isolation.
	FailKeys map[string]bool
}

// NewMemoryGateway returns an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{FailKeys: make(map[string]bool)}
}

func (g *MemoryGateway) NotifyBatch(_ context.Context, msgs []Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range msgs {
		if g.FailKeys[m.Key] {
			return &batchError{key: m.Key}
		}
	}
	g.sent = append(g.sent, msgs...)
	return nil
}

func (g *MemoryGateway) Close() error { return nil }

// Sent returns a copy of everything delivered so far.
func (g *MemoryGateway) Sent() []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Message, len(g.sent))
	copy(out, g.sent)
	return out
}

type batchError struct{ key string }

func (e *batchError) Error() string { return "delivery failed for " + e.key }
