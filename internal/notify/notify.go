// Package notify delivers fire-and-forget product events to the notification
// layer. Publish errors are reported to the caller for logging only; they
// never undo the commit that produced the event.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
)

// Publisher sends events to the notification layer.
type Publisher interface {
	Publish(ctx context.Context, e model.Event) error
}

// Kafka publishes JSON events keyed by product id, so all events of one
// product land on the same partition in commit order.
type Kafka struct {
	w *kafkaGo.Writer
}

// NewKafka creates a publisher writing to topic on brokers. Writes are
// asynchronous; delivery failures are logged from the completion callback.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{w: &kafkaGo.Writer{
		Addr:                   kafkaGo.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkaGo.Hash{},
		AllowAutoTopicCreation: true,
		Async:                  true,
		BatchTimeout:           50 * time.Millisecond,
		Completion: func(messages []kafkaGo.Message, err error) {
			if err == nil {
				return
			}
			for _, m := range messages {
				obs.Logger.Error("event_delivery_failed", "product_id", string(m.Key), "error", err)
			}
		},
	}}
}

func (k *Kafka) Publish(ctx context.Context, e model.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return k.w.WriteMessages(ctx, kafkaGo.Message{
		Key:   []byte(e.ProductID),
		Value: payload,
		Headers: []kafkaGo.Header{
			{Key: "event_kind", Value: []byte(e.Kind)},
		},
	})
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error { return k.w.Close() }

// Log writes events to the structured log; used when no broker is configured.
type Log struct{}

func (Log) Publish(_ context.Context, e model.Event) error {
	obs.Logger.Info("product_event", "event_id", e.ID, "kind", e.Kind, "product_id", e.ProductID,
		"lifecycle_state", e.State, "marketplace", e.Marketplace, "version", e.Version)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.Err
}

// Events returns the recorded events in publish order.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in publish order.
func (r *Recorder) Kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}
