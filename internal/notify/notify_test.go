package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkaGo "github.com/segmentio/kafka-go"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
)

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	_ = r.Publish(context.Background(), model.Event{Kind: model.EventProductListed, ProductID: "p1"})
	r.Err = errors.New("broker down")
	if err := r.Publish(context.Background(), model.Event{Kind: model.EventProductSold, ProductID: "p1"}); err == nil {
		t.Fatalf("expected configured error")
	}
	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[1] != model.EventProductSold {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
}

func TestLogPublisherNeverFails(t *testing.T) {
	if err := (Log{}).Publish(context.Background(), model.Event{Kind: model.EventProductSyncFailed}); err != nil {
		t.Fatalf("log publisher failed: %v", err)
	}
}

func TestKafkaPublish(t *testing.T) {
	brokers := os.Getenv("KAFKA_TEST_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_TEST_BROKERS not set")
	}
	list := strings.Split(brokers, ",")
	topic := "marketplace-sync-test-" + uuid.NewString()
	k := NewKafka(list, topic)
	defer k.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ev := model.Event{ID: uuid.NewString(), Kind: model.EventProductListed, ProductID: "p1", State: model.StateListed, At: time.Now().UTC()}
	if err := k.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reader := kafkaGo.NewReader(kafkaGo.ReaderConfig{Brokers: list, Topic: topic, MinBytes: 1, MaxBytes: 1 << 20})
	defer reader.Close()
	msg, err := reader.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got model.Event
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(msg.Key) != "p1" || got.ID != ev.ID {
		t.Fatalf("unexpected message: key=%s event=%+v", msg.Key, got)
	}
}
