package outbox

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeStore struct {
	pending []Event
	sent    []int64
	failed  []int64
}

func (s *fakeStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error) {
	batch := s.pending
	s.pending = nil
	return batch, nil
}

func (s *fakeStore) MarkSent(ctx context.Context, ids []int64) error {
	s.sent = append(s.sent, ids...)
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	s.failed = append(s.failed, id)
	return nil
}

type fakeProducer struct {
	messages []kafka.Message
	failKey  string
}

func (p *fakeProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		if string(m.Key) == p.failKey {
			return errors.New("broker unavailable")
		}
		p.messages = append(p.messages, m)
	}
	return nil
}

func TestDrainDispatchesAndMarks(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	store := &fakeStore{pending: []Event{
		{ID: 1, AggregateID: "o-1", Type: "OrderConfirmed", Payload: []byte(`{}`), Traceparent: "00-abc-def-01"},
		{ID: 2, AggregateID: "o-2", Type: "OrderFailed", Payload: []byte(`{}`)},
	}}
	producer := &fakeProducer{failKey: "o-2"}
	relay := NewRelay(log, store, NewDispatcher(log, producer, "order.events"), "relay-test")

	relay.drain(context.Background())

	if len(store.sent) != 1 || store.sent[0] != 1 {
		t.Errorf("expected event 1 marked sent, got %v", store.sent)
	}
	if len(store.failed) != 1 || store.failed[0] != 2 {
		t.Errorf("expected event 2 marked failed, got %v", store.failed)
	}
	if len(producer.messages) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(producer.messages))
	}

	msg := producer.messages[0]
	if string(msg.Key) != "o-1" {
		t.Errorf("expected message keyed by aggregate id, got %s", msg.Key)
	}
	var gotType, gotTrace string
	for _, h := range msg.Headers {
		switch h.Key {
		case "event_type":
			gotType = string(h.Value)
		case "traceparent":
			gotTrace = string(h.Value)
		}
	}
	if gotType != "OrderConfirmed" {
		t.Errorf("expected event_type header, got %q", gotType)
	}
	if gotTrace != "00-abc-def-01" {
		t.Errorf("expected traceparent header, got %q", gotTrace)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	relay := NewRelay(log, &fakeStore{}, NewDispatcher(log, &fakeProducer{}, "order.events"), "relay-test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}
