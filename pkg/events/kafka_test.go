package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/iodzaMonk/acquisitions/pkg/stream"
)

type fakeWriter struct {
	msgs     []kafka.Message
	writeErr error
	closed   bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_ = ctx
	if f.writeErr != nil {
		return f.writeErr
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "security-events"}); err == nil {
		t.Fatal("expected error for missing brokers")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", ""}, Topic: "security-events"}); err == nil {
		t.Fatal("expected error for blank brokers")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected error for missing topic")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "security-events"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublishEncodesEvent(t *testing.T) {
	fw := &fakeWriter{}
	p := &KafkaPublisher{writer: fw}

	evt := stream.NewEvent("gate_denied", map[string]string{"rule": "sliding_window"})
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fw.msgs))
	}
	if string(fw.msgs[0].Key) != "gate_denied" {
		t.Fatalf("unexpected message key %q", fw.msgs[0].Key)
	}
	var decoded stream.Event
	if err := json.Unmarshal(fw.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if decoded.ID != evt.ID || decoded.Kind != evt.Kind {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, evt)
	}

	fw.writeErr = errors.New("broker down")
	if err := p.Publish(context.Background(), evt); err == nil {
		t.Fatal("expected write error")
	}
}

func TestPublishOnNilPublisher(t *testing.T) {
	var p *KafkaPublisher
	if err := p.Publish(context.Background(), stream.Event{}); err == nil {
		t.Fatal("expected error from uninitialized publisher")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close on nil publisher: %v", err)
	}
}
