package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type publishedJSON struct {
	Topic   string
	Key     string
	Data    interface{}
	Headers map[string]string
}

type fakeProducer struct {
	published []publishedJSON
	err       error
}

func (f *fakeProducer) ProduceJSON(ctx context.Context, topic, key string, data interface{}, headers map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedJSON{Topic: topic, Key: key, Data: data, Headers: headers})
	return nil
}

type recordingDLQ struct {
	msgs []*DLQMessage
}

func (r *recordingDLQ) PublishToDLQ(ctx context.Context, msg *DLQMessage) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestKafkaDLQPublisher_PublishToDLQ(t *testing.T) {
	producer := &fakeProducer{}
	publisher := NewKafkaDLQPublisher(producer, "release-consumer")

	err := publisher.PublishToDLQ(context.Background(), &DLQMessage{
		ID:            "msg-1",
		OriginalTopic: "order.seat-release",
		OriginalKey:   "order-42",
		Payload:       json.RawMessage(`{"order_token":"order-42"}`),
		Error:         "redis unavailable",
		Attempts:      3,
	})
	if err != nil {
		t.Fatalf("PublishToDLQ failed: %v", err)
	}

	if len(producer.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(producer.published))
	}
	got := producer.published[0]
	if got.Topic != "order.seat-release.dlq" {
		t.Errorf("Topic = %s, want order.seat-release.dlq", got.Topic)
	}
	if got.Key != "order-42" {
		t.Errorf("Key = %s, want order-42", got.Key)
	}
	if got.Headers["attempts"] != "3" {
		t.Errorf("attempts header = %s, want 3", got.Headers["attempts"])
	}
	msg, ok := got.Data.(*DLQMessage)
	if !ok {
		t.Fatal("published data is not a DLQMessage")
	}
	if msg.MovedToDLQAt.IsZero() {
		t.Error("MovedToDLQAt should be set")
	}
	if msg.Source != "release-consumer" {
		t.Errorf("Source = %s, want release-consumer", msg.Source)
	}
}

func TestKafkaDLQPublisher_NilMessage(t *testing.T) {
	publisher := NewKafkaDLQPublisher(&fakeProducer{}, "x")
	if err := publisher.PublishToDLQ(context.Background(), nil); err == nil {
		t.Error("expected error for nil message")
	}
}

func TestDLQHandler_Process_Success(t *testing.T) {
	dlq := &recordingDLQ{}
	h := NewDLQHandler(dlq, fastPolicy(3), "test")

	err := h.Process(context.Background(), &Envelope{ID: "1", Topic: "t"}, func(ctx context.Context) error {
		return nil
	})

	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(dlq.msgs) != 0 {
		t.Errorf("dead letters = %d, want 0", len(dlq.msgs))
	}
}

func TestDLQHandler_Process_ParksAfterExhaustion(t *testing.T) {
	dlq := &recordingDLQ{}
	h := NewDLQHandler(dlq, fastPolicy(3), "test")
	boom := errors.New("boom")

	err := h.Process(context.Background(), &Envelope{ID: "1", Topic: "order.seat-release", Key: "o1"}, func(ctx context.Context) error {
		return boom
	})

	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("err = %v, want ErrAttemptsExhausted", err)
	}
	if len(dlq.msgs) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq.msgs))
	}
	if dlq.msgs[0].Error != "boom" || dlq.msgs[0].Attempts != 3 {
		t.Errorf("dead letter = %+v", dlq.msgs[0])
	}
}

func TestDLQHandler_Process_PermanentErrorParksImmediately(t *testing.T) {
	dlq := &recordingDLQ{}
	h := NewDLQHandler(dlq, fastPolicy(5), "test")
	calls := 0

	_ = h.Process(context.Background(), &Envelope{ID: "1", Topic: "t"}, func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("bad payload"))
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(dlq.msgs) != 1 || dlq.msgs[0].Attempts != 1 {
		t.Errorf("dead letters = %+v", dlq.msgs)
	}
}
