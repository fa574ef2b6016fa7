package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DLQMessage is a message that could not be processed after all attempts.
type DLQMessage struct {
	ID             string            `json:"id"`
	OriginalTopic  string            `json:"original_topic"`
	OriginalKey    string            `json:"original_key"`
	Payload        json.RawMessage   `json:"payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	Error          string            `json:"error"`
	Attempts       int               `json:"attempts"`
	FirstAttemptAt time.Time         `json:"first_attempt_at"`
	MovedToDLQAt   time.Time         `json:"moved_to_dlq_at"`
	Source         string            `json:"source"`
}

// DLQPublisher publishes failed messages to a dead letter topic
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, msg *DLQMessage) error
}

// JSONProducer is the subset of the Kafka producer used for dead letters
type JSONProducer interface {
	ProduceJSON(ctx context.Context, topic, key string, data interface{}, headers map[string]string) error
}

// KafkaDLQPublisher writes dead letters to "<topic><suffix>"
type KafkaDLQPublisher struct {
	producer JSONProducer
	suffix   string
	source   string
}

// NewKafkaDLQPublisher creates a Kafka-backed DLQ publisher
func NewKafkaDLQPublisher(producer JSONProducer, source string) *KafkaDLQPublisher {
	return &KafkaDLQPublisher{producer: producer, suffix: ".dlq", source: source}
}

// Topic returns the dead letter topic for an original topic
func (p *KafkaDLQPublisher) Topic(original string) string {
	return original + p.suffix
}

// PublishToDLQ publishes msg to the dead letter topic
func (p *KafkaDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error {
	if msg == nil {
		return fmt.Errorf("DLQ message cannot be nil")
	}
	msg.MovedToDLQAt = time.Now()
	msg.Source = p.source

	headers := map[string]string{
		"content_type":   "application/json",
		"original_topic": msg.OriginalTopic,
		"error":          msg.Error,
		"attempts":       strconv.Itoa(msg.Attempts),
		"source":         msg.Source,
	}
	return p.producer.ProduceJSON(ctx, p.Topic(msg.OriginalTopic), msg.OriginalKey, msg, headers)
}

// NoOpDLQPublisher drops dead letters
type NoOpDLQPublisher struct{}

// PublishToDLQ does nothing
func (NoOpDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error { return nil }

// DLQHandler retries an operation and parks the message on failure
type DLQHandler struct {
	retrier   *Retrier
	publisher DLQPublisher
	source    string
}

// NewDLQHandler creates a handler. A nil policy means DefaultPolicy.
func NewDLQHandler(publisher DLQPublisher, policy *Policy, source string) *DLQHandler {
	if publisher == nil {
		publisher = NoOpDLQPublisher{}
	}
	return &DLQHandler{retrier: New(policy), publisher: publisher, source: source}
}

// Envelope identifies the message being processed
type Envelope struct {
	ID      string
	Topic   string
	Key     string
	Payload json.RawMessage
	Headers map[string]string
}

// Process runs op with retries; when it keeps failing the envelope goes to the DLQ
// and the final error is returned.
func (h *DLQHandler) Process(ctx context.Context, env *Envelope, op Operation) error {
	first := time.Now()
	res := h.retrier.Do(ctx, op)
	if res.Err == nil {
		return nil
	}

	errMsg := res.Err.Error()
	if res.LastError != nil {
		errMsg = res.LastError.Error()
	}

	msg := &DLQMessage{
		ID:             env.ID,
		OriginalTopic:  env.Topic,
		OriginalKey:    env.Key,
		Payload:        env.Payload,
		Headers:        env.Headers,
		Error:          errMsg,
		Attempts:       res.Attempts,
		FirstAttemptAt: first,
		Source:         h.source,
	}
	if err := h.publisher.PublishToDLQ(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w (original error: %s)", err, errMsg)
	}
	return res.Err
}
