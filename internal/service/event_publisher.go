package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/kafka"
)

// EventPublisher defines the interface for publishing inventory events
type EventPublisher interface {
	// PublishInventoryEvent publishes a committed seat or stock change
	PublishInventoryEvent(ctx context.Context, event *domain.InventoryEvent) error

	// PublishRefundRequired asks the order subsystem to refund an order
	PublishRefundRequired(ctx context.Context, event *domain.RefundRequiredEvent) error

	// PublishAlert raises an operational alert
	PublishAlert(ctx context.Context, alert *domain.OpsAlert) error

	// Close closes the event publisher
	Close() error
}

// MessageProducer is the part of kafka.Producer the publisher needs
type MessageProducer interface {
	Produce(ctx context.Context, msg *kafka.Message) error
}

// EventPublisherConfig contains configuration for the event publisher
type EventPublisherConfig struct {
	InventoryTopic string
	RefundTopic    string
	AlertTopic     string
	ServiceName    string
}

// KafkaEventPublisher implements EventPublisher using Kafka
type KafkaEventPublisher struct {
	producer MessageProducer
	closer   func()
	cfg      EventPublisherConfig
}

// NewKafkaEventPublisher creates a new Kafka event publisher
func NewKafkaEventPublisher(producer MessageProducer, cfg *EventPublisherConfig) *KafkaEventPublisher {
	c := EventPublisherConfig{
		InventoryTopic: "inventory.events",
		RefundTopic:    "order.refund-required",
		AlertTopic:     "ops.alerts",
		ServiceName:    "seat-inventory",
	}
	if cfg != nil {
		if cfg.InventoryTopic != "" {
			c.InventoryTopic = cfg.InventoryTopic
		}
		if cfg.RefundTopic != "" {
			c.RefundTopic = cfg.RefundTopic
		}
		if cfg.AlertTopic != "" {
			c.AlertTopic = cfg.AlertTopic
		}
		if cfg.ServiceName != "" {
			c.ServiceName = cfg.ServiceName
		}
	}

	p := &KafkaEventPublisher{producer: producer, cfg: c}
	if kp, ok := producer.(*kafka.Producer); ok {
		p.closer = kp.Close
	}
	return p
}

// PublishInventoryEvent publishes to the inventory topic keyed by session
func (p *KafkaEventPublisher) PublishInventoryEvent(ctx context.Context, event *domain.InventoryEvent) error {
	stamp(&event.EventID, &event.Timestamp)
	return p.publish(ctx, p.cfg.InventoryTopic, string(event.EventType), event.EventID, event.Key(), event)
}

// PublishRefundRequired publishes to the refund topic keyed by order
func (p *KafkaEventPublisher) PublishRefundRequired(ctx context.Context, event *domain.RefundRequiredEvent) error {
	stamp(&event.EventID, &event.Timestamp)
	return p.publish(ctx, p.cfg.RefundTopic, "order.refund_required", event.EventID, event.OrderToken, event)
}

// PublishAlert publishes to the alert topic keyed by kind
func (p *KafkaEventPublisher) PublishAlert(ctx context.Context, alert *domain.OpsAlert) error {
	stamp(&alert.EventID, &alert.Timestamp)
	return p.publish(ctx, p.cfg.AlertTopic, alert.Kind, alert.EventID, alert.Kind, alert)
}

// Close closes the event publisher
func (p *KafkaEventPublisher) Close() error {
	if p.closer != nil {
		p.closer()
	}
	return nil
}

func stamp(id *string, ts *time.Time) {
	if *id == "" {
		*id = uuid.New().String()
	}
	if ts.IsZero() {
		*ts = time.Now()
	}
}

// publish publishes an event to Kafka
func (p *KafkaEventPublisher) publish(ctx context.Context, topic, eventType, eventID, key string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{
		"event_type":   eventType,
		"event_id":     eventID,
		"source":       p.cfg.ServiceName,
		"content_type": "application/json",
	}

	msg := &kafka.Message{
		Topic:     topic,
		Key:       []byte(key),
		Value:     value,
		Headers:   headers,
		Timestamp: time.Now(),
	}

	if err := p.producer.Produce(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	return nil
}

// NoOpEventPublisher is a no-op implementation of EventPublisher
type NoOpEventPublisher struct{}

// NewNoOpEventPublisher creates a new no-op event publisher
func NewNoOpEventPublisher() *NoOpEventPublisher {
	return &NoOpEventPublisher{}
}

func (p *NoOpEventPublisher) PublishInventoryEvent(ctx context.Context, event *domain.InventoryEvent) error {
	return nil
}

func (p *NoOpEventPublisher) PublishRefundRequired(ctx context.Context, event *domain.RefundRequiredEvent) error {
	return nil
}

func (p *NoOpEventPublisher) PublishAlert(ctx context.Context, alert *domain.OpsAlert) error {
	return nil
}

func (p *NoOpEventPublisher) Close() error {
	return nil
}
