package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/kafka"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/retry"
	"go.uber.org/zap"
)

// RecordSource is the consumer surface the release consumer needs
type RecordSource interface {
	Poll(ctx context.Context) ([]*kafka.Record, error)
	CommitRecords(ctx context.Context, records []*kafka.Record) error
}

// ReleaseConsumerConfig contains configuration for the release consumer
type ReleaseConsumerConfig struct {
	WorkerCount int
	// PollBackoff is the pause after a failed poll
	PollBackoff time.Duration
}

// ReleaseConsumer consumes order cancellations and payment timeouts from the order
// subsystem and releases the order's seats and stock holds
type ReleaseConsumer struct {
	consumer     RecordSource
	reservations service.ReservationCoordinator
	stock        service.StockCoordinator
	dlq          *retry.DLQHandler
	config       *ReleaseConsumerConfig
}

// NewReleaseConsumer creates a new release consumer
func NewReleaseConsumer(
	consumer RecordSource,
	reservations service.ReservationCoordinator,
	stock service.StockCoordinator,
	dlq *retry.DLQHandler,
	config *ReleaseConsumerConfig,
) *ReleaseConsumer {
	if config == nil {
		config = &ReleaseConsumerConfig{}
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 5
	}
	if config.PollBackoff <= 0 {
		config.PollBackoff = time.Second
	}
	if dlq == nil {
		dlq = retry.NewDLQHandler(nil, nil, "release-consumer")
	}
	return &ReleaseConsumer{
		consumer:     consumer,
		reservations: reservations,
		stock:        stock,
		dlq:          dlq,
		config:       config,
	}
}

// Start runs the workers and polls until ctx ends
func (w *ReleaseConsumer) Start(ctx context.Context) error {
	log := logger.Get()
	log.Info(fmt.Sprintf("Starting release consumer with %d workers", w.config.WorkerCount))

	recordsCh := make(chan *kafka.Record, w.config.WorkerCount*10)
	done := make(chan struct{})
	for i := 0; i < w.config.WorkerCount; i++ {
		go func(id int) {
			w.worker(ctx, id, recordsCh)
			done <- struct{}{}
		}(i)
	}

	err := w.poll(ctx, recordsCh)
	for i := 0; i < w.config.WorkerCount; i++ {
		<-done
	}
	return err
}

func (w *ReleaseConsumer) poll(ctx context.Context, recordsCh chan<- *kafka.Record) error {
	log := logger.Get()
	defer close(recordsCh)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := w.consumer.Poll(ctx)
		if err != nil {
			if errors.Is(err, kafka.ErrClientClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("Failed to poll messages", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.config.PollBackoff):
			}
			continue
		}

		for _, record := range records {
			select {
			case recordsCh <- record:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (w *ReleaseConsumer) worker(ctx context.Context, id int, recordsCh <-chan *kafka.Record) {
	log := logger.Get()
	for record := range recordsCh {
		if err := w.ProcessRecord(ctx, record); err != nil {
			log.Error(fmt.Sprintf("Worker %d failed to process record", id), zap.Error(err))
		}
	}
}

// ProcessRecord releases the order named by one record and commits it. Records that
// keep failing are parked on the DLQ so the partition moves on.
func (w *ReleaseConsumer) ProcessRecord(ctx context.Context, record *kafka.Record) error {
	log := logger.Get()

	var event domain.SeatReleaseEvent
	if err := json.Unmarshal(record.Value, &event); err != nil || event.OrderToken == "" {
		log.Error("Dropping malformed release event",
			zap.String("topic", record.Topic), zap.Int64("offset", record.Offset))
		return w.consumer.CommitRecords(ctx, []*kafka.Record{record})
	}

	reason := event.Reason
	if reason == "" {
		reason = service.ReleaseReasonCancel
	}

	env := &retry.Envelope{
		ID:      fmt.Sprintf("%s-%d-%d", record.Topic, record.Partition, record.Offset),
		Topic:   record.Topic,
		Key:     string(record.Key),
		Payload: record.Value,
		Headers: record.Headers,
	}
	err := w.dlq.Process(ctx, env, func(ctx context.Context) error {
		return w.release(ctx, event.OrderToken, reason)
	})
	if err != nil {
		log.Error("Release parked on DLQ",
			zap.String("order_token", event.OrderToken), zap.Error(err))
	}

	return w.consumer.CommitRecords(ctx, []*kafka.Record{record})
}

func (w *ReleaseConsumer) release(ctx context.Context, order, reason string) error {
	seats, err := w.reservations.Release(ctx, order, reason)
	if err != nil {
		if domain.IsValidationError(err) {
			return retry.Permanent(err)
		}
		return err
	}
	units, err := w.stock.ReleaseOrder(ctx, order)
	if err != nil {
		return err
	}
	logger.Get().Info(fmt.Sprintf("Released order %s: %d seats, %d stock units", order, seats, units),
		zap.String("reason", reason))
	return nil
}
