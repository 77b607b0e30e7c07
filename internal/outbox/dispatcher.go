package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Publisher is the transport the dispatcher delivers to.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Dispatcher polls the repository and publishes pending records in id order.
// A failed publish leaves the record pending, so delivery is at-least-once
// across transport outages.
type Dispatcher struct {
	repo      Repository
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewDispatcher creates a poller dispatcher.
func NewDispatcher(repo Repository, publisher Publisher, interval time.Duration, batchSize int, logger *zap.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		repo:      repo,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Flush(ctx); err != nil {
				d.logger.Warn("outbox flush failed", zap.Error(err))
			}
		}
	}
}

// Flush delivers one batch of pending records and returns how many were
// dispatched. On a publish failure it records the error and stops the batch
// to preserve per-subject ordering.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	pending, err := d.repo.FetchPending(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, rec := range pending {
		if err := d.publisher.Publish(ctx, rec.Subject, rec.Payload); err != nil {
			if markErr := d.repo.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
				d.logger.Error("failed to record outbox failure",
					zap.Int64("record_id", rec.ID), zap.Error(markErr))
			}
			d.logger.Warn("outbox publish failed, will redeliver",
				zap.Int64("record_id", rec.ID),
				zap.String("subject", rec.Subject),
				zap.Error(err),
			)
			return dispatched, nil
		}
		if err := d.repo.MarkDispatched(ctx, rec.ID); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}
