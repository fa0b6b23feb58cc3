// Package retry re-schedules failed deliveries with exponential backoff.
// Scheduling is a ledger write (failed -> pending with a due time); a polling
// scheduler claims due records and hands them back to the dispatcher, so a
// crashed instance never loses a scheduled retry.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
	"github.com/velora/herald/internal/metrics"
)

// ErrRetryLimitExceeded is returned when a delivery has consumed all of its
// retry budget.
var ErrRetryLimitExceeded = errors.New("retry limit exceeded")

// Ledger is the slice of the repository the coordinator uses.
type Ledger interface {
	GetDelivery(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	ResetDeliveryForRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) (*db.DeliveryRecord, error)
}

// Config holds backoff settings.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Coordinator owns retry eligibility and backoff. It never re-dispatches
// directly; it marks records due and lets the scheduler claim them.
type Coordinator struct {
	ledger Ledger
	cfg    Config
	logger *zap.Logger

	now func() time.Time
}

// NewCoordinator creates a coordinator with the given backoff settings.
func NewCoordinator(ledger Ledger, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Minute
	}
	return &Coordinator{
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// backoff returns the delay before attempt n (1-based), doubling from the
// base and capped at the max.
func (c *Coordinator) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay
}

// ScheduleAuto schedules a backoff retry after a retryable dispatch failure.
// Exhausted records stay failed and are logged for operator attention.
func (c *Coordinator) ScheduleAuto(ctx context.Context, rec *db.DeliveryRecord) {
	if rec.RetryCount >= rec.MaxRetries {
		c.logger.Warn("delivery retries exhausted",
			zap.String("delivery_id", rec.ID.String()),
			zap.String("channel", rec.Channel),
			zap.Int("retry_count", rec.RetryCount),
		)
		return
	}

	delay := c.backoff(rec.RetryCount + 1)
	updated, err := c.ledger.ResetDeliveryForRetry(ctx, rec.ID, c.now().Add(delay))
	if err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			// Lost a race with another scheduler or a manual retry; the
			// record is already pending.
			return
		}
		c.logger.Error("failed to schedule retry",
			zap.Error(err),
			zap.String("delivery_id", rec.ID.String()),
		)
		return
	}

	metrics.RecordRetryScheduled(rec.Channel, "auto")
	c.logger.Info("retry scheduled",
		zap.String("delivery_id", rec.ID.String()),
		zap.String("channel", rec.Channel),
		zap.Int("attempt", updated.RetryCount),
		zap.Duration("delay", delay),
	)
}

// ScheduleRetry requests an immediate manual retry of a failed delivery.
// Returns false without error when the record is not in a retryable state
// (already pending, delivered, or read). Exhausted records return
// ErrRetryLimitExceeded.
func (c *Coordinator) ScheduleRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	rec, err := c.ledger.GetDelivery(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.Status != db.DeliveryFailed {
		return false, nil
	}
	if rec.RetryCount >= rec.MaxRetries {
		return false, ErrRetryLimitExceeded
	}

	if _, err := c.ledger.ResetDeliveryForRetry(ctx, id, c.now()); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			// Concurrent scheduling already moved it; exactly one retry
			// happens either way.
			return false, nil
		}
		return false, err
	}

	metrics.RecordRetryScheduled(rec.Channel, "manual")
	return true, nil
}

// RetryBatch schedules manual retries for a set of deliveries and reports
// which were accepted. A record that cannot be retried does not abort the
// rest of the batch.
func (c *Coordinator) RetryBatch(ctx context.Context, ids []uuid.UUID) (succeeded, failed []uuid.UUID) {
	for _, id := range ids {
		ok, err := c.ScheduleRetry(ctx, id)
		if err != nil || !ok {
			failed = append(failed, id)
			continue
		}
		succeeded = append(succeeded, id)
	}
	return succeeded, failed
}
