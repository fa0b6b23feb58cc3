package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
)

// ClaimLedger claims due retries from the delivery ledger. The claim clears
// each record's due time under a row lock, so concurrent instances never
// double-dispatch the same retry.
type ClaimLedger interface {
	ClaimDueRetries(ctx context.Context, limit int) ([]*db.DueRetry, error)
}

// Redispatcher re-enqueues a claimed retry; satisfied by *dispatch.Dispatcher.
type Redispatcher interface {
	Redispatch(notif *db.Notification, rec *db.DeliveryRecord)
}

// SchedulerConfig holds polling settings.
type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// Scheduler polls the ledger for due retries and hands them to the
// dispatcher.
type Scheduler struct {
	ledger     ClaimLedger
	dispatcher Redispatcher
	cfg        SchedulerConfig
	logger     *zap.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(ledger ClaimLedger, dispatcher Redispatcher, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Scheduler{
		ledger:     ledger,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("retry scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("batch_size", s.cfg.BatchSize),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick claims one batch of due retries and re-enqueues them.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.ledger.ClaimDueRetries(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to claim due retries", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("claimed due retries", zap.Int("count", len(due)))
	for _, d := range due {
		s.redispatch(d)
	}
}

func (s *Scheduler) redispatch(d *db.DueRetry) {
	s.logger.Debug("re-dispatching delivery",
		zap.String("delivery_id", d.Delivery.ID.String()),
		zap.String("channel", d.Delivery.Channel),
		zap.Int("attempt", d.Delivery.RetryCount),
	)
	s.dispatcher.Redispatch(d.Notification, d.Delivery)
}
