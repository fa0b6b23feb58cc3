// Package dispatch routes persisted notifications to channel providers. One
// concurrent task per (notification, channel); a slow or failing channel
// never delays another.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/circuitbreaker"
	"github.com/velora/herald/internal/db"
	"github.com/velora/herald/internal/fanout"
	"github.com/velora/herald/internal/metrics"
	"github.com/velora/herald/internal/provider"
	"github.com/velora/herald/internal/template"
)

// Delivery error codes recorded on failed attempts.
const (
	ErrCodeTimeout        = "timeout"
	ErrCodeProviderError  = "provider_error"
	ErrCodeCircuitOpen    = "circuit_open"
	ErrCodeInvalidAddress = "invalid_address"
	ErrCodeNoProvider     = "no_provider"
)

// Ledger is the slice of the repository the dispatcher writes through.
type Ledger interface {
	MarkDeliverySent(ctx context.Context, id uuid.UUID, provider string, latency time.Duration) (*db.DeliveryRecord, error)
	MarkDeliveryDelivered(ctx context.Context, id uuid.UUID, provider string, latency time.Duration) (*db.DeliveryRecord, error)
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) (*db.DeliveryRecord, error)
	GetMember(ctx context.Context, orgID, userID uuid.UUID) (*db.OrgMember, error)
}

// Renderer produces channel content; satisfied by *template.Renderer.
type Renderer interface {
	Render(ctx context.Context, orgID uuid.UUID, module, eventType, channel string, data map[string]string, locale string) (*template.Rendered, error)
}

// Publisher emits fanout events on every state transition.
type Publisher interface {
	Publish(ctx context.Context, event fanout.Event)
}

// RetryScheduler schedules an automatic retry after a retryable failure.
// Implemented by the retry coordinator; injected after construction to keep
// the dependency one-directional.
type RetryScheduler interface {
	ScheduleAuto(ctx context.Context, rec *db.DeliveryRecord)
}

// Job is one (notification, channel) dispatch task.
type Job struct {
	Notification *db.Notification
	Delivery     *db.DeliveryRecord
	// Data holds the payload variables for template rendering. Nil on
	// retries, which reuse the notification's persisted title and body.
	Data   map[string]string
	Locale string
	// Address is the channel-specific recipient address; resolved from the
	// directory when empty.
	Address string
}

// Config holds dispatcher settings.
type Config struct {
	Workers         int
	ProviderTimeout time.Duration
}

// Dispatcher fans notifications out to channel providers through a bounded
// worker pool.
type Dispatcher struct {
	ledger    Ledger
	renderer  Renderer
	registry  *provider.Registry
	publisher Publisher
	retries   RetryScheduler
	logger    *zap.Logger

	sem     chan struct{}
	timeout time.Duration
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a dispatcher. Tasks run against a background context detached
// from the submitting request: an accepted notification dispatches even if
// the producer hangs up.
func New(ledger Ledger, renderer Renderer, registry *provider.Registry, publisher Publisher, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ledger:    ledger,
		renderer:  renderer,
		registry:  registry,
		publisher: publisher,
		logger:    logger,
		sem:       make(chan struct{}, cfg.Workers),
		timeout:   cfg.ProviderTimeout,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
}

// SetRetryScheduler wires the retry coordinator in after construction.
func (d *Dispatcher) SetRetryScheduler(rs RetryScheduler) {
	d.retries = rs
}

// Enqueue hands a job to the worker pool and returns immediately.
func (d *Dispatcher) Enqueue(job Job) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-d.baseCtx.Done():
			return
		}

		d.run(job)
	}()
}

// DispatchAll enqueues one job per delivery record of a notification.
func (d *Dispatcher) DispatchAll(notif *db.Notification, deliveries []*db.DeliveryRecord, data map[string]string, locale string, addresses map[string]string) {
	for _, rec := range deliveries {
		d.Enqueue(Job{
			Notification: notif,
			Delivery:     rec,
			Data:         data,
			Locale:       locale,
			Address:      addresses[rec.Channel],
		})
	}
}

// Redispatch enqueues a claimed retry. Address and locale are re-resolved
// from the directory; the persisted title/body are reused as content.
func (d *Dispatcher) Redispatch(notif *db.Notification, rec *db.DeliveryRecord) {
	d.Enqueue(Job{
		Notification: notif,
		Delivery:     rec,
	})
}

// Close stops accepting work and waits for in-flight tasks.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(job Job) {
	ctx := d.baseCtx
	notif := job.Notification
	rec := job.Delivery

	prov := d.registry.ForChannel(rec.Channel)
	if prov == nil {
		d.fail(ctx, rec, notif, ErrCodeNoProvider, "no provider registered for channel "+rec.Channel, false)
		return
	}

	content := d.buildContent(ctx, job, prov.MaxBodyLength())

	address := job.Address
	if address == "" && rec.Channel != db.ChannelInApp {
		if member, err := d.ledger.GetMember(ctx, notif.OrganizationID, notif.UserID); err == nil {
			address = member.Addresses[rec.Channel]
		}
	}

	callCtx, cancelCall := context.WithTimeout(ctx, d.timeout)
	defer cancelCall()

	start := time.Now()
	result, err := prov.Send(callCtx, address, content)
	latency := time.Since(start)
	metrics.RecordDispatchLatency(rec.Channel, latency)

	if err != nil {
		code := classify(err)
		d.fail(ctx, rec, notif, code, err.Error(), retryable(code))
		return
	}

	var updated *db.DeliveryRecord
	if result.Delivered {
		updated, err = d.ledger.MarkDeliveryDelivered(ctx, rec.ID, prov.Name(), latency)
	} else {
		updated, err = d.ledger.MarkDeliverySent(ctx, rec.ID, prov.Name(), latency)
	}
	if err != nil {
		// The provider accepted the payload but the ledger write lost a
		// state race or failed; nothing to unsend. Log and stop.
		d.logger.Error("failed to record delivery success",
			zap.Error(err),
			zap.String("delivery_id", rec.ID.String()),
			zap.String("channel", rec.Channel),
		)
		return
	}

	metrics.RecordDispatchOutcome(rec.Channel, updated.Status)
	d.logger.Info("channel dispatched",
		zap.String("notification_id", notif.ID.String()),
		zap.String("channel", rec.Channel),
		zap.String("status", updated.Status),
		zap.Duration("latency", latency),
	)

	d.publisher.Publish(ctx, fanout.Event{
		Type:           fanout.EventDeliveryStatusChanged,
		OrganizationID: notif.OrganizationID,
		UserID:         notif.UserID,
		NotificationID: notif.ID,
		DeliveryID:     updated.ID,
		Channel:        updated.Channel,
		Status:         updated.Status,
	})
}

// buildContent renders the channel's content, falling back to the payload and
// finally to the notification's persisted title/body. Truncation to the
// channel's limit happens here, not in the renderer.
func (d *Dispatcher) buildContent(ctx context.Context, job Job, bodyLimit int) provider.Content {
	notif := job.Notification
	rec := job.Delivery

	title, body, actionURL := notif.Title, notif.Body, notif.ActionURL
	if job.Data != nil {
		rendered, err := d.renderer.Render(ctx, notif.OrganizationID, notif.Module, notif.EventType, rec.Channel, job.Data, job.Locale)
		if err == nil {
			title, body, actionURL = rendered.Title, rendered.Body, rendered.ActionURL
		} else if errors.Is(err, template.ErrTemplateNotFound) {
			if fb := template.Fallback(job.Data); fb != nil {
				title, body, actionURL = fb.Title, fb.Body, fb.ActionURL
			}
		} else {
			d.logger.Warn("template render failed, using notification content",
				zap.Error(err),
				zap.String("channel", rec.Channel),
			)
		}
	}

	return provider.Content{
		NotificationID: notif.ID,
		OrganizationID: notif.OrganizationID,
		Title:          title,
		Body:           template.Truncate(body, bodyLimit),
		ActionURL:      actionURL,
		Priority:       notif.Priority,
		Data:           job.Data,
	}
}

// fail records a failed attempt, publishes the transition, and hands
// retryable failures to the retry coordinator.
func (d *Dispatcher) fail(ctx context.Context, rec *db.DeliveryRecord, notif *db.Notification, code, message string, canRetry bool) {
	updated, err := d.ledger.MarkDeliveryFailed(ctx, rec.ID, code, message)
	if err != nil {
		d.logger.Error("failed to record delivery failure",
			zap.Error(err),
			zap.String("delivery_id", rec.ID.String()),
		)
		return
	}

	metrics.RecordDispatchOutcome(rec.Channel, db.DeliveryFailed)
	d.logger.Warn("channel dispatch failed",
		zap.String("notification_id", notif.ID.String()),
		zap.String("channel", rec.Channel),
		zap.String("error_code", code),
		zap.Int("retry_count", updated.RetryCount),
		zap.String("error", message),
	)

	d.publisher.Publish(ctx, fanout.Event{
		Type:           fanout.EventDeliveryStatusChanged,
		OrganizationID: notif.OrganizationID,
		UserID:         notif.UserID,
		NotificationID: notif.ID,
		DeliveryID:     updated.ID,
		Channel:        updated.Channel,
		Status:         updated.Status,
	})

	if canRetry && d.retries != nil {
		d.retries.ScheduleAuto(ctx, updated)
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return ErrCodeCircuitOpen
	case errors.Is(err, provider.ErrInvalidAddress):
		return ErrCodeInvalidAddress
	default:
		return ErrCodeProviderError
	}
}

// retryable reports whether a failure class is worth an automatic retry.
// Invalid addresses and unregistered channels fail permanently; manual retry
// through the query API remains possible.
func retryable(code string) bool {
	return code == ErrCodeTimeout || code == ErrCodeProviderError || code == ErrCodeCircuitOpen
}
