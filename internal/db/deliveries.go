package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrInvalidTransition is returned when a status update does not match the
// record's current state. Every transition below is a compare-and-set on the
// status column, so an out-of-order write loses cleanly instead of regressing
// the state machine.
var ErrInvalidTransition = errors.New("invalid delivery state transition")

const deliveryColumns = `
	id, notification_id, channel, status, sent_at, delivered_at, clicked_at,
	read_at, failed_at, latency_ms, retry_count, max_retries, next_retry_at,
	provider, error_code, error_message, cost, created_at, updated_at
`

func scanDelivery(row pgx.Row) (*DeliveryRecord, error) {
	var d DeliveryRecord
	err := row.Scan(
		&d.ID,
		&d.NotificationID,
		&d.Channel,
		&d.Status,
		&d.SentAt,
		&d.DeliveredAt,
		&d.ClickedAt,
		&d.ReadAt,
		&d.FailedAt,
		&d.LatencyMs,
		&d.RetryCount,
		&d.MaxRetries,
		&d.NextRetryAt,
		&d.Provider,
		&d.ErrorCode,
		&d.ErrorMessage,
		&d.Cost,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDelivery retrieves a delivery record by ID.
func (r *Repository) GetDelivery(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE id = $1`

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery record: %w", err)
	}
	return d, nil
}

// ListDeliveries retrieves all delivery records for a notification.
func (r *Repository) ListDeliveries(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM delivery_records
		WHERE notification_id = $1
		ORDER BY channel`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query delivery records: %w", err)
	}
	defer rows.Close()

	var records []*DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		records = append(records, d)
	}
	return records, rows.Err()
}

// MarkDeliverySent moves pending -> sent, recording the provider that accepted
// the payload and the attempt latency.
func (r *Repository) MarkDeliverySent(ctx context.Context, id uuid.UUID, provider string, latency time.Duration) (*DeliveryRecord, error) {
	query := `
		UPDATE delivery_records
		SET status = $1, sent_at = NOW(), provider = $2, latency_ms = $3,
		    error_code = '', error_message = '', updated_at = NOW()
		WHERE id = $4 AND status = $5
		RETURNING ` + deliveryColumns

	return r.casDelivery(ctx, id, query, DeliverySent, provider, latency.Milliseconds(), id, DeliveryPending)
}

// MarkDeliveryDelivered moves pending or sent -> delivered. Channels without a
// confirmation step (in-app) go there straight from pending.
func (r *Repository) MarkDeliveryDelivered(ctx context.Context, id uuid.UUID, provider string, latency time.Duration) (*DeliveryRecord, error) {
	query := `
		UPDATE delivery_records
		SET status = $1, sent_at = COALESCE(sent_at, NOW()), delivered_at = NOW(),
		    provider = $2, latency_ms = $3, error_code = '', error_message = '',
		    updated_at = NOW()
		WHERE id = $4 AND status = ANY($5)
		RETURNING ` + deliveryColumns

	return r.casDelivery(ctx, id, query, DeliveryDelivered, provider, latency.Milliseconds(), id, []string{DeliveryPending, DeliverySent})
}

// MarkDeliveryFailed moves pending or sent -> failed with the provider error.
func (r *Repository) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) (*DeliveryRecord, error) {
	query := `
		UPDATE delivery_records
		SET status = $1, failed_at = NOW(), error_code = $2, error_message = $3,
		    updated_at = NOW()
		WHERE id = $4 AND status = ANY($5)
		RETURNING ` + deliveryColumns

	return r.casDelivery(ctx, id, query, DeliveryFailed, errorCode, errorMessage, id, []string{DeliveryPending, DeliverySent})
}

// MarkDeliveryClicked moves sent or delivered -> clicked.
func (r *Repository) MarkDeliveryClicked(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error) {
	query := `
		UPDATE delivery_records
		SET status = $1, clicked_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
		RETURNING ` + deliveryColumns

	return r.casDelivery(ctx, id, query, DeliveryClicked, id, []string{DeliverySent, DeliveryDelivered})
}

// MarkDeliveryRead moves sent, delivered or clicked -> read. A read without an
// observed click implies the click, so clicked_at is backfilled.
func (r *Repository) MarkDeliveryRead(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error) {
	query := `
		UPDATE delivery_records
		SET status = $1, clicked_at = COALESCE(clicked_at, NOW()), read_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
		RETURNING ` + deliveryColumns

	return r.casDelivery(ctx, id, query, DeliveryRead, id, []string{DeliverySent, DeliveryDelivered, DeliveryClicked})
}

// ResetDeliveryForRetry moves failed -> pending with retry_count incremented
// and a scheduled next attempt time. The retry_count < max_retries guard in
// the WHERE clause enforces the retry bound at the ledger, so two racing
// schedulers cannot push a record past its budget.
func (r *Repository) ResetDeliveryForRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) (*DeliveryRecord, error) {
	query := `
		UPDATE delivery_records
		SET status = $1, retry_count = retry_count + 1, next_retry_at = $2,
		    failed_at = NULL, updated_at = NOW()
		WHERE id = $3 AND status = $4 AND retry_count < max_retries
		RETURNING ` + deliveryColumns

	return r.casDelivery(ctx, id, query, DeliveryPending, nextRetryAt, id, DeliveryFailed)
}

// DueRetry pairs a retry-eligible delivery record with its notification so the
// dispatcher can re-render and re-send without a second lookup.
type DueRetry struct {
	Delivery     *DeliveryRecord
	Notification *Notification
}

// ClaimDueRetries atomically claims delivery records whose scheduled retry
// time has arrived by clearing next_retry_at, so concurrent scheduler passes
// never double-dispatch the same attempt.
func (r *Repository) ClaimDueRetries(ctx context.Context, limit int) ([]*DueRetry, error) {
	query := `
		UPDATE delivery_records d
		SET next_retry_at = NULL, updated_at = NOW()
		FROM (
			SELECT id FROM delivery_records
			WHERE status = $1 AND retry_count > 0 AND next_retry_at <= NOW()
			ORDER BY next_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) due
		WHERE d.id = due.id
		RETURNING ` + deliveryColumns

	rows, err := r.db.Pool().Query(ctx, query, DeliveryPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	defer rows.Close()

	var claimed []*DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	due := make([]*DueRetry, 0, len(claimed))
	for _, d := range claimed {
		notif, err := r.GetNotification(ctx, d.NotificationID)
		if err != nil {
			// Orphaned record (notification deleted); skip it.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		due = append(due, &DueRetry{Delivery: d, Notification: notif})
	}
	return due, nil
}

// casDelivery runs a compare-and-set update and maps "no rows" to
// ErrInvalidTransition, distinguishing a missing record from a state mismatch.
func (r *Repository) casDelivery(ctx context.Context, id uuid.UUID, query string, args ...interface{}) (*DeliveryRecord, error) {
	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetDelivery(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("delivery record %s: %w", id, ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("update delivery record: %w", err)
	}
	return d, nil
}
