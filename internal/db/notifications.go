package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for the notification ledger.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new ledger repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// NotificationFilter narrows ListNotifications results.
type NotificationFilter struct {
	UnreadOnly bool
	Priority   string
	Module     string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// CreateNotification inserts a notification row together with one pending
// delivery record per target channel, in a single transaction. The delivery
// rows come back with their generated IDs so the dispatcher can pick them up.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification, deliveries []*DeliveryRecord) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertNotif := `
		INSERT INTO notifications (
			id, organization_id, user_id, module, event_type, entity_type,
			entity_id, title, body, action_url, priority, target_channels, is_read
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, false)
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, insertNotif,
		notif.ID,
		notif.OrganizationID,
		notif.UserID,
		notif.Module,
		notif.EventType,
		notif.EntityType,
		notif.EntityID,
		notif.Title,
		notif.Body,
		notif.ActionURL,
		notif.Priority,
		notif.TargetChannels,
	).Scan(&notif.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	insertDelivery := `
		INSERT INTO delivery_records (
			id, notification_id, channel, status, retry_count, max_retries
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	for _, rec := range deliveries {
		err = tx.QueryRow(ctx, insertDelivery,
			rec.ID,
			rec.NotificationID,
			rec.Channel,
			rec.Status,
			rec.RetryCount,
			rec.MaxRetries,
		).Scan(&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert delivery record: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("notification persisted",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
		zap.Int("delivery_records", len(deliveries)),
	)

	return nil
}

const notificationColumns = `
	id, organization_id, user_id, module, event_type, entity_type, entity_id,
	title, body, action_url, priority, target_channels, is_read, read_at, created_at
`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.OrganizationID,
		&n.UserID,
		&n.Module,
		&n.EventType,
		&n.EntityType,
		&n.EntityID,
		&n.Title,
		&n.Body,
		&n.ActionURL,
		&n.Priority,
		&n.TargetChannels,
		&n.IsRead,
		&n.ReadAt,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNotification retrieves a notification by ID.
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ListNotifications retrieves notifications for a user with optional filters,
// newest first.
func (r *Repository) ListNotifications(ctx context.Context, orgID, userID uuid.UUID, f NotificationFilter) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE organization_id = $1 AND user_id = $2`
	args := []interface{}{orgID, userID}

	if f.UnreadOnly {
		query += ` AND is_read = false`
	}
	if f.Priority != "" {
		args = append(args, f.Priority)
		query += fmt.Sprintf(` AND priority = $%d`, len(args))
	}
	if f.Module != "" {
		args = append(args, f.Module)
		query += fmt.Sprintf(` AND module = $%d`, len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		query += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(` OFFSET $%d`, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return notifications, nil
}

// CountUnread returns the unread badge count for a user.
func (r *Repository) CountUnread(ctx context.Context, orgID, userID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM notifications WHERE organization_id = $1 AND user_id = $2 AND is_read = false`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, orgID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// MarkNotificationRead flags the notification as read. Idempotent: reading an
// already-read notification keeps the original read_at.
func (r *Repository) MarkNotificationRead(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		UPDATE notifications
		SET is_read = true, read_at = COALESCE(read_at, NOW())
		WHERE id = $1
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return n, nil
}

// DeleteNotification removes a notification. Delivery records are kept — the
// engine never deletes delivery history.
func (r *Repository) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}
