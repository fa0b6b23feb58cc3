package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const preferenceColumns = `
	id, user_id, organization_id, module, channels, event_overrides,
	quiet_hours, rate_limits, created_at, updated_at
`

func scanPreference(row pgx.Row) (*UserPreference, error) {
	var (
		p              UserPreference
		channels       []byte
		eventOverrides []byte
		quietHours     []byte
		rateLimits     []byte
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.OrganizationID,
		&p.Module,
		&channels,
		&eventOverrides,
		&quietHours,
		&rateLimits,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(channels, &p.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	if len(eventOverrides) > 0 {
		if err := json.Unmarshal(eventOverrides, &p.EventOverrides); err != nil {
			return nil, fmt.Errorf("decode event overrides: %w", err)
		}
	}
	if len(quietHours) > 0 {
		if err := json.Unmarshal(quietHours, &p.QuietHours); err != nil {
			return nil, fmt.Errorf("decode quiet hours: %w", err)
		}
	}
	if len(rateLimits) > 0 {
		if err := json.Unmarshal(rateLimits, &p.RateLimits); err != nil {
			return nil, fmt.Errorf("decode rate limits: %w", err)
		}
	}
	return &p, nil
}

// GetPreference returns the user's preference for a module, creating the
// system default lazily on first access.
func (r *Repository) GetPreference(ctx context.Context, userID, orgID uuid.UUID, module string) (*UserPreference, error) {
	query := `SELECT ` + preferenceColumns + `
		FROM user_preferences
		WHERE user_id = $1 AND organization_id = $2 AND module = $3`

	p, err := scanPreference(r.db.Pool().QueryRow(ctx, query, userID, orgID, module))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query preference: %w", err)
	}

	def := DefaultPreference(userID, orgID, module)
	if err := r.UpsertPreference(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// UpsertPreference writes a user's preference. Only the owning user mutates
// these rows; conflicts on the scope key replace the whole policy.
func (r *Repository) UpsertPreference(ctx context.Context, p *UserPreference) error {
	channels, err := json.Marshal(p.Channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}
	eventOverrides, err := json.Marshal(p.EventOverrides)
	if err != nil {
		return fmt.Errorf("encode event overrides: %w", err)
	}
	quietHours, err := json.Marshal(p.QuietHours)
	if err != nil {
		return fmt.Errorf("encode quiet hours: %w", err)
	}
	rateLimits, err := json.Marshal(p.RateLimits)
	if err != nil {
		return fmt.Errorf("encode rate limits: %w", err)
	}

	query := `
		INSERT INTO user_preferences (
			id, user_id, organization_id, module, channels, event_overrides,
			quiet_hours, rate_limits
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, organization_id, module) DO UPDATE SET
			channels = EXCLUDED.channels,
			event_overrides = EXCLUDED.event_overrides,
			quiet_hours = EXCLUDED.quiet_hours,
			rate_limits = EXCLUDED.rate_limits,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		p.ID, p.UserID, p.OrganizationID, p.Module,
		channels, eventOverrides, quietHours, rateLimits,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}
