package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const ruleColumns = `
	id, organization_id, module, event_type, conditions, channel_defaults,
	priority_weight, enabled, created_at, updated_at
`

func scanRule(row pgx.Row) (*OrganizationRule, error) {
	var (
		rule            OrganizationRule
		conditions      []byte
		channelDefaults []byte
	)
	err := row.Scan(
		&rule.ID,
		&rule.OrganizationID,
		&rule.Module,
		&rule.EventType,
		&conditions,
		&channelDefaults,
		&rule.PriorityWeight,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("decode rule conditions: %w", err)
	}
	if len(channelDefaults) > 0 {
		if err := json.Unmarshal(channelDefaults, &rule.ChannelDefaults); err != nil {
			return nil, fmt.Errorf("decode channel defaults: %w", err)
		}
	}
	return &rule, nil
}

// ListEnabledRules returns the active rules for an organization and module,
// highest priority weight first. Rules with a matching event_type come before
// module-wide rules of equal weight.
func (r *Repository) ListEnabledRules(ctx context.Context, orgID uuid.UUID, module string) ([]*OrganizationRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM organization_rules
		WHERE organization_id = $1 AND module = $2 AND enabled = true
		ORDER BY priority_weight DESC, event_type DESC`

	rows, err := r.db.Pool().Query(ctx, query, orgID, module)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []*OrganizationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ListRules returns all rules for an organization, for the admin API.
func (r *Repository) ListRules(ctx context.Context, orgID uuid.UUID) ([]*OrganizationRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM organization_rules
		WHERE organization_id = $1
		ORDER BY module, priority_weight DESC`

	rows, err := r.db.Pool().Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []*OrganizationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SaveRule inserts or updates an organization rule.
func (r *Repository) SaveRule(ctx context.Context, rule *OrganizationRule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("encode rule conditions: %w", err)
	}
	channelDefaults, err := json.Marshal(rule.ChannelDefaults)
	if err != nil {
		return fmt.Errorf("encode channel defaults: %w", err)
	}

	query := `
		INSERT INTO organization_rules (
			id, organization_id, module, event_type, conditions,
			channel_defaults, priority_weight, enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			conditions = EXCLUDED.conditions,
			channel_defaults = EXCLUDED.channel_defaults,
			priority_weight = EXCLUDED.priority_weight,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		rule.ID, rule.OrganizationID, rule.Module, rule.EventType,
		conditions, channelDefaults, rule.PriorityWeight, rule.Enabled,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}

// DeleteRule removes an organization rule.
func (r *Repository) DeleteRule(ctx context.Context, orgID, ruleID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM organization_rules WHERE id = $1 AND organization_id = $2`,
		ruleID, orgID,
	)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	return nil
}

// GetRule fetches one rule scoped to its organization.
func (r *Repository) GetRule(ctx context.Context, orgID, ruleID uuid.UUID) (*OrganizationRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM organization_rules
		WHERE id = $1 AND organization_id = $2`

	rule, err := scanRule(r.db.Pool().QueryRow(ctx, query, ruleID, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query rule: %w", err)
	}
	return rule, nil
}
