package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const memberColumns = `user_id, organization_id, role, locale, addresses`

func scanMember(row pgx.Row) (*OrgMember, error) {
	var (
		m         OrgMember
		addresses []byte
	)
	err := row.Scan(&m.UserID, &m.OrganizationID, &m.Role, &m.Locale, &addresses)
	if err != nil {
		return nil, err
	}
	if len(addresses) > 0 {
		if err := json.Unmarshal(addresses, &m.Addresses); err != nil {
			return nil, fmt.Errorf("decode member addresses: %w", err)
		}
	}
	return &m, nil
}

// GetMember fetches one directory entry.
func (r *Repository) GetMember(ctx context.Context, orgID, userID uuid.UUID) (*OrgMember, error) {
	query := `SELECT ` + memberColumns + `
		FROM org_members
		WHERE organization_id = $1 AND user_id = $2`

	m, err := scanMember(r.db.Pool().QueryRow(ctx, query, orgID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query member: %w", err)
	}
	return m, nil
}

// ListMembersByRole returns the directory entries for members holding any of
// the given roles.
func (r *Repository) ListMembersByRole(ctx context.Context, orgID uuid.UUID, roles []string) ([]*OrgMember, error) {
	query := `SELECT ` + memberColumns + `
		FROM org_members
		WHERE organization_id = $1 AND role = ANY($2)`

	rows, err := r.db.Pool().Query(ctx, query, orgID, roles)
	if err != nil {
		return nil, fmt.Errorf("query members by role: %w", err)
	}
	defer rows.Close()

	var members []*OrgMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListAssignedUsers returns the user IDs assigned to an entity, for rules that
// target by assignment.
func (r *Repository) ListAssignedUsers(ctx context.Context, orgID uuid.UUID, entityType, entityID string) ([]uuid.UUID, error) {
	query := `
		SELECT user_id FROM entity_assignments
		WHERE organization_id = $1 AND entity_type = $2 AND entity_id = $3`

	rows, err := r.db.Pool().Query(ctx, query, orgID, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
