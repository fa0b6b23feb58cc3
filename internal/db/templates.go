package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DefaultLocale is the fallback when no template exists for the requested one.
const DefaultLocale = "en"

const templateColumns = `
	id, organization_id, module, event_type, locale, contents, created_at, updated_at
`

func scanTemplate(row pgx.Row) (*Template, error) {
	var (
		t        Template
		contents []byte
	)
	err := row.Scan(
		&t.ID,
		&t.OrganizationID,
		&t.Module,
		&t.EventType,
		&t.Locale,
		&contents,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contents, &t.Contents); err != nil {
		return nil, fmt.Errorf("decode template contents: %w", err)
	}
	return &t, nil
}

// FindTemplate resolves the template for (module, eventType) with override
// precedence: the organization's template beats the system default, and the
// requested locale beats the default locale. Returns ErrNotFound when no
// candidate exists at all.
func (r *Repository) FindTemplate(ctx context.Context, orgID uuid.UUID, module, eventType, locale string) (*Template, error) {
	if locale == "" {
		locale = DefaultLocale
	}

	// Single query, best candidate first: org-specific beats system,
	// requested locale beats fallback.
	query := `SELECT ` + templateColumns + `
		FROM templates
		WHERE module = $1 AND event_type = $2
		  AND (organization_id = $3 OR organization_id IS NULL)
		  AND locale IN ($4, $5)
		ORDER BY (organization_id IS NULL), (locale <> $4)
		LIMIT 1`

	t, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, module, eventType, orgID, locale, DefaultLocale))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s/%s: %w", module, eventType, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// SaveTemplate inserts or updates a template. A nil OrganizationID writes a
// system default; otherwise an org-specific override.
func (r *Repository) SaveTemplate(ctx context.Context, t *Template) error {
	contents, err := json.Marshal(t.Contents)
	if err != nil {
		return fmt.Errorf("encode template contents: %w", err)
	}
	if t.Locale == "" {
		t.Locale = DefaultLocale
	}

	query := `
		INSERT INTO templates (id, organization_id, module, event_type, locale, contents)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			contents = EXCLUDED.contents,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		t.ID, t.OrganizationID, t.Module, t.EventType, t.Locale, contents,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}
