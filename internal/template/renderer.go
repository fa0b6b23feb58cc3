// Package template renders per-channel notification content from stored
// templates with {{variable}} interpolation.
package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
)

// ErrTemplateNotFound means no template covers (module, eventType, channel).
// Callers treat it as non-fatal and fall back to a generic rendering from the
// payload; it never fails a whole Submit.
var ErrTemplateNotFound = errors.New("template not found")

// Store is the template lookup the renderer depends on.
type Store interface {
	FindTemplate(ctx context.Context, orgID uuid.UUID, module, eventType, locale string) (*db.Template, error)
}

// Rendered is channel-ready content before channel-specific truncation, which
// is the dispatcher's concern.
type Rendered struct {
	Title     string
	Body      string
	ActionURL string
}

// Renderer resolves templates (org override first, system default second) and
// interpolates payload variables.
type Renderer struct {
	store  Store
	logger *zap.Logger
}

// NewRenderer creates a renderer over the given template store.
func NewRenderer(store Store, logger *zap.Logger) *Renderer {
	return &Renderer{store: store, logger: logger}
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Interpolate replaces {{key}} placeholders from data. Missing keys render as
// an empty string so a malformed payload never blocks the pipeline.
func Interpolate(s string, data map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		return data[key]
	})
}

// Render produces the content for one channel. Returns ErrTemplateNotFound
// when neither an org override nor a system default defines content for the
// channel.
func (r *Renderer) Render(ctx context.Context, orgID uuid.UUID, module, eventType, channel string, data map[string]string, locale string) (*Rendered, error) {
	tmpl, err := r.store.FindTemplate(ctx, orgID, module, eventType, locale)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, module, eventType)
		}
		return nil, err
	}

	content, ok := tmpl.Contents[channel]
	if !ok {
		// A template may define only some channels; the rest fall back the
		// same way as a missing template.
		return nil, fmt.Errorf("%w: %s/%s has no %s content", ErrTemplateNotFound, module, eventType, channel)
	}

	return &Rendered{
		Title:     Interpolate(content.Title, data),
		Body:      Interpolate(content.Body, data),
		ActionURL: Interpolate(content.ActionURL, data),
	}, nil
}

// Fallback builds a minimal rendering from the payload's title/message keys.
// Returns nil when the payload has neither, in which case the channel fails.
func Fallback(data map[string]string) *Rendered {
	title := data["title"]
	body := data["message"]
	if title == "" && body == "" {
		return nil
	}
	if body == "" {
		body = title
	}
	return &Rendered{
		Title:     title,
		Body:      body,
		ActionURL: data["action_url"],
	}
}

// Truncate shortens body to limit runes with an ellipsis marker. limit <= 0
// means unlimited.
func Truncate(body string, limit int) string {
	if limit <= 0 {
		return body
	}
	runes := []rune(body)
	if len(runes) <= limit {
		return body
	}
	if limit <= 1 {
		return string(runes[:limit])
	}
	return string(runes[:limit-1]) + "…"
}
