package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-dms-letters/internal/database"
	"github.com/pesio-ai/be-dms-letters/internal/errors"
)

// TemplateRepository reads letter templates and their configured reviewers.
// Templates are managed by the template CRUD layer; this service only reads them.
type TemplateRepository struct{}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository() *TemplateRepository {
	return &TemplateRepository{}
}

// GetByID returns a template with its reviewers in configured order.
func (r *TemplateRepository) GetByID(ctx context.Context, q database.Querier, id string) (*Template, error) {
	query := `
		SELECT id, name, content, owner_id
		FROM letter_templates
		WHERE id = $1 AND deleted_at IS NULL
	`

	t := &Template{}
	err := q.QueryRow(ctx, query, id).Scan(&t.ID, &t.Name, &t.Content, &t.OwnerID)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("template", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get template")
	}

	reviewerQuery := `
		SELECT user_id
		FROM letter_template_reviewers
		WHERE template_id = $1
		ORDER BY position ASC
	`

	rows, err := q.Query(ctx, reviewerQuery, id)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get template reviewers")
	}
	defer rows.Close()

	for rows.Next() {
		var rv TemplateReviewer
		if err := rows.Scan(&rv.UserID); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan template reviewer")
		}
		t.Reviewers = append(t.Reviewers, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate template reviewers")
	}
	return t, nil
}
