package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-dms-letters/internal/database"
	"github.com/pesio-ai/be-dms-letters/internal/errors"
)

// FileRepository reads upload records and flags them once a letter owns them.
type FileRepository struct{}

// NewFileRepository creates a new FileRepository.
func NewFileRepository() *FileRepository {
	return &FileRepository{}
}

// GetByID returns an upload record.
func (r *FileRepository) GetByID(ctx context.Context, q database.Querier, id string) (*File, error) {
	query := `
		SELECT id, storage_key, mime_type, uploaded_by, is_allocated, created_at
		FROM files
		WHERE id = $1 AND deleted_at IS NULL
	`

	f := &File{}
	err := q.QueryRow(ctx, query, id).Scan(
		&f.ID,
		&f.StorageKey,
		&f.MimeType,
		&f.UploadedBy,
		&f.IsAllocated,
		&f.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("file", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get file")
	}
	return f, nil
}

// MarkAllocated flags an upload as owned so orphan cleanup leaves it alone.
func (r *FileRepository) MarkAllocated(ctx context.Context, q database.Querier, id string) error {
	query := `
		UPDATE files
		SET is_allocated = TRUE,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := q.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("file", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to allocate file")
	}
	return nil
}
