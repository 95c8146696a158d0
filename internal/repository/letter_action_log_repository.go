package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-dms-letters/internal/database"
	"github.com/pesio-ai/be-dms-letters/internal/errors"
)

// LetterActionLogRepository appends and reads the per-letter workflow audit
// trail. Rows are never updated; Append is the only mutation.
type LetterActionLogRepository struct{}

// NewLetterActionLogRepository creates a new LetterActionLogRepository.
func NewLetterActionLogRepository() *LetterActionLogRepository {
	return &LetterActionLogRepository{}
}

// Append inserts one action log row.
func (r *LetterActionLogRepository) Append(ctx context.Context, q database.Querier, entry *LetterActionLog) error {
	var detailsJSON []byte
	if entry.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal action details")
		}
	}

	query := `
		INSERT INTO letter_action_logs
		    (letter_id, user_id, action_type, comment, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		entry.LetterID,
		entry.UserID,
		entry.ActionType,
		entry.Comment,
		detailsJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append action log")
	}
	return nil
}

// ListByLetter returns the trail of a letter oldest-first.
func (r *LetterActionLogRepository) ListByLetter(ctx context.Context, q database.Querier, letterID string) ([]*LetterActionLog, error) {
	query := `
		SELECT id, letter_id, user_id, action_type, comment, details, created_at
		FROM letter_action_logs
		WHERE letter_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := q.Query(ctx, query, letterID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list action logs")
	}
	defer rows.Close()

	var entries []*LetterActionLog
	for rows.Next() {
		entry := &LetterActionLog{}
		var detailsJSON []byte
		err := rows.Scan(
			&entry.ID,
			&entry.LetterID,
			&entry.UserID,
			&entry.ActionType,
			&entry.Comment,
			&detailsJSON,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan action log")
		}
		if detailsJSON != nil {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal action details")
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate action logs")
	}
	return entries, nil
}
