package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-dms-letters/internal/database"
	"github.com/pesio-ai/be-dms-letters/internal/errors"
)

// ActivityLogRepository writes the organization-wide activity trail. Record
// must be given the caller's transaction so the entry commits or rolls back
// with the change it describes.
type ActivityLogRepository struct{}

// NewActivityLogRepository creates a new ActivityLogRepository.
func NewActivityLogRepository() *ActivityLogRepository {
	return &ActivityLogRepository{}
}

// Record appends one activity entry.
func (r *ActivityLogRepository) Record(ctx context.Context, tx database.Querier, entry *ActivityLog) error {
	var detailsJSON []byte
	if entry.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal activity details")
		}
	}

	query := `
		INSERT INTO activity_logs
		    (actor_id, action, resource_type, resource_id, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.ActorID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		detailsJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record activity")
	}
	return nil
}
