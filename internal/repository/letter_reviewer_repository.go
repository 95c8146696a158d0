package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-dms-letters/internal/database"
	"github.com/pesio-ai/be-dms-letters/internal/errors"
)

// LetterReviewerRepository handles participant slots. Slots are created with
// their letter and afterwards only change status or assignee.
type LetterReviewerRepository struct{}

// NewLetterReviewerRepository creates a new LetterReviewerRepository.
func NewLetterReviewerRepository() *LetterReviewerRepository {
	return &LetterReviewerRepository{}
}

const reviewerColumns = `
		id, letter_id, user_id, sequence_order, status,
		acted_at, reassigned_from_user_id, created_at, updated_at`

// CreateBatch inserts all slots of a letter.
func (r *LetterReviewerRepository) CreateBatch(ctx context.Context, q database.Querier, letterID string, reviewers []*LetterReviewer) error {
	query := `
		INSERT INTO letter_reviewers
		    (letter_id, user_id, sequence_order, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`

	for _, rv := range reviewers {
		rv.LetterID = letterID
		if rv.Status == "" {
			rv.Status = ReviewerPending
		}
		err := q.QueryRow(ctx, query,
			rv.LetterID,
			rv.UserID,
			rv.SequenceOrder,
			rv.Status,
		).Scan(&rv.ID, &rv.CreatedAt, &rv.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create letter reviewer")
		}
	}
	return nil
}

// ListByLetter returns every slot of a letter ordered by sequence_order.
func (r *LetterReviewerRepository) ListByLetter(ctx context.Context, q database.Querier, letterID string) ([]*LetterReviewer, error) {
	query := `SELECT` + reviewerColumns + `
		FROM letter_reviewers
		WHERE letter_id = $1
		ORDER BY sequence_order ASC
	`

	rows, err := q.Query(ctx, query, letterID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list letter reviewers")
	}
	defer rows.Close()

	var reviewers []*LetterReviewer
	for rows.Next() {
		rv, err := r.scanReviewer(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan letter reviewer")
		}
		reviewers = append(reviewers, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate letter reviewers")
	}
	return reviewers, nil
}

// GetSlot returns the slot held by userID at the given order.
func (r *LetterReviewerRepository) GetSlot(ctx context.Context, q database.Querier, letterID, userID string, order int) (*LetterReviewer, error) {
	query := `SELECT` + reviewerColumns + `
		FROM letter_reviewers
		WHERE letter_id = $1 AND user_id = $2 AND sequence_order = $3
	`

	rv, err := r.scanReviewer(q.QueryRow(ctx, query, letterID, userID, order))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("letter_reviewer", letterID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get letter reviewer")
	}
	return rv, nil
}

// NextPending returns the pending slot with the smallest sequence_order strictly
// greater than afterOrder, or nil when there is none.
func (r *LetterReviewerRepository) NextPending(ctx context.Context, q database.Querier, letterID string, afterOrder int) (*LetterReviewer, error) {
	query := `SELECT` + reviewerColumns + `
		FROM letter_reviewers
		WHERE letter_id = $1
		  AND sequence_order > $2
		  AND status = 'pending'
		ORDER BY sequence_order ASC
		LIMIT 1
	`

	rv, err := r.scanReviewer(q.QueryRow(ctx, query, letterID, afterOrder))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find next reviewer")
	}
	return rv, nil
}

// GetFinalApprover returns the sentinel approval slot, or nil when the letter has none.
func (r *LetterReviewerRepository) GetFinalApprover(ctx context.Context, q database.Querier, letterID string) (*LetterReviewer, error) {
	query := `SELECT` + reviewerColumns + `
		FROM letter_reviewers
		WHERE letter_id = $1 AND sequence_order = $2
	`

	rv, err := r.scanReviewer(q.QueryRow(ctx, query, letterID, FinalApproverOrder))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get final approver")
	}
	return rv, nil
}

// HasParticipant reports whether userID holds any slot on the letter.
func (r *LetterReviewerRepository) HasParticipant(ctx context.Context, q database.Querier, letterID, userID string) (bool, error) {
	query := `
		SELECT EXISTS (
		    SELECT 1 FROM letter_reviewers
		    WHERE letter_id = $1 AND user_id = $2
		)
	`

	var exists bool
	if err := q.QueryRow(ctx, query, letterID, userID).Scan(&exists); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check participant")
	}
	return exists, nil
}

// UpdateStatus records the outcome of an action on a slot and stamps acted_at.
func (r *LetterReviewerRepository) UpdateStatus(ctx context.Context, q database.Querier, id string, status ReviewerStatus) error {
	query := `
		UPDATE letter_reviewers
		SET status     = $2,
		    acted_at   = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := q.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("letter_reviewer", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update letter reviewer status")
	}
	return nil
}

// Reassign hands a slot to another user, keeping its position and resetting it to pending.
func (r *LetterReviewerRepository) Reassign(ctx context.Context, q database.Querier, id, newUserID, fromUserID string) error {
	query := `
		UPDATE letter_reviewers
		SET user_id                 = $2,
		    status                  = 'pending',
		    acted_at                = NULL,
		    reassigned_from_user_id = $3,
		    updated_at              = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := q.QueryRow(ctx, query, id, newUserID, fromUserID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("letter_reviewer", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to reassign letter reviewer")
	}
	return nil
}

// ResetAll puts every slot of a letter back to pending.
func (r *LetterReviewerRepository) ResetAll(ctx context.Context, q database.Querier, letterID string) error {
	query := `
		UPDATE letter_reviewers
		SET status                  = 'pending',
		    acted_at                = NULL,
		    reassigned_from_user_id = NULL,
		    updated_at              = NOW()
		WHERE letter_id = $1
	`

	if _, err := q.Exec(ctx, query, letterID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to reset letter reviewers")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type reviewerScanner interface {
	Scan(dest ...any) error
}

func (r *LetterReviewerRepository) scanReviewer(row reviewerScanner) (*LetterReviewer, error) {
	rv := &LetterReviewer{}
	err := row.Scan(
		&rv.ID,
		&rv.LetterID,
		&rv.UserID,
		&rv.SequenceOrder,
		&rv.Status,
		&rv.ActedAt,
		&rv.ReassignedFromUserID,
		&rv.CreatedAt,
		&rv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rv, nil
}
