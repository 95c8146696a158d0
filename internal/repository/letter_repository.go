package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-dms-letters/internal/database"
	"github.com/pesio-ai/be-dms-letters/internal/errors"
)

// LetterRepository persists letter rows. Every method takes the Querier to run
// on so callers can thread a transaction through a whole transition.
type LetterRepository struct{}

// NewLetterRepository creates a new LetterRepository.
func NewLetterRepository() *LetterRepository {
	return &LetterRepository{}
}

const letterColumns = `
		id, template_id, creator_id, name, form_data,
		workflow_status, current_step_index, next_action_by_id,
		original_file_id, signed_pdf_url, final_signed_pdf_url,
		public_link, qr_code_url, placements, approved_at,
		created_at, updated_at`

// Create inserts a letter and fills in its generated id and timestamps.
func (r *LetterRepository) Create(ctx context.Context, q database.Querier, l *Letter) error {
	formJSON, placementsJSON, err := marshalLetterJSON(l)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO letters
		    (template_id, creator_id, name, form_data,
		     workflow_status, current_step_index, next_action_by_id,
		     original_file_id, signed_pdf_url, placements)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	err = q.QueryRow(ctx, query,
		l.TemplateID,
		l.CreatorID,
		l.Name,
		formJSON,
		l.WorkflowStatus,
		l.CurrentStepIndex,
		l.NextActionByID,
		l.OriginalFileID,
		l.SignedPdfURL,
		placementsJSON,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create letter")
	}
	return nil
}

// GetByID retrieves a non-deleted letter.
func (r *LetterRepository) GetByID(ctx context.Context, q database.Querier, id string) (*Letter, error) {
	query := `SELECT` + letterColumns + `
		FROM letters
		WHERE id = $1 AND deleted_at IS NULL
	`

	l, err := r.scanLetter(q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("letter", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get letter")
	}
	return l, nil
}

// GetForUpdate retrieves a letter and holds a row lock on it until the
// surrounding transaction ends.
func (r *LetterRepository) GetForUpdate(ctx context.Context, tx database.Querier, id string) (*Letter, error) {
	query := `SELECT` + letterColumns + `
		FROM letters
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`

	l, err := r.scanLetter(tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("letter", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock letter")
	}
	return l, nil
}

// UpdateWorkflow writes the workflow-owned columns of a letter.
func (r *LetterRepository) UpdateWorkflow(ctx context.Context, q database.Querier, l *Letter) error {
	_, placementsJSON, err := marshalLetterJSON(l)
	if err != nil {
		return err
	}

	query := `
		UPDATE letters
		SET workflow_status      = $2,
		    current_step_index   = $3,
		    next_action_by_id    = $4,
		    signed_pdf_url       = $5,
		    final_signed_pdf_url = $6,
		    public_link          = $7,
		    qr_code_url          = $8,
		    placements           = $9,
		    approved_at          = $10,
		    updated_at           = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = q.QueryRow(ctx, query,
		l.ID,
		l.WorkflowStatus,
		l.CurrentStepIndex,
		l.NextActionByID,
		l.SignedPdfURL,
		l.FinalSignedPdfURL,
		l.PublicLink,
		l.QRCodeURL,
		placementsJSON,
		l.ApprovedAt,
	).Scan(&l.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("letter", l.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update letter")
	}
	return nil
}

// ListPendingForUser returns letters currently waiting on userID, oldest first.
func (r *LetterRepository) ListPendingForUser(ctx context.Context, q database.Querier, userID string) ([]*Letter, error) {
	query := `SELECT` + letterColumns + `
		FROM letters
		WHERE next_action_by_id = $1
		  AND workflow_status IN ('pending_review', 'pending_approval')
		  AND deleted_at IS NULL
		ORDER BY updated_at ASC
	`

	rows, err := q.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending letters")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByCreator returns the letters a user submitted, newest first.
func (r *LetterRepository) ListByCreator(ctx context.Context, q database.Querier, creatorID string) ([]*Letter, error) {
	query := `SELECT` + letterColumns + `
		FROM letters
		WHERE creator_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := q.Query(ctx, query, creatorID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list letters")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func marshalLetterJSON(l *Letter) (formJSON, placementsJSON []byte, err error) {
	if l.FormData != nil {
		formJSON, err = json.Marshal(l.FormData)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal form data")
		}
	}
	placements := l.Placements
	if placements == nil {
		placements = []Placement{}
	}
	placementsJSON, err = json.Marshal(placements)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal placements")
	}
	return formJSON, placementsJSON, nil
}

type letterScanner interface {
	Scan(dest ...any) error
}

func (r *LetterRepository) scanLetter(row letterScanner) (*Letter, error) {
	l := &Letter{}
	var formJSON, placementsJSON []byte

	err := row.Scan(
		&l.ID,
		&l.TemplateID,
		&l.CreatorID,
		&l.Name,
		&formJSON,
		&l.WorkflowStatus,
		&l.CurrentStepIndex,
		&l.NextActionByID,
		&l.OriginalFileID,
		&l.SignedPdfURL,
		&l.FinalSignedPdfURL,
		&l.PublicLink,
		&l.QRCodeURL,
		&placementsJSON,
		&l.ApprovedAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if formJSON != nil {
		if err := json.Unmarshal(formJSON, &l.FormData); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal form data")
		}
	}
	if placementsJSON != nil {
		if err := json.Unmarshal(placementsJSON, &l.Placements); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal placements")
		}
	}
	return l, nil
}

func (r *LetterRepository) scanRows(rows pgx.Rows) ([]*Letter, error) {
	var letters []*Letter
	for rows.Next() {
		l, err := r.scanLetter(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan letter")
		}
		letters = append(letters, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate letters")
	}
	return letters, nil
}
