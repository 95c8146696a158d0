package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-dms-letters/internal/errors"
	"github.com/pesio-ai/be-dms-letters/internal/logger"
	"github.com/pesio-ai/be-dms-letters/internal/repository"
)

// DefaultPresignTTL is the lifetime of a signed document view URL.
const DefaultPresignTTL = 300 * time.Second

// SignedURL is a short-lived download link to a letter's document.
type SignedURL struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	IsFinal   bool      `json:"isFinal"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PublicLetterView is what the QR verification link shows about an approved letter.
type PublicLetterView struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Status      repository.WorkflowStatus `json:"workflowStatus"`
	ApprovedAt  *time.Time                `json:"approvedAt"`
	DocumentURL string                    `json:"documentUrl,omitempty"`
	Signatories []string                  `json:"signatories"`
}

// LetterAccessService serves authorization-gated reads. A requester may read
// a letter if they created it, hold any slot on it, or it is approved.
type LetterAccessService struct {
	deps Dependencies
	log  *logger.Logger
}

// NewLetterAccessService creates a new LetterAccessService.
func NewLetterAccessService(deps Dependencies, log *logger.Logger) *LetterAccessService {
	if deps.PresignTTL <= 0 {
		deps.PresignTTL = DefaultPresignTTL
	}
	return &LetterAccessService{deps: deps, log: log}
}

// FindByID returns the letter with its reviewers and action logs.
func (s *LetterAccessService) FindByID(ctx context.Context, letterID, requesterID string) (*repository.Letter, error) {
	l, err := s.authorized(ctx, letterID, requesterID)
	if err != nil {
		return nil, err
	}
	if err := hydrate(ctx, s.deps, l); err != nil {
		return nil, err
	}
	return l, nil
}

// GenerateSignedPdfViewURL issues a presigned URL for the final artifact when
// it exists, otherwise for the intermediate one.
func (s *LetterAccessService) GenerateSignedPdfViewURL(ctx context.Context, letterID, requesterID string) (*SignedURL, error) {
	l, err := s.authorized(ctx, letterID, requesterID)
	if err != nil {
		return nil, err
	}

	key, isFinal := documentKey(l)
	if key == "" {
		return nil, errors.NotFound("letter document", letterID)
	}

	url, err := s.deps.Documents.PresignGet(ctx, key, s.deps.PresignTTL)
	if err != nil {
		return nil, err
	}

	return &SignedURL{
		URL:       url,
		Key:       key,
		IsFinal:   isFinal,
		ExpiresAt: time.Now().UTC().Add(s.deps.PresignTTL),
	}, nil
}

// FindPublic returns the public view of an approved letter. Letters that are
// not approved are reported as not found.
func (s *LetterAccessService) FindPublic(ctx context.Context, letterID string) (*PublicLetterView, error) {
	l, err := s.deps.Letters.GetByID(ctx, s.deps.DB, letterID)
	if err != nil {
		return nil, err
	}
	if l.WorkflowStatus != repository.StatusApproved {
		return nil, errors.NotFound("letter", letterID)
	}

	view := &PublicLetterView{
		ID:          l.ID,
		Name:        l.Name,
		Status:      l.WorkflowStatus,
		ApprovedAt:  l.ApprovedAt,
		Signatories: []string{},
	}

	if key, _ := documentKey(l); key != "" {
		url, err := s.deps.Documents.PresignGet(ctx, key, s.deps.PresignTTL)
		if err != nil {
			s.log.Warn().Err(err).Str("letter_id", l.ID).Msg("Failed to presign public document")
		} else {
			view.DocumentURL = url
		}
	}

	slots, err := s.deps.Reviewers.ListByLetter(ctx, s.deps.DB, l.ID)
	if err != nil {
		return nil, err
	}
	for _, slot := range slots {
		if slot.Status != repository.ReviewerApproved {
			continue
		}
		u, err := s.deps.Users.Get(ctx, slot.UserID)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", slot.UserID).Msg("Failed to resolve signatory")
			continue
		}
		view.Signatories = append(view.Signatories, u.DisplayName())
	}

	return view, nil
}

// GetActionLogs returns the audit trail under the same rule as FindByID.
func (s *LetterAccessService) GetActionLogs(ctx context.Context, letterID, requesterID string) ([]*repository.LetterActionLog, error) {
	if _, err := s.authorized(ctx, letterID, requesterID); err != nil {
		return nil, err
	}
	return s.deps.ActionLogs.ListByLetter(ctx, s.deps.DB, letterID)
}

// ListPendingForUser returns the letters waiting on userID.
func (s *LetterAccessService) ListPendingForUser(ctx context.Context, userID string) ([]*repository.Letter, error) {
	return s.deps.Letters.ListPendingForUser(ctx, s.deps.DB, userID)
}

// ListByCreator returns the letters userID created.
func (s *LetterAccessService) ListByCreator(ctx context.Context, userID string) ([]*repository.Letter, error) {
	return s.deps.Letters.ListByCreator(ctx, s.deps.DB, userID)
}

func (s *LetterAccessService) authorized(ctx context.Context, letterID, requesterID string) (*repository.Letter, error) {
	l, err := s.deps.Letters.GetByID(ctx, s.deps.DB, letterID)
	if err != nil {
		return nil, err
	}

	if l.CreatorID == requesterID || l.WorkflowStatus == repository.StatusApproved {
		return l, nil
	}
	if requesterID != "" {
		ok, err := s.deps.Reviewers.HasParticipant(ctx, s.deps.DB, l.ID, requesterID)
		if err != nil {
			return nil, err
		}
		if ok {
			return l, nil
		}
	}
	return nil, errors.Forbidden("you do not have access to this letter")
}

func documentKey(l *repository.Letter) (string, bool) {
	if l.FinalSignedPdfURL != nil && *l.FinalSignedPdfURL != "" {
		return *l.FinalSignedPdfURL, true
	}
	if l.SignedPdfURL != nil && *l.SignedPdfURL != "" {
		return *l.SignedPdfURL, false
	}
	return "", false
}
