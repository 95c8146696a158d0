package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-dms-letters/internal/client"
	"github.com/pesio-ai/be-dms-letters/internal/errors"
	"github.com/pesio-ai/be-dms-letters/internal/logger"
	"github.com/pesio-ai/be-dms-letters/internal/repository"
	"github.com/pesio-ai/be-dms-letters/internal/storage"
)

// maxReviewers keeps every reviewer order below the final approver sentinel.
const maxReviewers = repository.FinalApproverOrder - 1

// CreateFromTemplateRequest creates a letter from a configured template.
type CreateFromTemplateRequest struct {
	TemplateID  string                 `json:"templateId"`
	SubmitterID string                 `json:"-"`
	Name        string                 `json:"name"`
	FormData    map[string]interface{} `json:"formData"`
	Placements  []repository.Placement `json:"placements"`
}

// CreateFromInteractivePDFRequest creates a letter from an uploaded PDF with
// an explicit review chain.
type CreateFromInteractivePDFRequest struct {
	FileID      string                 `json:"fileId"`
	SubmitterID string                 `json:"-"`
	Name        string                 `json:"name"`
	ReviewerIDs []string               `json:"reviewers"`
	ApproverID  *string                `json:"approver"`
	Placements  []repository.Placement `json:"placements"`
}

// LetterCreationService builds a letter's participant sequence and persists
// the letter, its slots and the submit log in one transaction.
type LetterCreationService struct {
	deps Dependencies
	log  *logger.Logger
}

// NewLetterCreationService creates a new LetterCreationService.
func NewLetterCreationService(deps Dependencies, log *logger.Logger) *LetterCreationService {
	return &LetterCreationService{deps: deps, log: log}
}

// ── Template letters ─────────────────────────────────────────────────────────

// CreateFromTemplate creates a letter whose reviewers come from the template
// and whose approver is the template owner. The submitter is dropped from
// both roles.
func (s *LetterCreationService) CreateFromTemplate(ctx context.Context, req *CreateFromTemplateRequest) (*repository.Letter, error) {
	if strings.TrimSpace(req.TemplateID) == "" {
		return nil, errors.InvalidInput("templateId", "template id is required")
	}
	if err := validatePlacements(req.Placements); err != nil {
		return nil, err
	}
	if err := s.requireUser(ctx, req.SubmitterID); err != nil {
		return nil, err
	}

	tmpl, err := s.deps.Templates.GetByID(ctx, s.deps.DB, req.TemplateID)
	if err != nil {
		return nil, err
	}

	if tmpl.OwnerID == nil && len(tmpl.Reviewers) > 0 {
		return nil, errors.InvalidInput("templateId", "template has reviewers but no owner to approve")
	}

	var approverID string
	if tmpl.OwnerID != nil && *tmpl.OwnerID != req.SubmitterID {
		approverID = *tmpl.OwnerID
		if err := s.requireUser(ctx, approverID); err != nil {
			return nil, err
		}
	}

	seen := map[string]bool{req.SubmitterID: true, approverID: true}
	var reviewerIDs []string
	for _, r := range tmpl.Reviewers {
		if seen[r.UserID] {
			continue
		}
		seen[r.UserID] = true
		reviewerIDs = append(reviewerIDs, r.UserID)
	}
	if len(reviewerIDs) > maxReviewers {
		return nil, errors.InvalidInput("templateId", fmt.Sprintf("templates support at most %d reviewers", maxReviewers))
	}
	for _, id := range reviewerIDs {
		if err := s.requireUser(ctx, id); err != nil {
			return nil, err
		}
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = tmpl.Name
	}

	letter := &repository.Letter{
		TemplateID: &tmpl.ID,
		CreatorID:  req.SubmitterID,
		Name:       name,
		FormData:   req.FormData,
		Placements: req.Placements,
	}
	slots := buildSlots(reviewerIDs, approverID)

	if len(slots) > 0 && strings.TrimSpace(tmpl.Content) != "" {
		key, err := s.renderIntermediate(ctx, tmpl, req.FormData, req.Placements)
		if err != nil {
			// FinalApproveLetterSingle renders again at approval time.
			s.log.Warn().Err(err).Str("template_id", tmpl.ID).Msg("Failed to render template letter, continuing without document")
		} else {
			letter.SignedPdfURL = &key
		}
	}

	note := s.initialStep(letter, slots)
	if letter.WorkflowStatus == repository.StatusApproved {
		s.log.Warn().
			Str("template_id", tmpl.ID).
			Str("creator_id", req.SubmitterID).
			Msg("Template has no reviewers and no approver, letter approved on creation")
	}

	return s.persist(ctx, letter, slots, "", note, map[string]interface{}{
		"mode":       "template",
		"templateId": tmpl.ID,
		"reviewers":  len(reviewerIDs),
	})
}

// renderIntermediate fills and renders the template, bakes the signature and
// stamp placements and stores the result.
func (s *LetterCreationService) renderIntermediate(
	ctx context.Context,
	tmpl *repository.Template,
	formData map[string]interface{},
	placements []repository.Placement,
) (string, error) {
	rendered, err := s.deps.Renderer.RenderPDF(ctx, client.FillPlaceholders(tmpl.Content, formData))
	if err != nil {
		return "", errors.Dependency(err, "failed to render letter template")
	}
	baked, err := s.deps.PDF.Apply(ctx, rendered, placements, nil)
	if err != nil {
		return "", err
	}
	put, err := s.deps.Documents.PutBuffer(ctx, baked, storage.IntermediateLetterKey(), storage.ContentTypePDF)
	if err != nil {
		return "", errors.Dependency(err, "failed to store rendered letter")
	}
	return put.Key, nil
}

// ── Interactive letters ──────────────────────────────────────────────────────

// CreateFromInteractivePDF creates a letter from an uploaded PDF. Signature
// and stamp placements are baked into an intermediate artifact before any
// workflow row is written so reviewers see them.
func (s *LetterCreationService) CreateFromInteractivePDF(ctx context.Context, req *CreateFromInteractivePDFRequest) (*repository.Letter, error) {
	if strings.TrimSpace(req.FileID) == "" {
		return nil, errors.InvalidInput("fileId", "source file is required")
	}
	if len(req.ReviewerIDs) == 0 {
		return nil, errors.InvalidInput("reviewers", "at least one reviewer is required")
	}
	if len(req.ReviewerIDs) > maxReviewers {
		return nil, errors.InvalidInput("reviewers", fmt.Sprintf("at most %d reviewers are supported", maxReviewers))
	}
	if err := validatePlacements(req.Placements); err != nil {
		return nil, err
	}

	var approverID string
	if req.ApproverID != nil {
		approverID = strings.TrimSpace(*req.ApproverID)
	}

	seen := map[string]bool{req.SubmitterID: true}
	for _, id := range req.ReviewerIDs {
		if strings.TrimSpace(id) == "" {
			return nil, errors.InvalidInput("reviewers", "reviewer id must not be empty")
		}
		if seen[id] {
			return nil, errors.InvalidInput("reviewers", fmt.Sprintf("user %s appears more than once or is the submitter", id))
		}
		seen[id] = true
	}
	if approverID != "" && seen[approverID] {
		return nil, errors.InvalidInput("approver", "approver must not also be a reviewer or the submitter")
	}

	if err := s.requireUser(ctx, req.SubmitterID); err != nil {
		return nil, err
	}
	for _, id := range req.ReviewerIDs {
		if err := s.requireUser(ctx, id); err != nil {
			return nil, err
		}
	}
	if approverID != "" {
		if err := s.requireUser(ctx, approverID); err != nil {
			return nil, err
		}
	}

	file, err := s.deps.Files.GetByID(ctx, s.deps.DB, req.FileID)
	if err != nil {
		return nil, err
	}

	source, err := s.deps.Documents.GetBuffer(ctx, file.StorageKey)
	if err != nil {
		return nil, errors.Dependency(err, "failed to load source document")
	}
	baked, err := s.deps.PDF.Apply(ctx, source, req.Placements, nil)
	if err != nil {
		return nil, err
	}
	put, err := s.deps.Documents.PutBuffer(ctx, baked, storage.IntermediateLetterKey(), storage.ContentTypePDF)
	if err != nil {
		return nil, errors.Dependency(err, "failed to store signed document")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Untitled letter"
	}

	letter := &repository.Letter{
		CreatorID:      req.SubmitterID,
		Name:           name,
		FormData:       map[string]interface{}{},
		OriginalFileID: &file.ID,
		SignedPdfURL:   &put.Key,
		Placements:     req.Placements,
	}
	slots := buildSlots(req.ReviewerIDs, approverID)
	note := s.initialStep(letter, slots)

	return s.persist(ctx, letter, slots, file.ID, note, map[string]interface{}{
		"mode":         "interactive",
		"fileId":       file.ID,
		"signedPdfUrl": put.Key,
		"reviewers":    len(req.ReviewerIDs),
	})
}

// ── Shared ───────────────────────────────────────────────────────────────────

func (s *LetterCreationService) requireUser(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.InvalidInput("userId", "user id is required")
	}
	ok, err := s.deps.Users.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NotFound("user", id)
	}
	return nil
}

// buildSlots orders reviewers 1..N and puts the approver, if any, at the sentinel.
func buildSlots(reviewerIDs []string, approverID string) []*repository.LetterReviewer {
	slots := make([]*repository.LetterReviewer, 0, len(reviewerIDs)+1)
	for i, id := range reviewerIDs {
		slots = append(slots, &repository.LetterReviewer{UserID: id, SequenceOrder: i + 1, Status: repository.ReviewerPending})
	}
	if approverID != "" {
		slots = append(slots, &repository.LetterReviewer{
			UserID:        approverID,
			SequenceOrder: repository.FinalApproverOrder,
			Status:        repository.ReviewerPending,
		})
	}
	return slots
}

// initialStep sets the letter's starting status and actor from its slots.
func (s *LetterCreationService) initialStep(l *repository.Letter, slots []*repository.LetterReviewer) Notification {
	if len(slots) == 0 {
		now := time.Now().UTC()
		l.WorkflowStatus = repository.StatusApproved
		l.ApprovedAt = &now
		l.ClearStep()
		return Notification{Kind: client.EventLetterApproved, Recipients: []string{l.CreatorID}}
	}

	first := slots[0]
	l.SetStep(first.SequenceOrder, first.UserID)
	if first.IsFinalApprover() {
		l.WorkflowStatus = repository.StatusPendingApproval
		return Notification{Kind: client.EventLetterApprovalRequired, Recipients: []string{first.UserID}}
	}
	l.WorkflowStatus = repository.StatusPendingReview
	return Notification{Kind: client.EventLetterReviewRequired, Recipients: []string{first.UserID}}
}

func (s *LetterCreationService) persist(
	ctx context.Context,
	l *repository.Letter,
	slots []*repository.LetterReviewer,
	fileID string,
	note Notification,
	details map[string]interface{},
) (*repository.Letter, error) {
	err := s.deps.Tx.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.deps.Letters.Create(ctx, tx, l); err != nil {
			return err
		}
		if len(slots) > 0 {
			if err := s.deps.Reviewers.CreateBatch(ctx, tx, l.ID, slots); err != nil {
				return err
			}
		}
		if fileID != "" {
			if err := s.deps.Files.MarkAllocated(ctx, tx, fileID); err != nil {
				return err
			}
		}

		if err := s.deps.ActionLogs.Append(ctx, tx, &repository.LetterActionLog{
			LetterID:   l.ID,
			UserID:     l.CreatorID,
			ActionType: repository.ActionSubmit,
			Details:    details,
		}); err != nil {
			return err
		}

		return s.deps.Activity.Record(ctx, tx, &repository.ActivityLog{
			ActorID:      l.CreatorID,
			Action:       activityLetterCreated,
			ResourceType: resourceTypeLetter,
			ResourceID:   l.ID,
			Details:      details,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("letter_id", l.ID).
		Str("creator_id", l.CreatorID).
		Str("status", string(l.WorkflowStatus)).
		Int("participants", len(slots)).
		Msg("Letter created")

	note.LetterID = l.ID
	note.LetterName = l.Name
	note.ActorID = l.CreatorID
	s.deps.Notifier.Notify(ctx, note)

	return loadLetter(ctx, s.deps, l.ID)
}

func validatePlacements(placements []repository.Placement) error {
	for i, p := range placements {
		if err := p.Validate(); err != nil {
			return errors.InvalidInput(fmt.Sprintf("placements[%d]", i), err.Error())
		}
	}
	return nil
}
