package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-dms-letters/internal/client"
	"github.com/pesio-ai/be-dms-letters/internal/database"
	"github.com/pesio-ai/be-dms-letters/internal/errors"
	"github.com/pesio-ai/be-dms-letters/internal/logger"
	"github.com/pesio-ai/be-dms-letters/internal/repository"
	"github.com/pesio-ai/be-dms-letters/internal/storage"
)

// Activity actions recorded for letter transitions.
const (
	activityLetterCreated       = "letter.created"
	activityReviewApproved      = "letter.review_approved"
	activityReviewRejected      = "letter.review_rejected"
	activityStepReassigned      = "letter.step_reassigned"
	activityLetterFinalApproved = "letter.final_approved"
	activityLetterFinalRejected = "letter.final_rejected"
	activityLetterResubmitted   = "letter.resubmitted"
	activityLetterCommented     = "letter.commented"
)

const resourceTypeLetter = "letter"

// LetterWorkflowService owns every state transition of a letter after creation.
//
// Each transition runs in one transaction holding a row lock on the letter.
// It re-validates status and current actor under that lock, mutates reviewer
// and letter rows, writes the action and activity logs, and commits.
// Notifications go out only after commit.
type LetterWorkflowService struct {
	deps Dependencies
	log  *logger.Logger
}

// NewLetterWorkflowService creates a new LetterWorkflowService.
func NewLetterWorkflowService(deps Dependencies, log *logger.Logger) *LetterWorkflowService {
	return &LetterWorkflowService{deps: deps, log: log}
}

// transitionFunc mutates a locked letter inside the transaction and returns
// the notifications to send once it commits.
type transitionFunc func(tx pgx.Tx, l *repository.Letter) ([]Notification, error)

func (s *LetterWorkflowService) transition(ctx context.Context, op, letterID, actorID string, fn transitionFunc) (*repository.Letter, error) {
	var (
		before repository.WorkflowStatus
		after  repository.WorkflowStatus
		notes  []Notification
		name   string
	)

	err := s.deps.Tx.InTransaction(ctx, func(tx pgx.Tx) error {
		l, err := s.deps.Letters.GetForUpdate(ctx, tx, letterID)
		if err != nil {
			return err
		}
		before = l.WorkflowStatus
		name = l.Name

		notes, err = fn(tx, l)
		if err != nil {
			return err
		}

		if err := s.deps.Letters.UpdateWorkflow(ctx, tx, l); err != nil {
			return err
		}
		after = l.WorkflowStatus
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("op", op).
		Str("letter_id", letterID).
		Str("actor_id", actorID).
		Str("status_before", string(before)).
		Str("status_after", string(after)).
		Msg("Letter transition committed")

	for _, n := range notes {
		n.LetterID = letterID
		n.LetterName = name
		n.ActorID = actorID
		s.deps.Notifier.Notify(ctx, n)
	}

	return loadLetter(ctx, s.deps, letterID)
}

// record appends the action log row and the activity entry for a transition.
func (s *LetterWorkflowService) record(
	ctx context.Context,
	tx database.Querier,
	l *repository.Letter,
	actorID string,
	action repository.ActionType,
	activity string,
	comment *string,
	details map[string]interface{},
) error {
	entry := &repository.LetterActionLog{
		LetterID:   l.ID,
		UserID:     actorID,
		ActionType: action,
		Comment:    comment,
		Details:    details,
	}
	if err := s.deps.ActionLogs.Append(ctx, tx, entry); err != nil {
		return err
	}

	return s.deps.Activity.Record(ctx, tx, &repository.ActivityLog{
		ActorID:      actorID,
		Action:       activity,
		ResourceType: resourceTypeLetter,
		ResourceID:   l.ID,
		Details:      details,
	})
}

// ── Reviewer stage ───────────────────────────────────────────────────────────

// ApproveStep approves the current reviewer slot and advances the letter to
// the next pending reviewer, to the final approver, or to approved when
// neither exists.
func (s *LetterWorkflowService) ApproveStep(ctx context.Context, letterID, actorID string, comment *string) (*repository.Letter, error) {
	return s.transition(ctx, "approve_step", letterID, actorID, func(tx pgx.Tx, l *repository.Letter) ([]Notification, error) {
		slot, err := s.currentSlot(ctx, tx, l, actorID, repository.StatusPendingReview)
		if err != nil {
			return nil, err
		}

		if err := s.deps.Reviewers.UpdateStatus(ctx, tx, slot.ID, repository.ReviewerApproved); err != nil {
			return nil, err
		}

		notes, err := s.advance(ctx, tx, l, slot.SequenceOrder)
		if err != nil {
			return nil, err
		}

		details := map[string]interface{}{"sequenceOrder": slot.SequenceOrder}
		if l.NextActionByID != nil {
			details["nextActionById"] = *l.NextActionByID
		}
		if err := s.record(ctx, tx, l, actorID, repository.ActionApproveReview, activityReviewApproved, comment, details); err != nil {
			return nil, err
		}
		return notes, nil
	})
}

// advance moves l past the slot at order. Reviewer slots come first in
// ascending order, then the final approver; with neither left the letter is
// approved without a final artifact.
func (s *LetterWorkflowService) advance(ctx context.Context, tx pgx.Tx, l *repository.Letter, order int) ([]Notification, error) {
	next, err := s.deps.Reviewers.NextPending(ctx, tx, l.ID, order)
	if err != nil {
		return nil, err
	}

	if next != nil && !next.IsFinalApprover() {
		l.SetStep(next.SequenceOrder, next.UserID)
		return []Notification{{Kind: client.EventLetterReviewRequired, Recipients: []string{next.UserID}}}, nil
	}

	approver := next
	if approver == nil {
		approver, err = s.deps.Reviewers.GetFinalApprover(ctx, tx, l.ID)
		if err != nil {
			return nil, err
		}
	}

	if approver != nil {
		l.WorkflowStatus = repository.StatusPendingApproval
		l.SetStep(repository.FinalApproverOrder, approver.UserID)
		return []Notification{{Kind: client.EventLetterApprovalRequired, Recipients: []string{approver.UserID}}}, nil
	}

	s.log.Warn().Str("letter_id", l.ID).Msg("Letter has no final approver, approving after last review")
	now := time.Now().UTC()
	l.WorkflowStatus = repository.StatusApproved
	l.ApprovedAt = &now
	l.ClearStep()
	return []Notification{{Kind: client.EventLetterApproved, Recipients: []string{l.CreatorID}}}, nil
}

// RejectStep rejects the letter at the current reviewer slot. reason is required.
func (s *LetterWorkflowService) RejectStep(ctx context.Context, letterID, actorID, reason string) (*repository.Letter, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.InvalidInput("reason", "rejection reason is required")
	}

	return s.transition(ctx, "reject_step", letterID, actorID, func(tx pgx.Tx, l *repository.Letter) ([]Notification, error) {
		slot, err := s.currentSlot(ctx, tx, l, actorID, repository.StatusPendingReview)
		if err != nil {
			return nil, err
		}
		return s.reject(ctx, tx, l, slot, actorID, reason, repository.ActionRejectReview, activityReviewRejected)
	})
}

// ReassignStep hands the current slot to newUserID. The slot keeps its
// position; only its owner changes.
func (s *LetterWorkflowService) ReassignStep(ctx context.Context, letterID, actorID, newUserID string, reason *string) (*repository.Letter, error) {
	newUserID = strings.TrimSpace(newUserID)
	if newUserID == "" {
		return nil, errors.InvalidInput("newUserId", "new assignee is required")
	}

	return s.transition(ctx, "reassign_step", letterID, actorID, func(tx pgx.Tx, l *repository.Letter) ([]Notification, error) {
		if !l.IsPending() {
			return nil, errors.InvalidState(fmt.Sprintf("letter cannot be reassigned in status %s", l.WorkflowStatus))
		}
		if !isNextActor(l, actorID) {
			return nil, errors.Forbidden("only the current assignee can reassign this step")
		}

		if newUserID == l.CreatorID {
			return nil, errors.InvalidInput("newUserId", "the letter creator cannot review their own letter")
		}
		exists, err := s.deps.Users.Exists(ctx, newUserID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errors.NotFound("user", newUserID)
		}
		taken, err := s.deps.Reviewers.HasParticipant(ctx, tx, l.ID, newUserID)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, errors.InvalidInput("newUserId", "user already participates in this letter")
		}

		slot, err := s.deps.Reviewers.GetSlot(ctx, tx, l.ID, actorID, *l.CurrentStepIndex)
		if err != nil {
			return nil, err
		}
		if err := s.deps.Reviewers.Reassign(ctx, tx, slot.ID, newUserID, actorID); err != nil {
			return nil, err
		}
		l.NextActionByID = &newUserID

		details := map[string]interface{}{
			"fromUserId":    actorID,
			"toUserId":      newUserID,
			"sequenceOrder": slot.SequenceOrder,
		}
		if err := s.record(ctx, tx, l, actorID, repository.ActionReassignReview, activityStepReassigned, reason, details); err != nil {
			return nil, err
		}

		payload := map[string]interface{}{"reassigned_from": actorID}
		if reason != nil {
			payload["reason"] = *reason
		}
		return []Notification{{Kind: client.EventLetterReassigned, Recipients: []string{newUserID}, Payload: payload}}, nil
	})
}

// ── Final approval stage ─────────────────────────────────────────────────────

// FinalApprove bakes placements and a verification QR code into the letter's
// intermediate artifact, stores it as the final artifact and approves the
// letter. A storage or PDF failure rolls the transition back.
func (s *LetterWorkflowService) FinalApprove(ctx context.Context, letterID, actorID string, comment *string) (*repository.Letter, error) {
	return s.transition(ctx, "final_approve", letterID, actorID, func(tx pgx.Tx, l *repository.Letter) ([]Notification, error) {
		slot, err := s.currentSlot(ctx, tx, l, actorID, repository.StatusPendingApproval)
		if err != nil {
			return nil, err
		}
		if l.SignedPdfURL == nil || *l.SignedPdfURL == "" {
			return nil, errors.InvalidState("letter has no signed document to approve")
		}

		source, err := s.deps.Documents.GetBuffer(ctx, *l.SignedPdfURL)
		if err != nil {
			return nil, errors.Dependency(err, "failed to load signed document")
		}
		return s.finalize(ctx, tx, l, slot, actorID, source, comment)
	})
}

// FinalApproveLetterSingle approves a template letter in one step. When the
// letter has no intermediate artifact the template content is filled from
// formData and rendered before baking.
func (s *LetterWorkflowService) FinalApproveLetterSingle(ctx context.Context, letterID, actorID string, comment *string) (*repository.Letter, error) {
	return s.transition(ctx, "final_approve_single", letterID, actorID, func(tx pgx.Tx, l *repository.Letter) ([]Notification, error) {
		slot, err := s.currentSlot(ctx, tx, l, actorID, repository.StatusPendingApproval)
		if err != nil {
			return nil, err
		}

		var source []byte
		switch {
		case l.SignedPdfURL != nil && *l.SignedPdfURL != "":
			source, err = s.deps.Documents.GetBuffer(ctx, *l.SignedPdfURL)
			if err != nil {
				return nil, errors.Dependency(err, "failed to load signed document")
			}
		case l.TemplateID != nil:
			tmpl, err := s.deps.Templates.GetByID(ctx, tx, *l.TemplateID)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(tmpl.Content) == "" {
				return nil, errors.InvalidState("letter template has no content to render")
			}
			source, err = s.deps.Renderer.RenderPDF(ctx, client.FillPlaceholders(tmpl.Content, l.FormData))
			if err != nil {
				return nil, errors.Dependency(err, "failed to render letter template")
			}
		default:
			return nil, errors.InvalidState("letter has neither a signed document nor a template")
		}

		return s.finalize(ctx, tx, l, slot, actorID, source, comment)
	})
}

func (s *LetterWorkflowService) finalize(
	ctx context.Context,
	tx pgx.Tx,
	l *repository.Letter,
	slot *repository.LetterReviewer,
	actorID string,
	source []byte,
	comment *string,
) ([]Notification, error) {
	publicLink := PublicLetterLink(s.deps.PublicBaseURL, l.ID)

	qr, err := s.deps.QR.Encode(publicLink)
	if err != nil {
		return nil, errors.Dependency(err, "failed to encode verification qr code")
	}

	final, err := s.deps.PDF.Apply(ctx, source, l.Placements, qr)
	if err != nil {
		return nil, err
	}

	put, err := s.deps.Documents.PutBuffer(ctx, final, storage.FinalLetterKey(l.ID), storage.ContentTypePDF)
	if err != nil {
		return nil, errors.Dependency(err, "failed to store final document")
	}
	qrPut, err := s.deps.Documents.PutBuffer(ctx, qr, storage.QRCodeKey(l.ID), storage.ContentTypePNG)
	if err != nil {
		return nil, errors.Dependency(err, "failed to store qr code")
	}

	if err := s.deps.Reviewers.UpdateStatus(ctx, tx, slot.ID, repository.ReviewerApproved); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	l.WorkflowStatus = repository.StatusApproved
	l.FinalSignedPdfURL = &put.Key
	l.PublicLink = &publicLink
	l.QRCodeURL = &qrPut.Key
	l.ApprovedAt = &now
	l.ClearStep()

	details := map[string]interface{}{"finalSignedPdfUrl": put.Key, "publicLink": publicLink}
	if err := s.record(ctx, tx, l, actorID, repository.ActionFinalApprove, activityLetterFinalApproved, comment, details); err != nil {
		return nil, err
	}

	participants, err := s.otherParticipants(ctx, tx, l, actorID)
	if err != nil {
		return nil, err
	}
	return []Notification{{
		Kind:       client.EventLetterApproved,
		Recipients: participants,
		Payload:    map[string]interface{}{"public_link": publicLink},
	}}, nil
}

// FinalReject rejects the letter at the final approval slot. reason is required.
func (s *LetterWorkflowService) FinalReject(ctx context.Context, letterID, actorID, reason string) (*repository.Letter, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.InvalidInput("reason", "rejection reason is required")
	}

	return s.transition(ctx, "final_reject", letterID, actorID, func(tx pgx.Tx, l *repository.Letter) ([]Notification, error) {
		slot, err := s.currentSlot(ctx, tx, l, actorID, repository.StatusPendingApproval)
		if err != nil {
			return nil, err
		}
		return s.reject(ctx, tx, l, slot, actorID, reason, repository.ActionFinalReject, activityLetterFinalRejected)
	})
}

func (s *LetterWorkflowService) reject(
	ctx context.Context,
	tx pgx.Tx,
	l *repository.Letter,
	slot *repository.LetterReviewer,
	actorID, reason string,
	action repository.ActionType,
	activity string,
) ([]Notification, error) {
	if err := s.deps.Reviewers.UpdateStatus(ctx, tx, slot.ID, repository.ReviewerRejected); err != nil {
		return nil, err
	}

	l.WorkflowStatus = repository.StatusRejected
	l.ClearStep()

	details := map[string]interface{}{"sequenceOrder": slot.SequenceOrder, "reason": reason}
	if err := s.record(ctx, tx, l, actorID, action, activity, &reason, details); err != nil {
		return nil, err
	}

	return []Notification{{
		Kind:       client.EventLetterRejected,
		Recipients: []string{l.CreatorID},
		Payload:    map[string]interface{}{"reason": reason},
	}}, nil
}

// ── Resubmission and comments ────────────────────────────────────────────────

// ResubmitRejectedLetter restarts a rejected letter from its first slot.
// Every slot returns to pending with the same participants and order. When
// newFileID is set, that upload becomes the new intermediate artifact with
// the letter's placements baked in.
func (s *LetterWorkflowService) ResubmitRejectedLetter(ctx context.Context, letterID, actorID string, newFileID *string, comment string) (*repository.Letter, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return nil, errors.InvalidInput("comment", "a comment describing the changes is required")
	}

	return s.transition(ctx, "resubmit", letterID, actorID, func(tx pgx.Tx, l *repository.Letter) ([]Notification, error) {
		if l.WorkflowStatus != repository.StatusRejected {
			return nil, errors.InvalidState(fmt.Sprintf("only rejected letters can be resubmitted, letter is %s", l.WorkflowStatus))
		}
		if l.CreatorID != actorID {
			return nil, errors.Forbidden("only the letter creator can resubmit it")
		}

		details := map[string]interface{}{}
		if newFileID != nil && *newFileID != "" {
			key, err := s.replaceArtifact(ctx, tx, l, *newFileID)
			if err != nil {
				return nil, err
			}
			details["newFileId"] = *newFileID
			details["signedPdfUrl"] = key
		}

		if err := s.deps.Reviewers.ResetAll(ctx, tx, l.ID); err != nil {
			return nil, err
		}
		first, err := s.deps.Reviewers.NextPending(ctx, tx, l.ID, 0)
		if err != nil {
			return nil, err
		}
		if first == nil {
			return nil, errors.InvalidState("letter has no participants to resubmit to")
		}

		kind := client.EventLetterReviewRequired
		l.WorkflowStatus = repository.StatusPendingReview
		if first.IsFinalApprover() {
			kind = client.EventLetterApprovalRequired
			l.WorkflowStatus = repository.StatusPendingApproval
		}
		l.SetStep(first.SequenceOrder, first.UserID)

		details["nextActionById"] = first.UserID
		if err := s.record(ctx, tx, l, actorID, repository.ActionResubmit, activityLetterResubmitted, &comment, details); err != nil {
			return nil, err
		}
		return []Notification{{Kind: kind, Recipients: []string{first.UserID}, Payload: map[string]interface{}{"comment": comment}}}, nil
	})
}

func (s *LetterWorkflowService) replaceArtifact(ctx context.Context, tx pgx.Tx, l *repository.Letter, fileID string) (string, error) {
	file, err := s.deps.Files.GetByID(ctx, tx, fileID)
	if err != nil {
		return "", err
	}

	source, err := s.deps.Documents.GetBuffer(ctx, file.StorageKey)
	if err != nil {
		return "", errors.Dependency(err, "failed to load uploaded revision")
	}
	baked, err := s.deps.PDF.Apply(ctx, source, l.Placements, nil)
	if err != nil {
		return "", err
	}
	put, err := s.deps.Documents.PutBuffer(ctx, baked, storage.IntermediateLetterKey(), storage.ContentTypePDF)
	if err != nil {
		return "", errors.Dependency(err, "failed to store revised document")
	}

	if err := s.deps.Files.MarkAllocated(ctx, tx, fileID); err != nil {
		return "", err
	}
	l.OriginalFileID = &fileID
	l.SignedPdfURL = &put.Key
	return put.Key, nil
}

// AddComment appends a comment to a letter that is not yet approved. The
// creator and any participant may comment; workflow state is unchanged.
func (s *LetterWorkflowService) AddComment(ctx context.Context, letterID, actorID, comment string) (*repository.Letter, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return nil, errors.InvalidInput("comment", "comment is required")
	}

	return s.transition(ctx, "comment", letterID, actorID, func(tx pgx.Tx, l *repository.Letter) ([]Notification, error) {
		if l.WorkflowStatus == repository.StatusApproved {
			return nil, errors.InvalidState("approved letters cannot be commented on")
		}
		if l.CreatorID != actorID {
			ok, err := s.deps.Reviewers.HasParticipant(ctx, tx, l.ID, actorID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, errors.Forbidden("only the creator or a participant can comment on this letter")
			}
		}

		if err := s.record(ctx, tx, l, actorID, repository.ActionComment, activityLetterCommented, &comment, nil); err != nil {
			return nil, err
		}

		recipients, err := s.otherParticipants(ctx, tx, l, actorID)
		if err != nil {
			return nil, err
		}
		return []Notification{{Kind: client.EventLetterCommented, Recipients: recipients, Payload: map[string]interface{}{"comment": comment}}}, nil
	})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// currentSlot validates, in order, the letter status, the actor, and the
// existence of the actor's slot at the current step.
func (s *LetterWorkflowService) currentSlot(
	ctx context.Context,
	tx pgx.Tx,
	l *repository.Letter,
	actorID string,
	want repository.WorkflowStatus,
) (*repository.LetterReviewer, error) {
	if l.WorkflowStatus != want {
		return nil, errors.InvalidState(fmt.Sprintf("letter is %s, expected %s", l.WorkflowStatus, want))
	}
	if !isNextActor(l, actorID) {
		return nil, errors.Forbidden("user is not the current actor on this letter")
	}
	return s.deps.Reviewers.GetSlot(ctx, tx, l.ID, actorID, *l.CurrentStepIndex)
}

// otherParticipants returns the creator and every slot owner except exclude.
func (s *LetterWorkflowService) otherParticipants(ctx context.Context, tx pgx.Tx, l *repository.Letter, exclude string) ([]string, error) {
	slots, err := s.deps.Reviewers.ListByLetter(ctx, tx, l.ID)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{exclude: true}
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(l.CreatorID)
	for _, slot := range slots {
		add(slot.UserID)
	}
	return ids, nil
}

func isNextActor(l *repository.Letter, actorID string) bool {
	return l.NextActionByID != nil && *l.NextActionByID == actorID && l.CurrentStepIndex != nil
}

// PublicLetterLink is the verification URL encoded in a letter's QR code.
func PublicLetterLink(baseURL, letterID string) string {
	return fmt.Sprintf("%s/public/letters/%s", strings.TrimRight(baseURL, "/"), letterID)
}

// loadLetter reads a letter with its reviewers and action logs.
func loadLetter(ctx context.Context, deps Dependencies, id string) (*repository.Letter, error) {
	l, err := deps.Letters.GetByID(ctx, deps.DB, id)
	if err != nil {
		return nil, err
	}
	if err := hydrate(ctx, deps, l); err != nil {
		return nil, err
	}
	return l, nil
}

func hydrate(ctx context.Context, deps Dependencies, l *repository.Letter) error {
	reviewers, err := deps.Reviewers.ListByLetter(ctx, deps.DB, l.ID)
	if err != nil {
		return err
	}
	logs, err := deps.ActionLogs.ListByLetter(ctx, deps.DB, l.ID)
	if err != nil {
		return err
	}
	l.Reviewers = reviewers
	l.ActionLogs = logs
	return nil
}
