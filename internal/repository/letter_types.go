package repository

import (
	"fmt"
	"time"
)

// ── Domain types for the letter approval workflow ────────────────────────────

// WorkflowStatus is the lifecycle state of a letter.
type WorkflowStatus string

const (
	StatusDraft           WorkflowStatus = "draft"
	StatusPendingReview   WorkflowStatus = "pending_review"
	StatusPendingApproval WorkflowStatus = "pending_approval"
	StatusApproved        WorkflowStatus = "approved"
	StatusRejected        WorkflowStatus = "rejected"
)

// ReviewerStatus is the state of one participant slot.
type ReviewerStatus string

const (
	ReviewerPending    ReviewerStatus = "pending"
	ReviewerApproved   ReviewerStatus = "approved"
	ReviewerRejected   ReviewerStatus = "rejected"
	ReviewerSkipped    ReviewerStatus = "skipped"
	ReviewerReassigned ReviewerStatus = "reassigned"
)

// ActionType classifies a LetterActionLog row.
type ActionType string

const (
	ActionSubmit          ActionType = "submit"
	ActionApproveReview   ActionType = "approve_review"
	ActionRejectReview    ActionType = "reject_review"
	ActionReassignReview  ActionType = "reassign_review"
	ActionFinalApprove    ActionType = "final_approve"
	ActionFinalReject     ActionType = "final_reject"
	ActionResubmit        ActionType = "resubmit"
	ActionComment         ActionType = "comment"
	ActionUploadRevision  ActionType = "upload_revision"
	ActionDelete          ActionType = "delete"
	ActionRestore         ActionType = "restore"
	ActionPermanentDelete ActionType = "permanent_delete"
)

// FinalApproverOrder is the reserved sequence_order of the final approval slot.
// Reviewer slots are numbered 1..N and must stay below it; creation rejects
// reviewer lists that would reach it.
const FinalApproverOrder = 999

// PlacementType tags what a placement draws.
type PlacementType string

const (
	PlacementSignature PlacementType = "signature"
	PlacementStamp     PlacementType = "stamp"
	PlacementQRCode    PlacementType = "qrcode"
)

// Placement positions one image on a page. X and Y are in top-left-origin
// points; the *Pct fields carry the same box relative to the page size as the
// client reported it.
type Placement struct {
	Type       PlacementType `json:"type"`
	URL        string        `json:"url,omitempty"`
	PageNumber int           `json:"pageNumber"`
	X          float64       `json:"x"`
	Y          float64       `json:"y"`
	Width      float64       `json:"width"`
	Height     float64       `json:"height"`
	XPct       *float64      `json:"xPct,omitempty"`
	YPct       *float64      `json:"yPct,omitempty"`
	WidthPct   *float64      `json:"widthPct,omitempty"`
	HeightPct  *float64      `json:"heightPct,omitempty"`
}

// Validate checks a placement at the request boundary.
func (p Placement) Validate() error {
	switch p.Type {
	case PlacementSignature, PlacementStamp:
		if p.URL == "" {
			return fmt.Errorf("%s placement requires a url", p.Type)
		}
	case PlacementQRCode:
	default:
		return fmt.Errorf("unknown placement type %q", p.Type)
	}
	if p.PageNumber < 1 {
		return fmt.Errorf("pageNumber must be >= 1, got %d", p.PageNumber)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("width and height must be positive")
	}
	if p.X < 0 || p.Y < 0 {
		return fmt.Errorf("x and y must not be negative")
	}
	return nil
}

// Letter is a document moving through the approval workflow.
type Letter struct {
	ID                string                 `json:"id"`
	TemplateID        *string                `json:"templateId"`
	CreatorID         string                 `json:"creatorId"`
	Name              string                 `json:"name"`
	FormData          map[string]interface{} `json:"formData"`
	WorkflowStatus    WorkflowStatus         `json:"workflowStatus"`
	CurrentStepIndex  *int                   `json:"currentStepIndex"`
	NextActionByID    *string                `json:"nextActionById"`
	OriginalFileID    *string                `json:"originalFileId,omitempty"`
	SignedPdfURL      *string                `json:"signedPdfUrl"`
	FinalSignedPdfURL *string                `json:"finalSignedPdfUrl"`
	PublicLink        *string                `json:"publicLink"`
	QRCodeURL         *string                `json:"qrCodeUrl"`
	Placements        []Placement            `json:"placements"`
	ApprovedAt        *time.Time             `json:"approvedAt,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`

	Reviewers  []*LetterReviewer  `json:"reviewers,omitempty"`
	ActionLogs []*LetterActionLog `json:"actionLogs,omitempty"`
}

// IsPending reports whether the letter is waiting on a reviewer or approver.
func (l *Letter) IsPending() bool {
	return l.WorkflowStatus == StatusPendingReview || l.WorkflowStatus == StatusPendingApproval
}

// SetStep points the letter at the slot whose action is awaited.
func (l *Letter) SetStep(order int, userID string) {
	l.CurrentStepIndex = &order
	l.NextActionByID = &userID
}

// ClearStep removes the current step on a terminal transition.
func (l *Letter) ClearStep() {
	l.CurrentStepIndex = nil
	l.NextActionByID = nil
}

// LetterReviewer is one ordered participant slot on a letter.
type LetterReviewer struct {
	ID                   string         `json:"id"`
	LetterID             string         `json:"letterId"`
	UserID               string         `json:"userId"`
	SequenceOrder        int            `json:"sequenceOrder"`
	Status               ReviewerStatus `json:"status"`
	ActedAt              *time.Time     `json:"actedAt"`
	ReassignedFromUserID *string        `json:"reassignedFromUserId"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// IsFinalApprover reports whether this slot is the sentinel approval slot.
func (r *LetterReviewer) IsFinalApprover() bool {
	return r.SequenceOrder == FinalApproverOrder
}

// LetterActionLog is one immutable workflow audit row.
type LetterActionLog struct {
	ID         string                 `json:"id"`
	LetterID   string                 `json:"letterId"`
	UserID     string                 `json:"userId"`
	ActionType ActionType             `json:"actionType"`
	Comment    *string                `json:"comment"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// ── Collaborator records ─────────────────────────────────────────────────────

// Template is a letter template with its configured review chain.
type Template struct {
	ID        string
	Name      string
	Content   string
	OwnerID   *string
	Reviewers []TemplateReviewer
}

// TemplateReviewer is one configured reviewer of a template, in list order.
type TemplateReviewer struct {
	UserID string
}

// User is the subset of a user profile the workflow needs.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// DisplayName joins first and last name, falling back to the email.
func (u *User) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		return u.Email
	}
	return name
}

// File is an uploaded object's backing record.
type File struct {
	ID          string
	StorageKey  string
	MimeType    string
	UploadedBy  string
	IsAllocated bool
	CreatedAt   time.Time
}

// ActivityLog is the cross-resource activity trail entry.
type ActivityLog struct {
	ID           string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
	CreatedAt    time.Time
}
