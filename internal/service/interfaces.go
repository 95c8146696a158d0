package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-dms-letters/internal/database"
	"github.com/pesio-ai/be-dms-letters/internal/repository"
	"github.com/pesio-ai/be-dms-letters/internal/storage"
)

// LetterStore persists letters. Every method takes the Querier to run on so
// a transition can thread its transaction through.
type LetterStore interface {
	Create(ctx context.Context, q database.Querier, l *repository.Letter) error
	GetByID(ctx context.Context, q database.Querier, id string) (*repository.Letter, error)
	GetForUpdate(ctx context.Context, tx database.Querier, id string) (*repository.Letter, error)
	UpdateWorkflow(ctx context.Context, q database.Querier, l *repository.Letter) error
	ListPendingForUser(ctx context.Context, q database.Querier, userID string) ([]*repository.Letter, error)
	ListByCreator(ctx context.Context, q database.Querier, creatorID string) ([]*repository.Letter, error)
}

// ReviewerStore persists participant slots.
type ReviewerStore interface {
	CreateBatch(ctx context.Context, q database.Querier, letterID string, reviewers []*repository.LetterReviewer) error
	ListByLetter(ctx context.Context, q database.Querier, letterID string) ([]*repository.LetterReviewer, error)
	GetSlot(ctx context.Context, q database.Querier, letterID, userID string, order int) (*repository.LetterReviewer, error)
	NextPending(ctx context.Context, q database.Querier, letterID string, afterOrder int) (*repository.LetterReviewer, error)
	GetFinalApprover(ctx context.Context, q database.Querier, letterID string) (*repository.LetterReviewer, error)
	HasParticipant(ctx context.Context, q database.Querier, letterID, userID string) (bool, error)
	UpdateStatus(ctx context.Context, q database.Querier, id string, status repository.ReviewerStatus) error
	Reassign(ctx context.Context, q database.Querier, id, newUserID, fromUserID string) error
	ResetAll(ctx context.Context, q database.Querier, letterID string) error
}

// ActionLogStore appends and reads the per-letter audit trail.
type ActionLogStore interface {
	Append(ctx context.Context, q database.Querier, entry *repository.LetterActionLog) error
	ListByLetter(ctx context.Context, q database.Querier, letterID string) ([]*repository.LetterActionLog, error)
}

// TemplateProvider reads letter templates and their reviewer chains.
type TemplateProvider interface {
	GetByID(ctx context.Context, q database.Querier, id string) (*repository.Template, error)
}

// FileStore reads uploaded file records.
type FileStore interface {
	GetByID(ctx context.Context, q database.Querier, id string) (*repository.File, error)
	MarkAllocated(ctx context.Context, q database.Querier, id string) error
}

// ActivityLogger records the organization-wide trail inside the caller's transaction.
type ActivityLogger interface {
	Record(ctx context.Context, tx database.Querier, entry *repository.ActivityLog) error
}

// UserDirectory resolves users.
type UserDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*repository.User, error)
}

// PDFManipulator bakes placements, and optionally a QR image, into a PDF.
type PDFManipulator interface {
	Apply(ctx context.Context, doc []byte, placements []repository.Placement, qrPNG []byte) ([]byte, error)
}

// QREncoder renders text as a PNG QR code.
type QREncoder interface {
	Encode(text string) ([]byte, error)
}

// TemplateRenderer turns filled template HTML into a PDF.
type TemplateRenderer interface {
	RenderPDF(ctx context.Context, html string) ([]byte, error)
}

// Notifier delivers post-commit notifications. Implementations must not block
// the caller on delivery and must not report failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Dependencies bundles the collaborators shared by the letter services.
type Dependencies struct {
	DB database.Querier
	Tx database.TxRunner

	Letters    LetterStore
	Reviewers  ReviewerStore
	ActionLogs ActionLogStore
	Templates  TemplateProvider
	Files      FileStore
	Activity   ActivityLogger
	Users      UserDirectory

	Documents storage.DocumentStore
	PDF       PDFManipulator
	QR        QREncoder
	Renderer  TemplateRenderer
	Notifier  Notifier

	// PublicBaseURL prefixes the verification link encoded in final QR codes.
	PublicBaseURL string
	PresignTTL    time.Duration
}
