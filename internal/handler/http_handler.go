package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pesio-ai/be-dms-letters/internal/errors"
	"github.com/pesio-ai/be-dms-letters/internal/logger"
	"github.com/pesio-ai/be-dms-letters/internal/repository"
	"github.com/pesio-ai/be-dms-letters/internal/service"
)

// LetterCreator creates letters.
type LetterCreator interface {
	CreateFromTemplate(ctx context.Context, req *service.CreateFromTemplateRequest) (*repository.Letter, error)
	CreateFromInteractivePDF(ctx context.Context, req *service.CreateFromInteractivePDFRequest) (*repository.Letter, error)
}

// LetterWorkflow runs workflow transitions.
type LetterWorkflow interface {
	ApproveStep(ctx context.Context, letterID, actorID string, comment *string) (*repository.Letter, error)
	RejectStep(ctx context.Context, letterID, actorID, reason string) (*repository.Letter, error)
	ReassignStep(ctx context.Context, letterID, actorID, newUserID string, reason *string) (*repository.Letter, error)
	FinalApprove(ctx context.Context, letterID, actorID string, comment *string) (*repository.Letter, error)
	FinalApproveLetterSingle(ctx context.Context, letterID, actorID string, comment *string) (*repository.Letter, error)
	FinalReject(ctx context.Context, letterID, actorID, reason string) (*repository.Letter, error)
	ResubmitRejectedLetter(ctx context.Context, letterID, actorID string, newFileID *string, comment string) (*repository.Letter, error)
	AddComment(ctx context.Context, letterID, actorID, comment string) (*repository.Letter, error)
}

// LetterReader serves authorization-gated reads.
type LetterReader interface {
	FindByID(ctx context.Context, letterID, requesterID string) (*repository.Letter, error)
	GenerateSignedPdfViewURL(ctx context.Context, letterID, requesterID string) (*service.SignedURL, error)
	FindPublic(ctx context.Context, letterID string) (*service.PublicLetterView, error)
	GetActionLogs(ctx context.Context, letterID, requesterID string) ([]*repository.LetterActionLog, error)
	ListPendingForUser(ctx context.Context, userID string) ([]*repository.Letter, error)
	ListByCreator(ctx context.Context, userID string) ([]*repository.Letter, error)
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	creation LetterCreator
	workflow LetterWorkflow
	access   LetterReader
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(creation LetterCreator, workflow LetterWorkflow, access LetterReader, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		creation: creation,
		workflow: workflow,
		access:   access,
		log:      log,
	}
}

// RegisterRoutes mounts the letter API on e. Everything under /api/v1
// requires a bearer token signed with secret.
func (h *HTTPHandler) RegisterRoutes(e *echo.Echo, secret string) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "healthy"})
	})
	e.GET("/public/letters/:id", h.GetPublicLetter)

	api := e.Group("/api/v1", JWTAuth(secret))

	api.POST("/letters/template", h.CreateFromTemplate)
	api.POST("/letters/interactive", h.CreateFromInteractivePDF)
	api.GET("/letters", h.ListMyLetters)
	api.GET("/letters/pending", h.ListPending)
	api.GET("/letters/:id", h.GetLetter)
	api.GET("/letters/:id/view-url", h.GetViewURL)
	api.GET("/letters/:id/logs", h.GetActionLogs)

	api.POST("/letters/:id/approve", h.ApproveStep)
	api.POST("/letters/:id/reject", h.RejectStep)
	api.POST("/letters/:id/reassign", h.ReassignStep)
	api.POST("/letters/:id/final-approve", h.FinalApprove)
	api.POST("/letters/:id/final-approve-single", h.FinalApproveSingle)
	api.POST("/letters/:id/final-reject", h.FinalReject)
	api.POST("/letters/:id/resubmit", h.Resubmit)
	api.POST("/letters/:id/comments", h.AddComment)
}

// ── Request bodies ───────────────────────────────────────────────────────────

type commentBody struct {
	Comment *string `json:"comment"`
}

type reasonBody struct {
	Reason string `json:"reason"`
}

type reassignBody struct {
	NewUserID string  `json:"newUserId"`
	Reason    *string `json:"reason"`
}

type resubmitBody struct {
	NewFileID *string `json:"newFileId"`
	Comment   string  `json:"comment"`
}

// ── Creation ─────────────────────────────────────────────────────────────────

// CreateFromTemplate handles POST /api/v1/letters/template
func (h *HTTPHandler) CreateFromTemplate(c echo.Context) error {
	var req service.CreateFromTemplateRequest
	if err := c.Bind(&req); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	req.SubmitterID = userID(c)

	letter, err := h.creation.CreateFromTemplate(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, letter)
}

// CreateFromInteractivePDF handles POST /api/v1/letters/interactive
func (h *HTTPHandler) CreateFromInteractivePDF(c echo.Context) error {
	var req service.CreateFromInteractivePDFRequest
	if err := c.Bind(&req); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	req.SubmitterID = userID(c)

	letter, err := h.creation.CreateFromInteractivePDF(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, letter)
}

// ── Reads ────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) GetLetter(c echo.Context) error {
	letter, err := h.access.FindByID(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, letter)
}

func (h *HTTPHandler) GetViewURL(c echo.Context) error {
	url, err := h.access.GenerateSignedPdfViewURL(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, url)
}

func (h *HTTPHandler) GetActionLogs(c echo.Context) error {
	logs, err := h.access.GetActionLogs(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"actionLogs": logs})
}

func (h *HTTPHandler) ListMyLetters(c echo.Context) error {
	letters, err := h.access.ListByCreator(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"letters": letters, "total": len(letters)})
}

func (h *HTTPHandler) ListPending(c echo.Context) error {
	letters, err := h.access.ListPendingForUser(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"letters": letters, "total": len(letters)})
}

// GetPublicLetter handles GET /public/letters/:id, the QR verification target.
func (h *HTTPHandler) GetPublicLetter(c echo.Context) error {
	view, err := h.access.FindPublic(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// ── Transitions ──────────────────────────────────────────────────────────────

func (h *HTTPHandler) ApproveStep(c echo.Context) error {
	var body commentBody
	if err := c.Bind(&body); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	letter, err := h.workflow.ApproveStep(c.Request().Context(), c.Param("id"), userID(c), body.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, letter)
}

func (h *HTTPHandler) RejectStep(c echo.Context) error {
	var body reasonBody
	if err := c.Bind(&body); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	letter, err := h.workflow.RejectStep(c.Request().Context(), c.Param("id"), userID(c), body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, letter)
}

func (h *HTTPHandler) ReassignStep(c echo.Context) error {
	var body reassignBody
	if err := c.Bind(&body); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	letter, err := h.workflow.ReassignStep(c.Request().Context(), c.Param("id"), userID(c), body.NewUserID, body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, letter)
}

func (h *HTTPHandler) FinalApprove(c echo.Context) error {
	var body commentBody
	if err := c.Bind(&body); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	letter, err := h.workflow.FinalApprove(c.Request().Context(), c.Param("id"), userID(c), body.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, letter)
}

func (h *HTTPHandler) FinalApproveSingle(c echo.Context) error {
	var body commentBody
	if err := c.Bind(&body); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	letter, err := h.workflow.FinalApproveLetterSingle(c.Request().Context(), c.Param("id"), userID(c), body.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, letter)
}

func (h *HTTPHandler) FinalReject(c echo.Context) error {
	var body reasonBody
	if err := c.Bind(&body); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	letter, err := h.workflow.FinalReject(c.Request().Context(), c.Param("id"), userID(c), body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, letter)
}

func (h *HTTPHandler) Resubmit(c echo.Context) error {
	var body resubmitBody
	if err := c.Bind(&body); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	letter, err := h.workflow.ResubmitRejectedLetter(c.Request().Context(), c.Param("id"), userID(c), body.NewFileID, body.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, letter)
}

func (h *HTTPHandler) AddComment(c echo.Context) error {
	var body commentBody
	if err := c.Bind(&body); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	var comment string
	if body.Comment != nil {
		comment = *body.Comment
	}
	letter, err := h.workflow.AddComment(c.Request().Context(), c.Param("id"), userID(c), comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, letter)
}
