// Package admin serves the operator endpoints: consistency reports,
// corrections and the sweep trigger.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/middleware"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/httputil"
)

type Reconciler interface {
	ValidateAccount(ctx context.Context, accountID uuid.UUID) (*model.AccountReport, error)
	ValidateGlobal(ctx context.Context) (*model.GlobalReport, error)
	CorrectAccount(ctx context.Context, accountID uuid.UUID, autoFix bool, actor string) (*model.AccountReport, error)
}

type SweepRunner interface {
	RunOnce(ctx context.Context) (*model.SweepResult, error)
}

type Handler struct {
	reconciler Reconciler
	sweep      SweepRunner
}

func NewHandler(reconciler Reconciler, sweep SweepRunner) *Handler {
	return &Handler{reconciler: reconciler, sweep: sweep}
}

// RegisterRoutes mounts the operator endpoints. The group must already
// require admin authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/validation", h.ValidateGlobal)
	r.GET("/validation/accounts/:id", h.ValidateAccount)
	r.POST("/corrections", h.CorrectAccount)
	r.POST("/sweep", h.RunSweep)
}

func (h *Handler) ValidateAccount(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	report, err := h.reconciler.ValidateAccount(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, report)
}

func (h *Handler) ValidateGlobal(c *gin.Context) {
	report, err := h.reconciler.ValidateGlobal(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, report)
}

// CorrectAccount recomputes drifted invoices and, with auto_fix, writes the
// recovered group ids.
func (h *Handler) CorrectAccount(c *gin.Context) {
	var req model.CorrectionRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	report, err := h.reconciler.CorrectAccount(c.Request.Context(), req.AccountID, req.AutoFix, middleware.Actor(c, "admin"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, report)
}

// RunSweep runs one sweep batch now. A run already in progress elsewhere
// yields a result with skipped set.
func (h *Handler) RunSweep(c *gin.Context) {
	result, err := h.sweep.RunOnce(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, result)
}
