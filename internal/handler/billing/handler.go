// Package billing serves the metering endpoints called by the analysis
// pipeline: access checks, usage, group ids and ledger writes.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/httputil"
)

const ndjsonContentType = "application/x-ndjson"

type Ledger interface {
	Record(ctx context.Context, req model.RecordRequest) (*model.Transaction, error)
	ListForAccount(ctx context.Context, accountID uuid.UUID, period *model.Period) ([]*model.Transaction, error)
	StreamForAccount(ctx context.Context, accountID uuid.UUID, period *model.Period, fn func(*model.Transaction) error) error
}

type Gate interface {
	CheckAccess(ctx context.Context, accountID uuid.UUID) (model.AccessDecision, error)
}

type UsageService interface {
	Usage(ctx context.Context, accountID uuid.UUID) (*model.Usage, error)
}

type Handler struct {
	ledger  Ledger
	gate    Gate
	usage   UsageService
	groupID func() uuid.UUID
}

func NewHandler(ledger Ledger, gate Gate, usage UsageService, groupID func() uuid.UUID) *Handler {
	return &Handler{
		ledger:  ledger,
		gate:    gate,
		usage:   usage,
		groupID: groupID,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/analysis-groups", h.NewAnalysisGroup)

	accounts := r.Group("/accounts/:id")
	{
		accounts.GET("/access", h.CheckAccess)
		accounts.GET("/usage", h.Usage)
		accounts.POST("/transactions", h.RecordTransaction)
		accounts.GET("/transactions", h.ListTransactions)
		accounts.GET("/transactions/export", h.ExportTransactions)
	}
}

// CheckAccess answers 200 for both verdicts; a denial carries its reason
// and user message in the body.
func (h *Handler) CheckAccess(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	decision, err := h.gate.CheckAccess(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, decision)
}

func (h *Handler) Usage(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	usage, err := h.usage.Usage(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, usage)
}

type analysisGroupResponse struct {
	AnalysisGroupID uuid.UUID `json:"analysis_group_id"`
}

// NewAnalysisGroup hands out the group id an analysis threads through its
// base fee and item charges.
func (h *Handler) NewAnalysisGroup(c *gin.Context) {
	httputil.RespondWithSuccess(c, http.StatusCreated, analysisGroupResponse{AnalysisGroupID: h.groupID()})
}

// RecordTransaction answers 201 when the row is written and 202 when the
// charge was parked for reconciliation.
func (h *Handler) RecordTransaction(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	var req model.RecordRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	req.AccountID = id

	tx, err := h.ledger.Record(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, apperrors.ErrChargeEscalated) && tx != nil {
			_ = c.Error(err)
			c.JSON(http.StatusAccepted, &httputil.Response{
				Status:  httputil.StatusSuccess,
				Message: apperrors.FromError(err).Message,
				Data:    tx,
			})
			return
		}
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusCreated, tx)
}

type periodQuery struct {
	Year  int `form:"year" binding:"omitempty,min=2000,max=9999"`
	Month int `form:"month" binding:"omitempty,period_month"`
}

func (q periodQuery) period() (*model.Period, error) {
	switch {
	case q.Year == 0 && q.Month == 0:
		return nil, nil
	case q.Year == 0 || q.Month == 0:
		return nil, apperrors.NewBadRequest("year and month must be given together", nil)
	}
	p := model.NewPeriod(q.Year, time.Month(q.Month))
	return &p, nil
}

func (h *Handler) bindPeriod(c *gin.Context) (*model.Period, bool) {
	var q periodQuery
	if !handler.BindQuery(c, &q) {
		return nil, false
	}
	period, err := q.period()
	if err != nil {
		httputil.RespondWithError(c, err)
		return nil, false
	}
	return period, true
}

func (h *Handler) ListTransactions(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}
	period, ok := h.bindPeriod(c)
	if !ok {
		return
	}

	txs, err := h.ledger.ListForAccount(c.Request.Context(), id, period)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	if txs == nil {
		txs = []*model.Transaction{}
	}

	httputil.RespondWithSuccess(c, http.StatusOK, txs)
}

// ExportTransactions streams the ledger oldest first as one JSON object per
// line. Errors after the first row can only be logged.
func (h *Handler) ExportTransactions(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}
	period, ok := h.bindPeriod(c)
	if !ok {
		return
	}

	enc := json.NewEncoder(c.Writer)
	started := false
	rows := 0
	err := h.ledger.StreamForAccount(c.Request.Context(), id, period, func(tx *model.Transaction) error {
		if !started {
			c.Header("Content-Type", ndjsonContentType)
			c.Status(http.StatusOK)
			started = true
		}
		if err := enc.Encode(tx); err != nil {
			return err
		}
		rows++
		if rows%100 == 0 {
			c.Writer.Flush()
		}
		return nil
	})

	switch {
	case err != nil && !started:
		httputil.RespondWithError(c, err)
	case err != nil:
		_ = c.Error(err)
	case !started:
		c.Header("Content-Type", ndjsonContentType)
		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()
	default:
		c.Writer.Flush()
	}
}
