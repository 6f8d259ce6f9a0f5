package invoice

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/middleware"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/httputil"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/money"
)

// PaymentActor is recorded on payments reported by the payment provider
// webhook.
const PaymentActor = "payment"

type Service interface {
	CloseOrUpdate(ctx context.Context, accountID uuid.UUID, year, month int) (*model.Invoice, error)
	MarkPaid(ctx context.Context, invoiceID uuid.UUID, paidAt time.Time, amount decimal.Decimal, actor string) (*model.Invoice, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	ListForAccount(ctx context.Context, accountID uuid.UUID) ([]*model.Invoice, error)
}

type Handler struct {
	service Service
	clock   clock.Clock
}

func NewHandler(service Service, clk clock.Clock) *Handler {
	return &Handler{service: service, clock: clk}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/invoices", h.ListInvoices)
	r.POST("/accounts/:id/invoices/:year/:month/rollup", h.Rollup)

	invoices := r.Group("/invoices")
	{
		invoices.GET("/:id", h.GetInvoice)
		invoices.POST("/:id/payments", h.RecordPayment)
	}
}

func (h *Handler) ListInvoices(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	invoices, err := h.service.ListForAccount(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	if invoices == nil {
		invoices = []*model.Invoice{}
	}

	httputil.RespondWithSuccess(c, http.StatusOK, invoices)
}

type periodURI struct {
	Year  int `uri:"year" binding:"required,min=2000,max=9999"`
	Month int `uri:"month" binding:"required,period_month"`
}

// Rollup closes or refreshes one month. Calling it again with no new
// transactions returns the same totals.
func (h *Handler) Rollup(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}
	var p periodURI
	if !handler.BindURI(c, &p) {
		return
	}

	inv, err := h.service.CloseOrUpdate(c.Request.Context(), id, p.Year, p.Month)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, inv)
}

func (h *Handler) GetInvoice(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	inv, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, inv)
}

func (h *Handler) RecordPayment(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	var req model.PaymentRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	paidAt := h.clock.Now()
	if req.PaidAt != nil {
		paidAt = *req.PaidAt
	}

	inv, err := h.service.MarkPaid(c.Request.Context(), id, paidAt, amount, middleware.Actor(c, PaymentActor))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, inv)
}
