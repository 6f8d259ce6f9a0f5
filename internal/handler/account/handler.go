package account

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

// PlanActor is recorded on plan changes made through the public API, which
// is called by the billing front end rather than an operator.
const PlanActor = "api"

type Service interface {
	Create(ctx context.Context, req *model.CreateAccountRequest) (*model.Account, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Account, error)
	UpdatePlan(ctx context.Context, id uuid.UUID, req *model.UpdatePlanRequest, actor string) (*model.Account, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/accounts")
	{
		accounts.POST("", h.CreateAccount)
		accounts.GET("/:id", h.GetAccount)
		accounts.PUT("/:id/plan", h.UpdatePlan)
	}
}

func (h *Handler) CreateAccount(c *gin.Context) {
	var req model.CreateAccountRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	acc, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusCreated, acc)
}

func (h *Handler) GetAccount(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	acc, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, acc)
}

func (h *Handler) UpdatePlan(c *gin.Context) {
	id, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	var req model.UpdatePlanRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	acc, err := h.service.UpdatePlan(c.Request.Context(), id, &req, middleware.Actor(c, PlanActor))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, acc)
}
