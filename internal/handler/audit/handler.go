package audit

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/httputil"
)

type Service interface {
	History(ctx context.Context, entityType string, entityID uuid.UUID) ([]*model.AuditLog, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes mounts the audit trail. The group must already require
// admin authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	audit := r.Group("/audit")
	{
		audit.GET("/:type/:id", h.GetEntityLogs)
	}
}

var entityTypes = map[string]bool{
	model.AuditEntityAccount:     true,
	model.AuditEntityInvoice:     true,
	model.AuditEntityTransaction: true,
}

func (h *Handler) GetEntityLogs(c *gin.Context) {
	entityType := c.Param("type")
	if !entityTypes[entityType] {
		httputil.RespondBadRequest(c, "unknown entity type "+entityType, nil)
		return
	}
	entityID, ok := handler.ParseID(c, "id")
	if !ok {
		return
	}

	logs, err := h.service.History(c.Request.Context(), entityType, entityID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	if logs == nil {
		logs = []*model.AuditLog{}
	}

	httputil.RespondWithSuccess(c, http.StatusOK, logs)
}
