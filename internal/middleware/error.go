package middleware

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/httputil"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
)

// ErrorHandler logs errors handlers attached with c.Error. Server-side
// failures are logged at error level with their cause; client errors at
// debug. If the handler wrote nothing, the last error is rendered.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		requestID := RequestIDFrom(c)
		for _, e := range c.Errors {
			appErr := apperrors.FromError(e.Err)
			if appErr.Code.HTTPStatus() >= 500 {
				log.Error(e.Err, "Request failed",
					"request_id", requestID,
					"method", c.Request.Method,
					"path", c.Request.URL.Path)
				continue
			}
			log.Debug("Request rejected",
				"request_id", requestID,
				"path", c.Request.URL.Path,
				"error", e.Err.Error())
		}

		if c.Writer.Written() {
			return
		}
		appErr := apperrors.FromError(c.Errors.Last().Err)
		c.JSON(appErr.Code.HTTPStatus(), httputil.NewErrorResponse(appErr.Message))
	}
}
