package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/httputil"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
)

// Recovery turns a handler panic into a 500 and logs the stack.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.ZL.Error().
					Interface("error", err).
					Str("stack", string(debug.Stack())).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Str("request_id", RequestIDFrom(c)).
					Msg("Request panic recovered")

				c.AbortWithStatusJSON(http.StatusInternalServerError,
					httputil.NewErrorResponse("internal server error"))
			}
		}()
		c.Next()
	}
}
