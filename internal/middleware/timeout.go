package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/httputil"
)

// TimeoutConfig bounds one route group. Zero disables the deadline.
type TimeoutConfig struct {
	Duration time.Duration
}

// Timeout bounds the request context. Handlers run on the request goroutine
// and are expected to honour ctx; when the deadline passed and nothing was
// written a 504 is sent.
func Timeout(config TimeoutConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.Duration <= 0 {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), config.Duration)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, httputil.NewErrorResponse("request timeout"))
		}
	}
}
