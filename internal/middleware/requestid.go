package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderXRequestID = "X-Request-ID"
	ContextRequestID = "request_id"

	maxRequestIDLength = 128
)

// RequestID tags every request with an id that the access log, error log
// and response share. A caller-supplied id is kept unless it is oversized.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXRequestID)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}

		c.Set(ContextRequestID, id)
		c.Writer.Header().Set(HeaderXRequestID, id)
		c.Next()
	}
}

// RequestIDFrom returns the id RequestID stored, or "".
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(ContextRequestID)
}
