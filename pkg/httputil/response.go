package httputil

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response wraps all API responses
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: StatusSuccess,
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  StatusError,
		Message: message,
	}
}

// RespondWithSuccess sends a success response
func RespondWithSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, NewSuccessResponse(data))
}

// RespondWithError maps err onto its HTTP status and sends an error
// response. The error is attached to the context so the error middleware
// logs the cause; the client only sees the AppError message.
func RespondWithError(c *gin.Context, err error) {
	appErr := apperrors.FromError(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(appErr.Code.HTTPStatus(), NewErrorResponse(appErr.Message))
}

// RespondBadRequest is a shortcut for malformed path, query or body input.
func RespondBadRequest(c *gin.Context, message string, err error) {
	RespondWithError(c, apperrors.NewBadRequest(message, err))
}

// StatusOf returns the status RespondWithError would send for err.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return apperrors.FromError(err).Code.HTTPStatus()
}
