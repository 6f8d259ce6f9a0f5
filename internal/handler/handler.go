// Package handler holds the helpers shared by the HTTP handlers.
package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/httputil"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/validator"
)

// ParseID reads a uuid path parameter. On failure it writes a 400 and
// returns false.
func ParseID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		httputil.RespondBadRequest(c, "invalid "+name, err)
		return uuid.Nil, false
	}
	return id, true
}

// BindJSON binds the request body into obj. On failure it writes a 400
// describing the invalid fields and returns false.
func BindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		httputil.RespondBadRequest(c, validator.Describe(err), err)
		return false
	}
	return true
}

// BindQuery is BindJSON for query parameters.
func BindQuery(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindQuery(obj); err != nil {
		httputil.RespondBadRequest(c, validator.Describe(err), err)
		return false
	}
	return true
}

// BindURI is BindJSON for path parameters.
func BindURI(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindUri(obj); err != nil {
		httputil.RespondBadRequest(c, validator.Describe(err), err)
		return false
	}
	return true
}
