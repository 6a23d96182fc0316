package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/posthog/dbsidecar/gateway"
)

// respondError writes err in the error envelope. Classified driver errors
// are client errors; anything else is internal and reported with code 0.
func respondError(c *gin.Context, err error) {
	var ce *gateway.ClassifiedError
	if !errors.As(err, &ce) {
		slog.Error("Request failed.", "path", c.FullPath(), "error", err)
		ce = gateway.Internal(err)
	}
	status := http.StatusBadRequest
	if ce.IsInternal() {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, errorResponse{Detail: ce})
}

// respondInvalidBody rejects a body that does not decode or validate.
func respondInvalidBody(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, errorResponse{Detail: &gateway.ClassifiedError{
		Code:     0,
		Message:  "invalid request body: " + err.Error(),
		Category: gateway.CategoryInternal,
	}})
}
