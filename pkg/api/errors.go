package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/batonworks/baton/pkg/coordination"
	"github.com/batonworks/baton/pkg/orchestrator"
	"github.com/batonworks/baton/pkg/store"
)

// writeError maps a component error to its HTTP response.
func writeError(c *gin.Context, err error) {
	var validErr *coordination.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Detail: err.Error()})
	case errors.Is(err, orchestrator.ErrJobNotFound),
		errors.Is(err, orchestrator.ErrTaskNotFound),
		errors.Is(err, coordination.ErrAgentNotFound),
		errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found", Detail: err.Error()})
	case errors.Is(err, orchestrator.ErrJobNotCancelable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "job not cancelable", Detail: err.Error()})
	default:
		slog.Error("Unhandled API error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

// writeBadRequest reports a rejected request body or query parameter.
func writeBadRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Detail: detail})
}
