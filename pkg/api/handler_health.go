package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/batonworks/baton/pkg/version"
)

// healthHandler handles GET /healthz. Unhealthy means the store does not
// answer a ping.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		Version:     version.Full(),
		Store:       "ok",
		Subscribers: s.manager.SubscriberCount(),
	}
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Store = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
