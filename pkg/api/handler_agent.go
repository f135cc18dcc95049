package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/store"
)

// listAgentsHandler handles GET /api/v1/agents: every known registration
// with its live health metrics. The optional status query filters by
// registration status.
func (s *Server) listAgentsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	status := c.Query("status")
	if status != "" && !models.RegistrationStatus(status).IsValid() {
		writeBadRequest(c, "unknown registration status "+status)
		return
	}

	ids, err := s.store.SetMembers(ctx, store.AgentsAllKey)
	if err != nil {
		writeError(c, err)
		return
	}
	sort.Strings(ids)

	out := AgentListResponse{Agents: make([]AgentResponse, 0, len(ids))}
	for _, id := range ids {
		fields, err := s.store.Get(ctx, store.AgentRegistrationKey(id))
		if err != nil {
			continue
		}
		reg, err := models.AgentRegistrationFromFields(fields)
		if err != nil {
			continue
		}
		if status != "" && string(reg.Status) != status {
			continue
		}
		resp := AgentResponse{Registration: reg}
		if m, err := s.health.Metrics(ctx, id); err == nil {
			resp.Metrics = m
		}
		out.Agents = append(out.Agents, resp)
	}
	out.Count = len(out.Agents)
	c.JSON(http.StatusOK, out)
}

// discoverAgentsHandler handles POST /api/v1/agents/discover: the routable
// candidates for an agent type and capability filter, excluding OFFLINE
// agents and open circuits.
func (s *Server) discoverAgentsHandler(c *gin.Context) {
	var req DiscoverAgentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	candidates, err := s.discovery.Candidates(c.Request.Context(), req.AgentType, req.RequiredCapabilities, req.Exclude)
	if err != nil {
		writeError(c, err)
		return
	}

	out := AgentListResponse{Agents: make([]AgentResponse, 0, len(candidates)), Count: len(candidates)}
	for _, cand := range candidates {
		out.Agents = append(out.Agents, AgentResponse{
			Registration: cand.Registration,
			Metrics:      cand.Metrics,
		})
	}
	c.JSON(http.StatusOK, out)
}

// heartbeatHandler handles POST /api/v1/agents/:id/heartbeat.
func (s *Server) heartbeatHandler(c *gin.Context) {
	agentID := c.Param("id")
	if err := s.discovery.Heartbeat(c.Request.Context(), agentID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "status": "ok"})
}

// deregisterHandler handles DELETE /api/v1/agents/:id. Idempotent.
func (s *Server) deregisterHandler(c *gin.Context) {
	if err := s.discovery.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// routingStatisticsHandler handles GET /api/v1/routing/statistics.
func (s *Server) routingStatisticsHandler(c *gin.Context) {
	stats, err := s.router.Statistics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statistics": stats})
}
