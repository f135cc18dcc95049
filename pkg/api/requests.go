package api

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	UserRequest string   `json:"user_request" binding:"required"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// DiscoverAgentsRequest is the body of POST /api/v1/agents/discover.
type DiscoverAgentsRequest struct {
	AgentType            string   `json:"agent_type" binding:"required"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	PreferredTags        []string `json:"preferred_tags,omitempty"`
	Exclude              []string `json:"exclude,omitempty"`
}
