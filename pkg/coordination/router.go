package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/batonworks/baton/pkg/config"
	"github.com/batonworks/baton/pkg/events"
	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/observability"
	"github.com/batonworks/baton/pkg/store"
)

// Strategy names a task-to-agent selection rule.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "ROUND_ROBIN"
	StrategyLeastLoaded    Strategy = "LEAST_LOADED"
	StrategyWeightedRandom Strategy = "WEIGHTED_RANDOM"
	StrategyHealthAware    Strategy = "HEALTH_AWARE"
	StrategyPriorityBased  Strategy = "PRIORITY_BASED"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(name)
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyWeightedRandom, StrategyHealthAware, StrategyPriorityBased:
		return s, nil
	default:
		return "", &ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", name)}
	}
}

// fallbackOrder lists the strategies tried after the primary fails, per
// primary.
var fallbackOrder = map[Strategy][]Strategy{
	StrategyHealthAware:    {StrategyLeastLoaded, StrategyRoundRobin},
	StrategyRoundRobin:     {StrategyLeastLoaded, StrategyHealthAware},
	StrategyLeastLoaded:    {StrategyHealthAware, StrategyRoundRobin},
	StrategyWeightedRandom: {StrategyHealthAware, StrategyLeastLoaded},
	StrategyPriorityBased:  {StrategyHealthAware, StrategyLeastLoaded},
}

// Categorized routing-failure reasons.
const (
	ReasonNoAgentsRegistered = "no_agents_registered"
	ReasonAllExcluded        = "all_excluded"
	ReasonAllCircuitsOpen    = "all_circuits_open"
	ReasonNoCandidates       = "no_candidates"
	ReasonRetriesExhausted   = "retries_exhausted"
)

// defaultMaxRetries applies when a request does not set MaxRetries.
const defaultMaxRetries = 3

// maxBackoff caps the inter-attempt backoff.
const maxBackoff = 10 * time.Second

// Request asks the router to pick an agent for one task.
type Request struct {
	TaskID               string
	TaskType             string
	Priority             models.JobPriority
	RequiredCapabilities []string
	PreferredTags        []string
	Exclude              []string
	MaxRetries           int
	Timeout              time.Duration
	Strategy             Strategy // empty uses the configured default
}

// Result is the outcome of a routing request.
type Result struct {
	Success     bool     `json:"success"`
	AgentID     string   `json:"agent_id,omitempty"`
	InputStream string   `json:"input_stream,omitempty"`
	Strategy    Strategy `json:"strategy"`
	Reason      string   `json:"reason,omitempty"`
	Attempts    int      `json:"attempts"`
}

// Router selects agents for tasks. It never blocks unboundedly: selection
// reads are plain store lookups and all retry waits are bounded by the
// request budget.
type Router struct {
	store     store.Store
	discovery *Discovery
	breaker   *CircuitBreaker
	publisher *events.Publisher
	metrics   *observability.Metrics
	defaults  config.CoordinationConfig
	log       *slog.Logger

	mu        sync.Mutex
	rrCursors map[string]int
	rng       *rand.Rand

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRouter wires a router. metrics may be nil.
func NewRouter(st store.Store, discovery *Discovery, breaker *CircuitBreaker, publisher *events.Publisher, cfg config.CoordinationConfig, metrics *observability.Metrics) *Router {
	return &Router{
		store:     st,
		discovery: discovery,
		breaker:   breaker,
		publisher: publisher,
		metrics:   metrics,
		defaults:  cfg,
		log:       slog.With("component", "router"),
		rrCursors: make(map[string]int),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepCtx,
	}
}

// Route performs a single routing attempt with the request's (or default)
// strategy. The decision is appended to the routing-decisions stream
// either way.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = Strategy(r.defaults.DefaultRoutingStrategy)
	}
	res, err := r.routeOnce(ctx, req, strategy)
	if err != nil {
		return nil, err
	}
	res.Attempts = 1
	r.recordDecision(ctx, req, res)
	return res, nil
}

// RouteWithRetry routes with the primary strategy, then walks the fallback
// order with exponential backoff between attempts. The request timeout is
// an overall budget, not a per-attempt one.
func (r *Router) RouteWithRetry(ctx context.Context, req Request) (*Result, error) {
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	primary := req.Strategy
	if primary == "" {
		primary = Strategy(r.defaults.DefaultRoutingStrategy)
	}
	order := append([]Strategy{primary}, fallbackOrder[primary]...)

	var last *Result
	for attempt := 0; attempt < maxRetries; attempt++ {
		strategy := order[attempt%len(order)]
		res, err := r.routeOnce(ctx, req, strategy)
		if err != nil {
			return nil, err
		}
		res.Attempts = attempt + 1
		r.recordDecision(ctx, req, res)
		if res.Success {
			return res, nil
		}
		last = res

		if attempt == maxRetries-1 {
			break
		}
		backoff := time.Duration(math.Min(math.Pow(2, float64(attempt+1)), maxBackoff.Seconds())) * time.Second
		if err := r.sleep(ctx, backoff); err != nil {
			// Budget exhausted mid-backoff.
			break
		}
	}

	if last == nil {
		last = &Result{Strategy: primary, Reason: ReasonRetriesExhausted}
	}
	last.Success = false
	if last.Reason == "" {
		last.Reason = ReasonRetriesExhausted
	}
	return last, nil
}

// routeOnce evaluates one strategy against the current candidate set.
func (r *Router) routeOnce(ctx context.Context, req Request, strategy Strategy) (*Result, error) {
	candidates, err := r.discovery.Candidates(ctx, req.TaskType, req.RequiredCapabilities, req.Exclude)
	if err != nil {
		return nil, fmt.Errorf("list candidates for %s: %w", req.TaskType, err)
	}
	if len(candidates) == 0 {
		reason, err := r.classifyEmpty(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Result{Strategy: strategy, Reason: reason}, nil
	}

	var chosen *Candidate
	switch strategy {
	case StrategyRoundRobin:
		chosen = r.pickRoundRobin(req.TaskType, candidates)
	case StrategyLeastLoaded:
		chosen = pickLeastLoaded(candidates)
	case StrategyWeightedRandom:
		chosen = r.pickWeightedRandom(candidates)
	case StrategyPriorityBased:
		chosen = pickPriorityBased(candidates, req.Priority)
	default:
		chosen = pickHealthAware(candidates, req)
	}

	return &Result{
		Success:     true,
		AgentID:     chosen.Registration.ID,
		InputStream: store.AgentInputStream(chosen.Registration.Type),
		Strategy:    strategy,
	}, nil
}

// classifyEmpty explains why no candidate existed.
func (r *Router) classifyEmpty(ctx context.Context, req Request) (string, error) {
	ids, err := r.store.SetMembers(ctx, store.AgentsByTypeKey(store.NormalizeAgentType(req.TaskType)))
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return ReasonNoAgentsRegistered, nil
	}
	excluded := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}
	remaining := 0
	blocked := 0
	for _, id := range ids {
		if excluded[id] {
			continue
		}
		remaining++
		if r.breaker.State(id) == BreakerOpen {
			blocked++
		}
	}
	switch {
	case remaining == 0:
		return ReasonAllExcluded, nil
	case blocked == remaining:
		return ReasonAllCircuitsOpen, nil
	default:
		return ReasonNoCandidates, nil
	}
}

func (r *Router) pickRoundRobin(taskType string, candidates []Candidate) *Candidate {
	r.mu.Lock()
	cursor := r.rrCursors[taskType]
	r.rrCursors[taskType] = cursor + 1
	r.mu.Unlock()
	return &candidates[cursor%len(candidates)]
}

func pickLeastLoaded(candidates []Candidate) *Candidate {
	best := &candidates[0]
	for i := range candidates[1:] {
		c := &candidates[i+1]
		if c.Metrics.CurrentLoad < best.Metrics.CurrentLoad {
			best = c
		}
	}
	return best
}

func (r *Router) pickWeightedRandom(candidates []Candidate) *Candidate {
	total := 0.0
	weights := make([]float64, len(candidates))
	for i := range candidates {
		w := candidates[i].Metrics.OverallScore
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	r.mu.Lock()
	draw := r.rng.Float64() * total
	r.mu.Unlock()
	for i, w := range weights {
		draw -= w
		if draw <= 0 {
			return &candidates[i]
		}
	}
	return &candidates[len(candidates)-1]
}

// pickHealthAware ranks candidates by the composite health score.
func pickHealthAware(candidates []Candidate, req Request) *Candidate {
	best := &candidates[0]
	bestScore := healthAwareScore(best, req)
	for i := range candidates[1:] {
		c := &candidates[i+1]
		if score := healthAwareScore(c, req); score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

// healthAwareScore composes overall health, load headroom, reliability,
// response time, agent priority, and preferred-tag overlap.
func healthAwareScore(c *Candidate, req Request) float64 {
	score := 0.4*c.Metrics.OverallScore +
		0.3*c.Metrics.LoadHeadroom()*100 +
		0.2*c.Metrics.ReliabilityScore +
		0.1*ResponseTimeScore(c.Metrics.AvgResponseTimeMS)
	score += float64(1000-c.Registration.Priority) / 100
	score += float64(tagOverlap(c.Registration.Tags, req.PreferredTags)) * 10
	return score
}

// pickPriorityBased sorts by agent priority ascending. CRITICAL requests
// take the top agent outright; everything else takes the least-loaded of
// the top three.
func pickPriorityBased(candidates []Candidate, priority models.JobPriority) *Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Registration.Priority < sorted[j].Registration.Priority
	})
	if priority == models.JobPriorityCritical {
		return &sorted[0]
	}
	top := sorted
	if len(top) > 3 {
		top = top[:3]
	}
	return pickLeastLoaded(top)
}

// RecordSuccess reports a successful task execution on an agent to the
// breaker and the routing statistics.
func (r *Router) RecordSuccess(ctx context.Context, agentID string) {
	r.breaker.RecordSuccess(agentID)
	if _, err := r.store.IncrField(ctx, store.RoutingStatisticsKey, "agent_successes", 1); err != nil {
		r.log.Warn("Failed to update routing statistics", "error", err)
	}
}

// RecordFailure reports a failed task execution on an agent. Enough
// consecutive failures open the agent's breaker.
func (r *Router) RecordFailure(ctx context.Context, agentID string) {
	r.breaker.RecordFailure(agentID)
	if _, err := r.store.IncrField(ctx, store.RoutingStatisticsKey, "agent_failures", 1); err != nil {
		r.log.Warn("Failed to update routing statistics", "error", err)
	}
}

// Statistics returns the aggregate routing counters.
func (r *Router) Statistics(ctx context.Context) (map[string]string, error) {
	fields, err := r.store.Get(ctx, store.RoutingStatisticsKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return fields, nil
}

// recordDecision persists counters and appends the decision event.
func (r *Router) recordDecision(ctx context.Context, req Request, res *Result) {
	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	r.metrics.RoutingDecision(string(res.Strategy), outcome)

	for _, field := range []string{
		"total_decisions",
		fmt.Sprintf("strategy:%s:%s", res.Strategy, outcome),
	} {
		if _, err := r.store.IncrField(ctx, store.RoutingStatisticsKey, field, 1); err != nil {
			r.log.Warn("Failed to update routing statistics", "field", field, "error", err)
		}
	}

	data := map[string]any{
		"task_id":   req.TaskID,
		"task_type": req.TaskType,
		"strategy":  string(res.Strategy),
		"success":   res.Success,
		"attempt":   res.Attempts,
	}
	if res.AgentID != "" {
		data["agent_id"] = res.AgentID
	}
	if res.Reason != "" {
		data["reason"] = res.Reason
	}
	if err := r.publisher.PublishRoutingDecision(ctx, data); err != nil {
		r.log.Warn("Failed to publish routing decision", "task_id", req.TaskID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
