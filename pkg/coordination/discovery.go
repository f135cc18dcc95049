package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/batonworks/baton/pkg/config"
	"github.com/batonworks/baton/pkg/events"
	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/store"
)

// ErrAgentNotFound is returned when an operation names an unknown agent.
var ErrAgentNotFound = errors.New("agent not found")

// Announcement message types on the agent-announcements stream.
const (
	announceRegistration   = "registration"
	announceHeartbeat      = "heartbeat"
	announceDeregistration = "deregistration"
)

// scanBlock bounds one blocking read of the announcements stream.
const scanBlock = 2 * time.Second

// Discovery maintains the agent registry: registrations, heartbeats,
// capability indexes, stale-agent cleanup, and best-agent selection.
type Discovery struct {
	store     store.Store
	health    *HealthMonitor
	breaker   *CircuitBreaker
	publisher *events.Publisher
	cfg       config.CoordinationConfig
	now       func() time.Time
	log       *slog.Logger
}

// NewDiscovery wires the discovery service.
func NewDiscovery(st store.Store, health *HealthMonitor, breaker *CircuitBreaker, publisher *events.Publisher, cfg config.CoordinationConfig) *Discovery {
	return &Discovery{
		store:     st,
		health:    health,
		breaker:   breaker,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		log:       slog.With("component", "discovery"),
	}
}

// Register persists or updates an agent registration, maintains the type
// and capability indexes, seeds health, and emits agent_registered.
// Re-registering an existing id updates fields without duplicating index
// entries.
func (d *Discovery) Register(ctx context.Context, reg *models.AgentRegistration) error {
	if reg.ID == "" || reg.Type == "" {
		return &ValidationError{Field: "agent", Reason: "id and type are required"}
	}
	reg.Type = store.NormalizeAgentType(reg.Type)
	if reg.MaxConcurrentTasks <= 0 {
		reg.MaxConcurrentTasks = 1
	}

	now := d.now()
	reg.Status = models.RegistrationStatusActive
	reg.LastSeen = now

	// A re-registration may shrink the capability set; drop stale index
	// entries before writing the new ones.
	var staleCaps []string
	if prevFields, err := d.store.Get(ctx, store.AgentRegistrationKey(reg.ID)); err == nil {
		prev, err := models.AgentRegistrationFromFields(prevFields)
		if err == nil {
			reg.RegisteredAt = prev.RegisteredAt
			current := make(map[string]bool, len(reg.Capabilities))
			for _, c := range reg.Capabilities {
				current[c] = true
			}
			for _, c := range prev.Capabilities {
				if !current[c] {
					staleCaps = append(staleCaps, c)
				}
			}
		}
	}
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = now
	}

	if err := d.store.Put(ctx, store.AgentRegistrationKey(reg.ID), reg.Fields()); err != nil {
		return fmt.Errorf("persist registration %s: %w", reg.ID, err)
	}
	if err := d.store.AddToSet(ctx, store.AgentsAllKey, reg.ID); err != nil {
		return err
	}
	if err := d.store.AddToSet(ctx, store.AgentsByTypeKey(reg.Type), reg.ID); err != nil {
		return err
	}
	for _, cap := range reg.Capabilities {
		if err := d.store.AddToSet(ctx, store.CapabilityKey(cap), reg.ID); err != nil {
			return err
		}
	}
	for _, cap := range staleCaps {
		if err := d.store.RemoveFromSet(ctx, store.CapabilityKey(cap), reg.ID); err != nil {
			return err
		}
	}

	if err := d.health.InitializeAgent(ctx, reg); err != nil {
		return err
	}

	d.log.Info("Agent registered",
		"agent_id", reg.ID, "agent_type", reg.Type, "capabilities", reg.Capabilities)
	if err := d.publisher.PublishAgentRegistered(ctx, reg); err != nil {
		d.log.Warn("Failed to publish agent_registered", "agent_id", reg.ID, "error", err)
	}
	return nil
}

// Deregister marks the agent INACTIVE and reverses its capability-index
// delta. Idempotent: deregistering an unknown or already-inactive agent is
// a no-op.
func (d *Discovery) Deregister(ctx context.Context, agentID string) error {
	fields, err := d.store.Get(ctx, store.AgentRegistrationKey(agentID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	reg, err := models.AgentRegistrationFromFields(fields)
	if err != nil {
		return err
	}
	if reg.Status == models.RegistrationStatusInactive {
		return nil
	}

	if err := d.store.UpdateFields(ctx, store.AgentRegistrationKey(agentID), map[string]string{
		"status": string(models.RegistrationStatusInactive),
	}); err != nil {
		return fmt.Errorf("deregister %s: %w", agentID, err)
	}
	for _, cap := range reg.Capabilities {
		if err := d.store.RemoveFromSet(ctx, store.CapabilityKey(cap), agentID); err != nil {
			return err
		}
	}
	if err := d.store.RemoveFromSet(ctx, store.AgentsByTypeKey(reg.Type), agentID); err != nil {
		return err
	}

	d.log.Info("Agent deregistered", "agent_id", agentID)
	if err := d.publisher.PublishAgentDeregistered(ctx, agentID); err != nil {
		d.log.Warn("Failed to publish agent_deregistered", "agent_id", agentID, "error", err)
	}
	return nil
}

// Heartbeat refreshes the agent's last-seen timestamp.
func (d *Discovery) Heartbeat(ctx context.Context, agentID string) error {
	if _, err := d.store.Get(ctx, store.AgentRegistrationKey(agentID)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return err
	}
	return d.store.UpdateFields(ctx, store.AgentRegistrationKey(agentID), map[string]string{
		"last_seen": d.now().UTC().Format(time.RFC3339Nano),
		"status":    string(models.RegistrationStatusActive),
	})
}

// RunScan consumes the agent-announcements stream until ctx is canceled.
func (d *Discovery) RunScan(ctx context.Context) error {
	d.log.Info("Discovery scan starting")
	lastID, err := d.store.LastID(ctx, store.AgentAnnouncementsStream)
	if err != nil {
		return err
	}
	for {
		entries, err := d.store.ReadFrom(ctx, store.AgentAnnouncementsStream, lastID, 64, scanBlock)
		if err != nil {
			if ctx.Err() != nil {
				d.log.Info("Discovery scan stopping")
				return nil
			}
			d.log.Warn("Announcement read failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.DiscoveryInterval):
			}
			continue
		}
		for _, entry := range entries {
			lastID = entry.ID
			if err := d.handleAnnouncement(ctx, entry.Fields); err != nil {
				d.log.Warn("Bad announcement", "entry_id", entry.ID, "error", err)
			}
		}
	}
}

// handleAnnouncement applies one announcements-stream message. Unknown
// fields are ignored; unknown types are an error.
func (d *Discovery) handleAnnouncement(ctx context.Context, fields map[string]string) error {
	agentID := fields["agent_id"]
	if agentID == "" {
		return errors.New("announcement missing agent_id")
	}
	switch fields["type"] {
	case announceRegistration:
		reg, err := registrationFromAnnouncement(fields)
		if err != nil {
			return err
		}
		return d.Register(ctx, reg)
	case announceHeartbeat:
		err := d.Heartbeat(ctx, agentID)
		if errors.Is(err, ErrAgentNotFound) {
			// Heartbeat from an agent we have never seen carries no type or
			// capabilities, so it cannot stand in for a registration. The
			// agent's next full announcement re-registers it.
			d.log.Info("Heartbeat from unknown agent, ignoring", "agent_id", agentID)
			return nil
		}
		return err
	case announceDeregistration:
		return d.Deregister(ctx, agentID)
	default:
		return fmt.Errorf("unknown announcement type %q", fields["type"])
	}
}

// registrationFromAnnouncement decodes the wire form of a registration.
func registrationFromAnnouncement(fields map[string]string) (*models.AgentRegistration, error) {
	reg := &models.AgentRegistration{
		ID:       fields["agent_id"],
		Type:     fields["agent_type"],
		Version:  fields["version"],
		Host:     fields["host"],
		Endpoint: fields["endpoint"],
	}
	if reg.Type == "" {
		return nil, errors.New("registration missing agent_type")
	}
	if raw := fields["capabilities"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &reg.Capabilities); err != nil {
			return nil, fmt.Errorf("parse capabilities: %w", err)
		}
	}
	if raw := fields["tags"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &reg.Tags); err != nil {
			return nil, fmt.Errorf("parse tags: %w", err)
		}
	}
	if raw := fields["max_concurrent_tasks"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse max_concurrent_tasks: %w", err)
		}
		reg.MaxConcurrentTasks = n
	}
	if raw := fields["priority"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse priority: %w", err)
		}
		reg.Priority = n
	}
	if raw := fields["port"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse port: %w", err)
		}
		reg.Port = n
	}
	return reg, nil
}

// RunCleanup prunes registrations whose last-seen exceeds the agent
// timeout, on the cleanup interval, until ctx is canceled.
func (d *Discovery) RunCleanup(ctx context.Context) error {
	d.log.Info("Cleanup loop starting", "interval", d.cfg.CleanupInterval)
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info("Cleanup loop stopping")
			return nil
		case <-ticker.C:
			if err := d.CleanupStale(ctx); err != nil {
				d.log.Warn("Cleanup pass failed", "error", err)
			}
		}
	}
}

// CleanupStale deregisters every agent silent for longer than the agent
// timeout.
func (d *Discovery) CleanupStale(ctx context.Context) error {
	ids, err := d.store.SetMembers(ctx, store.AgentsAllKey)
	if err != nil {
		return err
	}
	cutoff := d.now().Add(-d.cfg.AgentTimeout)
	for _, id := range ids {
		fields, err := d.store.Get(ctx, store.AgentRegistrationKey(id))
		if err != nil {
			continue
		}
		reg, err := models.AgentRegistrationFromFields(fields)
		if err != nil {
			continue
		}
		if reg.Status == models.RegistrationStatusActive && reg.LastSeen.Before(cutoff) {
			d.log.Info("Deregistering stale agent", "agent_id", id, "last_seen", reg.LastSeen)
			if err := d.Deregister(ctx, id); err != nil {
				d.log.Warn("Failed to deregister stale agent", "agent_id", id, "error", err)
			}
		}
	}
	return nil
}

// Candidate pairs a registration with its live metrics for selection.
type Candidate struct {
	Registration *models.AgentRegistration
	Metrics      *models.AgentMetrics
}

// Candidates returns every ACTIVE agent of the given type whose
// capabilities cover requiredCapabilities, whose circuit is not OPEN, and
// whose health status is not OFFLINE, minus the excluded ids. The result
// is sorted by agent id for deterministic iteration.
func (d *Discovery) Candidates(ctx context.Context, agentType string, requiredCapabilities, exclude []string) ([]Candidate, error) {
	ids, err := d.store.SetMembers(ctx, store.AgentsByTypeKey(store.NormalizeAgentType(agentType)))
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var out []Candidate
	for _, id := range ids {
		if excluded[id] || !d.breaker.Allow(id) {
			continue
		}
		fields, err := d.store.Get(ctx, store.AgentRegistrationKey(id))
		if err != nil {
			continue
		}
		reg, err := models.AgentRegistrationFromFields(fields)
		if err != nil || reg.Status != models.RegistrationStatusActive {
			continue
		}
		if !hasAllCapabilities(reg.Capabilities, requiredCapabilities) {
			continue
		}
		m, err := d.health.Metrics(ctx, id)
		if err != nil {
			continue
		}
		if m.Status == models.AgentStatusOffline {
			continue
		}
		out = append(out, Candidate{Registration: reg, Metrics: m})
	}
	return out, nil
}

// FindBest returns the highest-scoring candidate, or nil when none exists.
func (d *Discovery) FindBest(ctx context.Context, agentType string, requiredCapabilities, preferredTags, exclude []string) (*Candidate, error) {
	candidates, err := d.Candidates(ctx, agentType, requiredCapabilities, exclude)
	if err != nil {
		return nil, err
	}
	var best *Candidate
	bestScore := 0.0
	for i := range candidates {
		c := &candidates[i]
		score := selectionScore(c, preferredTags)
		if best == nil || score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best, nil
}

// selectionScore ranks a candidate for FindBest: agent priority (lower is
// better), health contribution, load headroom, and preferred-tag overlap.
// UNHEALTHY agents carry a flat penalty.
func selectionScore(c *Candidate, preferredTags []string) float64 {
	score := float64(1000-c.Registration.Priority) / 10
	score += c.Metrics.OverallScore / 2
	score += c.Metrics.LoadHeadroom() * 20
	score += float64(tagOverlap(c.Registration.Tags, preferredTags)) * 10
	if c.Metrics.Status == models.AgentStatusUnhealthy {
		score -= 50
	}
	return score
}

func hasAllCapabilities(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}

func tagOverlap(have, want []string) int {
	if len(have) == 0 || len(want) == 0 {
		return 0
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	n := 0
	for _, t := range want {
		if set[t] {
			n++
		}
	}
	return n
}

// ValidationError reports a rejected input to the coordination plane.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
