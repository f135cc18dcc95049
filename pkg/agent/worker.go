package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/batonworks/baton/pkg/store"
	"github.com/batonworks/baton/pkg/version"
)

// consumeBlock bounds one blocking read of the input stream.
const consumeBlock = 2 * time.Second

// WorkerConfig shapes one hosted agent.
type WorkerConfig struct {
	// ID defaults to "<type>-<uuid>" when empty.
	ID                string
	Capabilities      []string
	Tags              []string
	MaxConcurrent     int
	Priority          int
	HeartbeatInterval time.Duration
}

// Worker hosts one invoker against the store: it announces itself on the
// announcements stream, heartbeats, consumes the canonical input stream
// for its type, and writes results back. Delivery is at least once; a
// restarted worker may replay items, which the result consumer absorbs.
type Worker struct {
	store   store.Store
	invoker Invoker
	id      string
	typ     string
	cfg     WorkerConfig
	now     func() time.Time
	log     *slog.Logger
}

// NewWorker builds a worker for the invoker's agent type.
func NewWorker(st store.Store, invoker Invoker, cfg WorkerConfig) *Worker {
	typ := store.NormalizeAgentType(invoker.Type())
	id := cfg.ID
	if id == "" {
		id = typ + "-" + uuid.New().String()[:8]
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Worker{
		store:   st,
		invoker: invoker,
		id:      id,
		typ:     typ,
		cfg:     cfg,
		now:     time.Now,
		log:     slog.With("component", "agent_worker", "agent_id", id, "agent_type", typ),
	}
}

// ID returns the worker's agent id.
func (w *Worker) ID() string { return w.id }

// Run announces the agent, then consumes work and heartbeats until ctx is
// canceled. A deregistration announcement is sent best-effort on the way
// out.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.announce(ctx, announceTypeRegistration); err != nil {
		return fmt.Errorf("announce registration: %w", err)
	}
	w.log.Info("Worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeatLoop(gctx) })
	g.Go(func() error { return w.consumeLoop(gctx) })
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if derr := w.announce(shutdownCtx, announceTypeDeregistration); derr != nil {
		w.log.Warn("Failed to announce deregistration", "error", derr)
	}
	w.log.Info("Worker stopped")
	return err
}

// Announcement wire types, matching the discovery scanner.
const (
	announceTypeRegistration   = "registration"
	announceTypeHeartbeat      = "heartbeat"
	announceTypeDeregistration = "deregistration"
)

func (w *Worker) announce(ctx context.Context, announceType string) error {
	fields := map[string]string{
		"type":     announceType,
		"agent_id": w.id,
	}
	if announceType == announceTypeRegistration {
		host, _ := os.Hostname()
		fields["agent_type"] = w.typ
		fields["version"] = version.Full()
		fields["host"] = host
		fields["max_concurrent_tasks"] = fmt.Sprintf("%d", w.cfg.MaxConcurrent)
		fields["priority"] = fmt.Sprintf("%d", w.cfg.Priority)
		if len(w.cfg.Capabilities) > 0 {
			raw, err := json.Marshal(w.cfg.Capabilities)
			if err != nil {
				return err
			}
			fields["capabilities"] = string(raw)
		}
		if len(w.cfg.Tags) > 0 {
			raw, err := json.Marshal(w.cfg.Tags)
			if err != nil {
				return err
			}
			fields["tags"] = string(raw)
		}
	}
	_, err := w.store.Append(ctx, store.AgentAnnouncementsStream, fields)
	return err
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.announce(ctx, announceTypeHeartbeat); err != nil && ctx.Err() == nil {
				w.log.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

// consumeLoop drains the canonical input stream for the worker's type from
// the beginning, so work enqueued before startup is not lost.
func (w *Worker) consumeLoop(ctx context.Context) error {
	stream := store.AgentInputStream(w.typ)
	lastID := store.StreamStart
	for {
		entries, err := w.store.ReadFrom(ctx, stream, lastID, 16, consumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("Input read failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, entry := range entries {
			lastID = entry.ID
			if err := w.process(ctx, entry.Fields); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.log.Error("Work item failed", "entry_id", entry.ID, "error", err)
			}
		}
	}
}

// process runs one work item through the invoker and reports the outcome.
// Runtime panics and invoker errors become error results rather than
// killing the consume loop.
func (w *Worker) process(ctx context.Context, fields map[string]string) error {
	req, err := RequestFromFields(fields)
	if err != nil {
		return fmt.Errorf("decode work item: %w", err)
	}
	log := w.log.With("task_id", req.TaskID, "job_id", req.JobID)

	// Start notices go to the shared results stream only; synchronous
	// sub-steps are tracked by their parent task.
	if req.ReplyStream == "" {
		if _, err := w.store.Append(ctx, store.TaskResultsStream, StartedFields(w.id, req)); err != nil {
			return fmt.Errorf("report start: %w", err)
		}
	}

	invokeCtx := ctx
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	started := w.now()
	res := w.invoke(invokeCtx, req)
	elapsed := w.now().Sub(started)
	if res.Failed() {
		log.Warn("Invocation failed", "error_type", res.ErrorType, "elapsed", elapsed)
	} else {
		log.Debug("Invocation complete", "elapsed", elapsed)
	}

	resultFields, err := ResultFields(w.id, req, res)
	if err != nil {
		return err
	}
	target := store.TaskResultsStream
	if req.ReplyStream != "" {
		target = req.ReplyStream
	}
	if _, err := w.store.Append(ctx, target, resultFields); err != nil {
		return fmt.Errorf("report result: %w", err)
	}
	return nil
}

func (w *Worker) invoke(ctx context.Context, req *Request) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Invoker panicked", "task_id", req.TaskID, "panic", r)
			res = Errorf("internal_error", "agent panicked: %v", r)
		}
	}()
	out, err := w.invoker.Invoke(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Errorf("timeout", "invocation aborted: %v", err)
		}
		return Errorf("agent_error", "%v", err)
	}
	if out == nil {
		return Errorf("agent_error", "invoker returned no result")
	}
	return out
}
