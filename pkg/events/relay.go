package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/batonworks/baton/pkg/store"
	"golang.org/x/sync/errgroup"
)

// relayBlock bounds one blocking stream read inside the relay loops. Short
// enough that shutdown is prompt, long enough to avoid busy polling.
const relayBlock = 2 * time.Second

// relayBatch is the maximum entries consumed per read.
const relayBatch = 128

// Relay tails the store's event streams and broadcasts every entry through
// the connection manager. One relay serves all subscribers; per-job
// filtering happens in the manager.
type Relay struct {
	store   store.Store
	manager *ConnectionManager
	log     *slog.Logger
}

// NewRelay creates a relay between st and manager.
func NewRelay(st store.Store, manager *ConnectionManager) *Relay {
	return &Relay{
		store:   st,
		manager: manager,
		log:     slog.With("component", "event_relay"),
	}
}

// Run tails the job-events, health, discovery and routing streams until ctx
// is canceled. Each stream gets its own goroutine; the first hard failure
// cancels the rest.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, stream := range []string{
		store.JobEventsStream,
		store.AgentHealthEventsStream,
		store.AgentDiscoveryEventsStream,
		store.RoutingDecisionsStream,
	} {
		g.Go(func() error { return r.tail(ctx, stream) })
	}
	return g.Wait()
}

// tail follows a single stream from its current end forward.
func (r *Relay) tail(ctx context.Context, stream string) error {
	log := r.log.With("stream", stream)

	lastID, err := r.store.LastID(ctx, stream)
	if err != nil {
		return err
	}
	log.Info("Relay tailing stream", "from", lastID)

	for {
		entries, err := r.store.ReadFrom(ctx, stream, lastID, relayBatch, relayBlock)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Relay stopping")
				return nil
			}
			// Transient store failures are retried with a short pause.
			log.Warn("Stream read failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			lastID = entry.ID
			frame, err := FrameFromFields(entry.Fields)
			if err != nil {
				log.Warn("Skipping undecodable stream entry", "entry_id", entry.ID, "error", err)
				continue
			}
			r.manager.Broadcast(frame)
		}
	}
}
