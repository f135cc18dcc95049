package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batonworks/baton/pkg/observability"
)

// ErrSubscriberClosed is returned by Next once a subscriber is closed and
// its queue is drained.
var ErrSubscriberClosed = errors.New("subscriber closed")

// ConnectionManager fans events out to live subscribers. A subscriber is
// either job-scoped (receives one job's events) or global (receives every
// job-scoped event plus agent and routing events).
//
// Each subscriber owns a bounded queue. On overflow the oldest non-terminal
// frame is dropped and a single backpressure marker is enqueued in its
// place; terminal frames are never dropped, even if that temporarily
// exceeds the bound.
type ConnectionManager struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	queueSize   int
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewConnectionManager creates a manager with the given per-subscriber
// queue size. metrics may be nil.
func NewConnectionManager(queueSize int, metrics *observability.Metrics) *ConnectionManager {
	return &ConnectionManager{
		subscribers: make(map[string]*Subscriber),
		queueSize:   queueSize,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Subscriber is one live event consumer. Frames are popped with Next from
// the goroutine that owns the connection.
type Subscriber struct {
	ID    string
	JobID string // empty for global scope

	mgr *ConnectionManager

	mu     sync.Mutex
	queue  []Frame
	notify chan struct{}
	closed bool
}

// Subscribe registers a job-scoped subscriber. An empty jobID subscribes
// globally.
func (m *ConnectionManager) Subscribe(jobID string) *Subscriber {
	s := &Subscriber{
		ID:     uuid.New().String(),
		JobID:  jobID,
		mgr:    m,
		notify: make(chan struct{}, 1),
	}
	m.mu.Lock()
	m.subscribers[s.ID] = s
	m.mu.Unlock()
	m.metrics.SubscriberConnected()
	return s
}

// Unsubscribe removes the subscriber. Idempotent.
func (m *ConnectionManager) Unsubscribe(s *Subscriber) {
	m.mu.Lock()
	_, present := m.subscribers[s.ID]
	delete(m.subscribers, s.ID)
	m.mu.Unlock()
	if present {
		m.metrics.SubscriberDisconnected()
		s.close()
	}
}

// SubscriberCount returns the number of live subscribers.
func (m *ConnectionManager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Broadcast delivers a frame to every subscriber in scope. Job-scoped
// frames reach the matching job's subscribers and all global subscribers;
// frames without a job id reach global subscribers only.
func (m *ConnectionManager) Broadcast(f Frame) {
	m.mu.RLock()
	targets := make([]*Subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		if s.JobID == "" || (f.JobID != "" && s.JobID == f.JobID) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		s.push(f, m.queueSize, m.metrics, m.now)
	}
}

// push enqueues a frame, applying the overflow policy.
func (s *Subscriber) push(f Frame, limit int, metrics *observability.Metrics, now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.queue) >= limit {
		if i := s.oldestDroppableLocked(); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			metrics.FrameDropped()
			// One marker per overflow burst; back-to-back markers carry
			// no extra information.
			if i >= len(s.queue) || s.queue[len(s.queue)-1].Type != EventTypeBackpressure {
				s.queue = append(s.queue, Frame{Type: EventTypeBackpressure, Timestamp: now()})
			}
		}
		// If everything queued is terminal the frame is appended beyond
		// the bound: terminal frames must not be lost.
	}

	s.queue = append(s.queue, f)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// oldestDroppableLocked returns the index of the oldest frame that may be
// dropped, or -1 if every queued frame is terminal.
func (s *Subscriber) oldestDroppableLocked() int {
	for i, f := range s.queue {
		if !f.Terminal() && f.Type != EventTypeBackpressure {
			return i
		}
	}
	return -1
}

// Next blocks until a frame is available, the context is done, or the
// subscriber is closed with an empty queue.
func (s *Subscriber) Next(ctx context.Context) (Frame, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return f, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Frame{}, ErrSubscriberClosed
		}

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Pending returns the current queue depth.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
