package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node
// deployments. It implements the same ordering and blocking-read semantics
// as RedisStore: stream ids are "<millis>-<seq>" and ReadFrom with a
// positive block waits for appends.
type MemoryStore struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	streams  map[string]*memStream
	deadlines map[string]time.Time
	now      func() time.Time
}

type memStream struct {
	entries    []Entry
	lastMillis int64
	lastSeq    int64
	// notify is closed and replaced on every append so blocked readers
	// wake up. Readers snapshot it under the store lock.
	notify chan struct{}
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes:    make(map[string]map[string]string),
		sets:      make(map[string]map[string]struct{}),
		streams:   make(map[string]*memStream),
		deadlines: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	h, ok := s.hashes[key]
	if !ok || len(h) == 0 {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) UpdateFields(ctx context.Context, key string, delta map[string]string) error {
	return s.Put(ctx, key, delta)
}

func (s *MemoryStore) IncrField(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur := int64(0)
	if raw, ok := h[field]; ok && raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s of %s is not an integer: %w", field, key, err)
		}
		cur = v
	}
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *MemoryStore) AddToSet(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(key)
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(stream)

	st, ok := s.streams[stream]
	if !ok {
		st = &memStream{notify: make(chan struct{})}
		s.streams[stream] = st
	}

	millis := s.now().UnixMilli()
	if millis <= st.lastMillis {
		millis = st.lastMillis
		st.lastSeq++
	} else {
		st.lastMillis = millis
		st.lastSeq = 0
	}

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	id := fmt.Sprintf("%d-%d", millis, st.lastSeq)
	st.entries = append(st.entries, Entry{ID: id, Fields: copied})

	// Wake blocked readers.
	close(st.notify)
	st.notify = make(chan struct{})
	return id, nil
}

func (s *MemoryStore) ReadFrom(ctx context.Context, stream, lastID string, count int, block time.Duration) ([]Entry, error) {
	if count <= 0 {
		count = 100
	}

	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	after, err := s.resolvePosition(stream, lastID)
	if err != nil {
		return nil, err
	}

	for {
		entries, notify := s.collectAfter(stream, after, count)
		if len(entries) > 0 || block <= 0 {
			return entries, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-notify:
		}
	}
}

// resolvePosition translates the StreamTail token into the concrete id of
// the stream's current last entry.
func (s *MemoryStore) resolvePosition(stream, lastID string) (streamID, error) {
	if lastID != StreamTail {
		if lastID == "" {
			lastID = StreamStart
		}
		return parseStreamID(lastID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[stream]; ok {
		return streamID{millis: st.lastMillis, seq: st.lastSeq}, nil
	}
	return streamID{}, nil
}

// collectAfter returns up to count entries with ids greater than after,
// plus the stream's current notification channel for blocking.
func (s *MemoryStore) collectAfter(stream string, after streamID, count int) ([]Entry, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		st = &memStream{notify: make(chan struct{})}
		s.streams[stream] = st
	}

	var out []Entry
	for _, e := range st.entries {
		id, err := parseStreamID(e.ID)
		if err != nil {
			continue
		}
		if id.after(after) {
			out = append(out, e)
			if len(out) == count {
				break
			}
		}
	}
	return out, st.notify
}

func (s *MemoryStore) LastID(ctx context.Context, stream string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked(stream)
	st, ok := s.streams[stream]
	if !ok || len(st.entries) == 0 {
		return StreamStart, nil
	}
	return fmt.Sprintf("%d-%d", st.lastMillis, st.lastSeq), nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines[key] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// reapLocked lazily deletes a key whose TTL has passed. Caller holds mu.
func (s *MemoryStore) reapLocked(key string) {
	dl, ok := s.deadlines[key]
	if !ok || s.now().Before(dl) {
		return
	}
	delete(s.deadlines, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	delete(s.streams, key)
}

// streamID is the parsed "<millis>-<seq>" form of an entry id.
type streamID struct {
	millis int64
	seq    int64
}

func (a streamID) after(b streamID) bool {
	if a.millis != b.millis {
		return a.millis > b.millis
	}
	return a.seq > b.seq
}

func parseStreamID(raw string) (streamID, error) {
	if raw == "" {
		return streamID{}, nil
	}
	millisPart, seqPart, found := strings.Cut(raw, "-")
	if !found {
		seqPart = "0"
	}
	millis, err := strconv.ParseInt(millisPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("malformed stream id %q: %w", raw, err)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("malformed stream id %q: %w", raw, err)
	}
	return streamID{millis: millis, seq: seq}, nil
}
