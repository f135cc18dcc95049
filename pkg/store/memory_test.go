package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetMergesFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "job:j1", map[string]string{"status": "PENDING", "description": "build api"}))
	require.NoError(t, s.Put(ctx, "job:j1", map[string]string{"status": "IN_PROGRESS"}))

	got, err := s.Get(ctx, "job:j1")
	require.NoError(t, err)
	assert.Equal(t, "IN_PROGRESS", got["status"])
	assert.Equal(t, "build api", got["description"], "untouched fields survive partial updates")
}

func TestMemoryStore_GetMissingReturnsNotFound(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Get(context.Background(), "job:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_IncrField(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n, err := s.IncrField(ctx, "task:t1", "retry_count", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrField(ctx, "task:t1", "retry_count", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, s.Put(ctx, "task:t1", map[string]string{"retry_count": "oops"}))
	_, err = s.IncrField(ctx, "task:t1", "retry_count", 1)
	assert.Error(t, err)
}

func TestMemoryStore_SetOperations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AddToSet(ctx, "jobs:status:PENDING", "j1", "j2"))
	require.NoError(t, s.AddToSet(ctx, "jobs:status:PENDING", "j2"), "duplicate add is idempotent")

	members, err := s.SetMembers(ctx, "jobs:status:PENDING")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"j1", "j2"}, members)

	require.NoError(t, s.RemoveFromSet(ctx, "jobs:status:PENDING", "j1", "jX"))
	members, err = s.SetMembers(ctx, "jobs:status:PENDING")
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, members)

	members, err = s.SetMembers(ctx, "jobs:status:FAILED")
	require.NoError(t, err)
	assert.Empty(t, members, "missing set reads as empty")
}

func TestMemoryStore_AppendIDsStrictlyIncrease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var prev streamID
	for i := 0; i < 1000; i++ {
		id, err := s.Append(ctx, "job-events", map[string]string{"n": fmt.Sprint(i)})
		require.NoError(t, err)
		parsed, err := parseStreamID(id)
		require.NoError(t, err)
		require.True(t, parsed.after(prev), "id %s must be greater than previous", id)
		prev = parsed
	}
}

func TestMemoryStore_ReadFromReturnsOnlyNewerEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id1, err := s.Append(ctx, "job-stream:j1", map[string]string{"seq": "1"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "job-stream:j1", map[string]string{"seq": "2"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "job-stream:j1", map[string]string{"seq": "3"})
	require.NoError(t, err)

	all, err := s.ReadFrom(ctx, "job-stream:j1", StreamStart, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "1", all[0].Fields["seq"])
	assert.Equal(t, "3", all[2].Fields["seq"])

	newer, err := s.ReadFrom(ctx, "job-stream:j1", id1, 10, 0)
	require.NoError(t, err)
	require.Len(t, newer, 2)
	assert.Equal(t, "2", newer[0].Fields["seq"])

	limited, err := s.ReadFrom(ctx, "job-stream:j1", StreamStart, 2, 0)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryStore_LastID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.LastID(ctx, "job-events")
	require.NoError(t, err)
	assert.Equal(t, StreamStart, id, "empty stream reports the start token")

	_, err = s.Append(ctx, "job-events", map[string]string{"seq": "1"})
	require.NoError(t, err)
	last, err := s.Append(ctx, "job-events", map[string]string{"seq": "2"})
	require.NoError(t, err)

	id, err = s.LastID(ctx, "job-events")
	require.NoError(t, err)
	assert.Equal(t, last, id)

	entries, err := s.ReadFrom(ctx, "job-events", id, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is newer than the tail position")
}

func TestMemoryStore_ReadFromTailSeesNothingWithoutBlock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "job-events", map[string]string{"seq": "1"})
	require.NoError(t, err)

	entries, err := s.ReadFrom(ctx, "job-events", StreamTail, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_BlockingReadWakesOnAppend(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Append(ctx, "task-results", map[string]string{"seq": "1"})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		entries []Entry
		readErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		entries, readErr = s.ReadFrom(ctx, "task-results", first, 10, 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = s.Append(ctx, "task-results", map[string]string{"seq": "2"})
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, readErr)
	require.Len(t, entries, 1)
	assert.Equal(t, "2", entries[0].Fields["seq"])
}

func TestMemoryStore_BlockingReadTimesOutEmpty(t *testing.T) {
	s := NewMemoryStore()

	start := time.Now()
	entries, err := s.ReadFrom(context.Background(), "task-results", StreamStart, 10, 60*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryStore_BlockingReadHonorsContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadFrom(ctx, "task-results", StreamStart, 10, 10*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read did not observe cancellation")
	}
}

func TestMemoryStore_ExpireReapsKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, "reply:inv-1", map[string]string{"ok": "true"}))
	require.NoError(t, s.Expire(ctx, "reply:inv-1", 5*time.Minute))

	_, err := s.Get(ctx, "reply:inv-1")
	require.NoError(t, err, "key is live before the deadline")

	now = now.Add(6 * time.Minute)
	_, err = s.Get(ctx, "reply:inv-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseStreamID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    streamID
		wantErr bool
	}{
		{name: "full id", raw: "1712000000000-3", want: streamID{millis: 1712000000000, seq: 3}},
		{name: "start token", raw: "0-0", want: streamID{}},
		{name: "empty means start", raw: "", want: streamID{}},
		{name: "millis only", raw: "42", want: streamID{millis: 42}},
		{name: "garbage", raw: "abc-def", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStreamID(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
