package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-desk/internal/directory"
)

type fakeStore struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	block   chan struct{}
}

func (s *fakeStore) Save(ctx context.Context, e Entry) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *fakeStore) saved() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func strPtr(s string) *string { return &s }

func TestSessionEntry(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	ended := time.Now()
	sess := directory.ActiveSession{
		SessionID:     "s-1",
		ViewerID:      "v-1",
		AgentID:       "a-1",
		StartedAt:     started,
		EndedAt:       &ended,
		Status:        directory.SessionEnded,
		EndReason:     strPtr("Viewer disconnected"),
		FramesRelayed: 42,
		BytesRelayed:  4096,
	}

	e := sessionEntry(sess)

	assert.Equal(t, "s-1", e.SessionID)
	assert.Equal(t, "a-1", e.AgentID)
	assert.Equal(t, "v-1", e.ViewerID)
	assert.Equal(t, "Ended", e.Status)
	require.NotNil(t, e.Reason)
	assert.Equal(t, "Viewer disconnected", *e.Reason)
	require.NotNil(t, e.StartedAt)
	assert.Equal(t, started, *e.StartedAt)
	assert.Equal(t, &ended, e.EndedAt)
	assert.Nil(t, e.RequestedAt)
	assert.EqualValues(t, 42, e.FramesRelayed)
	assert.EqualValues(t, 4096, e.BytesRelayed)
}

func TestRequestEntry(t *testing.T) {
	requested := time.Now().Add(-time.Second)
	decided := time.Now()
	req := directory.SessionRequest{
		SessionID:      "s-2",
		ViewerID:       "v-2",
		AgentID:        "a-2",
		RequestedAt:    requested,
		Status:         directory.RequestRejected,
		DecidedAt:      &decided,
		DecisionReason: strPtr("busy"),
	}

	e := requestEntry(req)

	assert.Equal(t, "Rejected", e.Status)
	require.NotNil(t, e.RequestedAt)
	assert.Equal(t, requested, *e.RequestedAt)
	assert.Equal(t, &decided, e.EndedAt)
	assert.Nil(t, e.StartedAt)
	assert.Equal(t, "busy", *e.Reason)
}

func TestRecorder_WritesQueuedEntries(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store, 8)

	r.RequestClosed(directory.SessionRequest{SessionID: "s-1", Status: directory.RequestExpired})
	r.SessionClosed(directory.ActiveSession{SessionID: "s-2", Status: directory.SessionEnded})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	saved := store.saved()
	require.Len(t, saved, 2)
	assert.Equal(t, "s-1", saved[0].SessionID)
	assert.Equal(t, "Expired", saved[0].Status)
	assert.Equal(t, "s-2", saved[1].SessionID)
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	r := NewRecorder(store, 1)

	// The worker takes the first entry and blocks; the second fills the
	// queue and the third is dropped.
	r.SessionClosed(directory.ActiveSession{SessionID: "s-1"})
	require.Eventually(t, func() bool { return len(r.entries) == 0 }, time.Second, 5*time.Millisecond)
	r.SessionClosed(directory.ActiveSession{SessionID: "s-2"})
	r.SessionClosed(directory.ActiveSession{SessionID: "s-3"})

	close(store.block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	var ids []string
	for _, e := range store.saved() {
		ids = append(ids, e.SessionID)
	}
	assert.Equal(t, []string{"s-1", "s-2"}, ids)
}

func TestRecorder_StoreErrorDoesNotStopWorker(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	r := NewRecorder(store, 4)

	r.SessionClosed(directory.ActiveSession{SessionID: "s-1"})
	r.SessionClosed(directory.ActiveSession{SessionID: "s-2"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	assert.Empty(t, store.saved())
}

func TestRecorder_CloseIsIdempotent(t *testing.T) {
	r := NewRecorder(&fakeStore{}, 0)
	assert.Equal(t, defaultBuffer, cap(r.entries))

	ctx := context.Background()
	require.NoError(t, r.Close(ctx))
	require.NoError(t, r.Close(ctx))

	// Ignored after close.
	r.SessionClosed(directory.ActiveSession{SessionID: "late"})
}

func TestRecorder_CloseHonoursContext(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	r := NewRecorder(store, 4)
	r.SessionClosed(directory.ActiveSession{SessionID: "s-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(store.block)
	<-r.done
}
