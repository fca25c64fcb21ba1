package directory

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-desk/internal/protocol"
)

// fakeClock lets tests control record timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegisterAgent_IDFormat(t *testing.T) {
	store := NewAgentStore()

	rec := store.RegisterAgent(AgentInfo{ConnectionID: "conn-1", Username: "alice", MachineName: "ws-01"})

	assert.Regexp(t, regexp.MustCompile(`^alice#[0-9A-F]{4,}$`), rec.AgentID)
	assert.True(t, rec.IsOnline)
	assert.Equal(t, "conn-1", rec.ConnectionID)

	byConn, ok := store.GetAgentByConnection("conn-1")
	require.True(t, ok)
	assert.Equal(t, rec.AgentID, byConn.AgentID)
}

func TestRegisterAgent_ConcurrentIDsAreUnique(t *testing.T) {
	store := NewAgentStore()
	const n = 200

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := store.RegisterAgent(AgentInfo{
				ConnectionID: fmt.Sprintf("conn-%d", i),
				Username:     "alice",
			})
			ids <- rec.AgentID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		assert.False(t, seen[id], "duplicate agent id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Len(t, store.ListOnlineAgents(), n)
}

func TestRegisterAgent_IDsUniqueAcrossStores(t *testing.T) {
	a := NewAgentStore().RegisterAgent(AgentInfo{ConnectionID: "c1", Username: "bob"})
	b := NewAgentStore().RegisterAgent(AgentInfo{ConnectionID: "c1", Username: "bob"})
	assert.NotEqual(t, a.AgentID, b.AgentID)
}

func TestRegisterAgent_SameConnectionReplacesPrevious(t *testing.T) {
	store := NewAgentStore()
	first := store.RegisterAgent(AgentInfo{ConnectionID: "conn-1", Username: "alice"})
	second := store.RegisterAgent(AgentInfo{ConnectionID: "conn-1", Username: "alice"})

	old, ok := store.GetAgent(first.AgentID)
	require.True(t, ok)
	assert.False(t, old.IsOnline)

	current, ok := store.GetAgentByConnection("conn-1")
	require.True(t, ok)
	assert.Equal(t, second.AgentID, current.AgentID)
}

func TestSetAgentOffline_Idempotent(t *testing.T) {
	clock := newFakeClock()
	store := NewAgentStore()
	store.now = clock.Now

	rec := store.RegisterAgent(AgentInfo{ConnectionID: "conn-1", Username: "alice"})
	clock.Advance(time.Minute)

	once, err := store.SetAgentOffline(rec.AgentID)
	require.NoError(t, err)
	assert.False(t, once.IsOnline)

	clock.Advance(time.Minute)
	twice, err := store.SetAgentOffline(rec.AgentID)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	_, ok := store.GetAgentByConnection("conn-1")
	assert.False(t, ok)
	assert.Empty(t, store.ListOnlineAgents())
	assert.Len(t, store.ListAgentsForUser(""), 1)
}

func TestSetAgentOffline_Unknown(t *testing.T) {
	store := NewAgentStore()
	_, err := store.SetAgentOffline("ghost#0001")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetAgent_ReturnsCopy(t *testing.T) {
	store := NewAgentStore()
	rec := store.RegisterAgent(AgentInfo{
		ConnectionID: "conn-1",
		Username:     "alice",
		Capabilities: protocol.Capabilities{SupportedEncodings: []string{"jpeg"}},
	})

	got, ok := store.GetAgent(rec.AgentID)
	require.True(t, ok)
	got.IsOnline = false
	got.Capabilities.SupportedEncodings[0] = "mutated"

	again, _ := store.GetAgent(rec.AgentID)
	assert.True(t, again.IsOnline)
	assert.Equal(t, "jpeg", again.Capabilities.SupportedEncodings[0])
}

func TestTouchAgent(t *testing.T) {
	clock := newFakeClock()
	store := NewAgentStore()
	store.now = clock.Now

	rec := store.RegisterAgent(AgentInfo{ConnectionID: "conn-1", Username: "alice"})
	clock.Advance(30 * time.Second)
	store.TouchAgent(rec.AgentID)

	got, _ := store.GetAgent(rec.AgentID)
	assert.Equal(t, clock.Now(), got.LastSeen)
}

func TestViewerStore_Lifecycle(t *testing.T) {
	store := NewViewerStore()

	rec := store.RegisterViewer(ViewerInfo{ConnectionID: "v-1", OwnerUserID: "u-1", Username: "bob"})
	assert.True(t, rec.IsOnline)
	assert.Len(t, store.ListOnlineViewers(), 1)
	assert.Len(t, store.ListViewersForUser("u-1"), 1)

	off, err := store.SetViewerOffline("v-1")
	require.NoError(t, err)
	assert.False(t, off.IsOnline)

	again, err := store.SetViewerOffline("v-1")
	require.NoError(t, err)
	assert.Equal(t, off, again)
	assert.Empty(t, store.ListOnlineViewers())

	_, err = store.SetViewerOffline("v-404")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Registering again on the same connection brings it back online.
	back := store.RegisterViewer(ViewerInfo{ConnectionID: "v-1", OwnerUserID: "u-1", Username: "bob"})
	assert.True(t, back.IsOnline)
	assert.Equal(t, rec.ConnectedAt, back.ConnectedAt)
}

func newPendingRequest(t *testing.T, store *SessionStore) SessionRequest {
	t.Helper()
	req, err := store.CreateSessionRequest(SessionRequestInfo{
		ViewerID:           "u-1",
		ViewerConnectionID: "viewer-conn",
		AgentID:            "alice#0001",
		AgentConnectionID:  "agent-conn",
		ViewerUsername:     "bob",
	})
	require.NoError(t, err)
	return req
}

func TestCreateSessionRequest(t *testing.T) {
	store := NewSessionStore()
	req := newPendingRequest(t, store)

	assert.NotEmpty(t, req.SessionID)
	assert.Equal(t, RequestPending, req.Status)

	got, ok := store.GetSessionRequest(req.SessionID)
	require.True(t, ok)
	assert.Equal(t, req, got)

	_, err := store.CreateSessionRequest(SessionRequestInfo{SessionID: req.SessionID})
	assert.Error(t, err)
}

func TestStartSession(t *testing.T) {
	store := NewSessionStore()
	req := newPendingRequest(t, store)

	sess, err := store.StartSession(req.SessionID, &protocol.SessionSettings{Quality: 80, FPS: 30})
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.Status)
	assert.Equal(t, 80, sess.Settings.Quality)
	assert.Equal(t, 30, sess.Settings.FPS)
	assert.Equal(t, "viewer-conn", sess.ViewerConnectionID)
	assert.Equal(t, "agent-conn", sess.AgentConnectionID)

	decided, _ := store.GetSessionRequest(req.SessionID)
	assert.Equal(t, RequestAccepted, decided.Status)
	assert.NotNil(t, decided.DecidedAt)
}

func TestStartSession_DefaultSettings(t *testing.T) {
	store := NewSessionStore()
	req := newPendingRequest(t, store)

	sess, err := store.StartSession(req.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.DefaultSessionSettings(), sess.Settings)
}

func TestStartSession_Errors(t *testing.T) {
	store := NewSessionStore()

	_, err := store.StartSession("missing", nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	req := newPendingRequest(t, store)
	_, err = store.RejectSessionRequest(req.SessionID, nil)
	require.NoError(t, err)

	_, err = store.StartSession(req.SessionID, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, ok := store.GetActiveSession(req.SessionID)
	assert.False(t, ok)
}

func TestRequestStatus_Monotonic(t *testing.T) {
	store := NewSessionStore()
	reason := "busy"

	req := newPendingRequest(t, store)
	rejected, err := store.RejectSessionRequest(req.SessionID, &reason)
	require.NoError(t, err)
	assert.Equal(t, RequestRejected, rejected.Status)
	assert.Equal(t, "busy", *rejected.DecisionReason)

	_, err = store.ExpireSessionRequest(req.SessionID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = store.RejectSessionRequest(req.SessionID, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	got, _ := store.GetSessionRequest(req.SessionID)
	assert.Equal(t, RequestRejected, got.Status)

	_, err = store.ExpireSessionRequest("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSessionStatus_Monotonic(t *testing.T) {
	store := NewSessionStore()
	req := newPendingRequest(t, store)
	_, err := store.StartSession(req.SessionID, nil)
	require.NoError(t, err)

	ended, err := store.EndSession(req.SessionID, "done")
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, "done", *ended.EndReason)

	_, err = store.EndSession(req.SessionID, "again")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = store.FailSession(req.SessionID, "boom")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = store.UpdateSessionSettings(req.SessionID, SettingsUpdate{})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Error(t, store.RecordActivity(req.SessionID, 1, 1))

	got, ok := store.GetActiveSession(req.SessionID)
	require.True(t, ok)
	assert.Equal(t, SessionEnded, got.Status)
	assert.Equal(t, "done", *got.EndReason)
	assert.Empty(t, store.ListActiveSessions())

	_, err = store.EndSession("missing", "x")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateSessionSettings(t *testing.T) {
	store := NewSessionStore()
	req := newPendingRequest(t, store)
	_, err := store.StartSession(req.SessionID, nil)
	require.NoError(t, err)

	quality, monitor := 40, 2
	enc := "h264"
	sess, err := store.UpdateSessionSettings(req.SessionID, SettingsUpdate{
		Quality:      &quality,
		Encoding:     &enc,
		MonitorIndex: &monitor,
	})
	require.NoError(t, err)
	assert.Equal(t, 40, sess.Settings.Quality)
	assert.Equal(t, "h264", sess.Settings.Encoding)
	assert.Equal(t, protocol.DefaultSessionSettings().FPS, sess.Settings.FPS)
	assert.Equal(t, 2, sess.MonitorIndex)
	assert.Equal(t, SessionActive, sess.Status)
}

func TestRecordActivity_Statistics(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore()
	store.now = clock.Now

	req := newPendingRequest(t, store)
	_, err := store.StartSession(req.SessionID, nil)
	require.NoError(t, err)

	for range 20 {
		require.NoError(t, store.RecordActivity(req.SessionID, 1, 1000))
	}
	clock.Advance(10 * time.Second)

	ended, err := store.EndSession(req.SessionID, "done")
	require.NoError(t, err)

	stats := ended.Statistics(clock.Now().Add(time.Hour))
	assert.Equal(t, int64(20), stats.FramesSent)
	assert.Equal(t, int64(20000), stats.BytesTransferred)
	assert.InDelta(t, 10.0, stats.DurationSeconds, 0.001)
	assert.InDelta(t, 2.0, stats.AverageFPS, 0.001)
}

func TestListQueries(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore()
	store.now = clock.Now

	first := newPendingRequest(t, store)
	second, err := store.CreateSessionRequest(SessionRequestInfo{
		ViewerID: "u-2", ViewerConnectionID: "other-viewer",
		AgentID: "carol#0002", AgentConnectionID: "other-agent",
	})
	require.NoError(t, err)

	assert.Len(t, store.ListPendingRequestsForConnection("agent-conn"), 1)
	assert.Len(t, store.ListPendingRequestsForConnection("viewer-conn"), 1)

	_, err = store.StartSession(first.SessionID, nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = store.StartSession(second.SessionID, nil)
	require.NoError(t, err)

	assert.Empty(t, store.ListPendingRequestsForConnection("agent-conn"))
	assert.Len(t, store.ListActiveSessions(), 2)

	forConn := store.ListActiveSessionsForConnection("agent-conn")
	require.Len(t, forConn, 1)
	assert.Equal(t, first.SessionID, forConn[0].SessionID)

	forUser := store.ListActiveSessionsForUser("u-2")
	require.Len(t, forUser, 1)
	assert.Equal(t, second.SessionID, forUser[0].SessionID)

	idle := store.ListIdleSessions(30 * time.Second)
	require.Len(t, idle, 1)
	assert.Equal(t, first.SessionID, idle[0].SessionID)
}

func TestActiveSession_HasParticipant(t *testing.T) {
	sess := ActiveSession{ViewerConnectionID: "v", AgentConnectionID: "a"}
	assert.True(t, sess.HasParticipant("v"))
	assert.True(t, sess.HasParticipant("a"))
	assert.False(t, sess.HasParticipant("x"))
}
