package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/EternisAI/silo-desk/internal/auth"
	"github.com/EternisAI/silo-desk/internal/broker"
	"github.com/EternisAI/silo-desk/internal/directory"
	"github.com/EternisAI/silo-desk/internal/grpc/server"
	"github.com/EternisAI/silo-desk/internal/hub"
	"github.com/EternisAI/silo-desk/internal/protocol"
)

const (
	testSecret  = "test-secret"
	testAddress = "passthrough:///bufnet"
	waitFor     = 2 * time.Second
)

type harness struct {
	lis    *bufconn.Listener
	srv    *server.Server
	hub    *hub.Hub
	broker *broker.Broker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := hub.New(hub.Config{}, nil)
	b := broker.New(broker.Config{}, directory.NewAgentStore(), directory.NewViewerStore(), directory.NewSessionStore(), h, nil)
	h.SetDispatcher(b)

	hs := &harness{
		lis:    bufconn.Listen(1 << 20),
		hub:    h,
		broker: b,
	}
	hs.srv = server.NewServer(0, h, auth.NewVerifier(testSecret), nil)
	go func() {
		_ = hs.srv.Serve(hs.lis)
	}()

	t.Cleanup(func() {
		hs.stop()
		b.Stop()
		h.Stop()
	})
	return hs
}

func (hs *harness) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = hs.srv.Stop(ctx)
	_ = hs.lis.Close()
}

func (hs *harness) config() Config {
	return Config{
		HeartbeatInterval: time.Hour,
		HandshakeTimeout:  time.Second,
		Reconnect: ReconnectPolicy{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			MaxAttempts:  3,
		},
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return hs.lis.DialContext(ctx)
			}),
		},
	}
}

func token(t *testing.T, userID, username string) string {
	t.Helper()
	tok, err := auth.GenerateToken(auth.Config{Secret: testSecret}, userID, username, "User")
	require.NoError(t, err)
	return tok
}

func agentRequest(t *testing.T) ConnectRequest {
	return ConnectRequest{
		Address:      testAddress,
		Token:        token(t, "u-agent", "alice"),
		Role:         RoleAgent,
		Username:     "alice",
		MachineName:  "workstation",
		ScreenWidth:  1920,
		ScreenHeight: 1080,
	}
}

func viewerRequest(t *testing.T) ConnectRequest {
	return ConnectRequest{
		Address:     testAddress,
		Token:       token(t, "u-viewer", "bob"),
		Role:        RoleViewer,
		Username:    "bob",
		MachineName: "laptop",
	}
}

func expectStates(t *testing.T, ch <-chan StateChange, want ...State) []StateChange {
	t.Helper()
	var got []StateChange
	for _, w := range want {
		select {
		case change := <-ch:
			require.Equal(t, w, change.To, "after %v", got)
			got = append(got, change)
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for %s, saw %v", w, got)
		}
	}
	return got
}

func expectMessage(t *testing.T, ch <-chan *protocol.Message, typ protocol.Type) *protocol.Message {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case msg := <-ch:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func eventuallyState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitFor, 5*time.Millisecond,
		"state is %s, want %s", c.State(), want)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Streaming", Streaming.String())
	assert.Equal(t, "Error", Error.String())
	assert.Equal(t, "Unknown", State(42).String())

	assert.True(t, Connected.Online())
	assert.True(t, Streaming.Online())
	assert.False(t, Reconnecting.Online())
}

func TestReconnectPolicy_BackOff(t *testing.T) {
	bo := ReconnectPolicy{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     30 * time.Millisecond,
		MaxAttempts:  4,
	}.backOff()

	assert.Equal(t, 10*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 30*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 30*time.Millisecond, bo.NextBackOff())
	assert.Less(t, bo.NextBackOff(), time.Duration(0))
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, defaultSendBuffer, cfg.SendBuffer)
	assert.Equal(t, defaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, defaultInitialDelay, cfg.Reconnect.InitialDelay)
	assert.Equal(t, float64(defaultBackoffFactor), cfg.Reconnect.Multiplier)
	assert.Equal(t, defaultMaxDelay, cfg.Reconnect.MaxDelay)
	assert.Equal(t, defaultMaxAttempts, cfg.Reconnect.MaxAttempts)
}

func TestConnect_StateSequence(t *testing.T) {
	hs := newHarness(t)
	c := NewClient(hs.config())
	states, unsubscribe := c.SubscribeState(16)
	defer unsubscribe()

	require.NoError(t, c.Connect(context.Background(), agentRequest(t)))
	defer c.Disconnect()

	expectStates(t, states, Resolving, Connecting, Authenticating, Connected)
	assert.Regexp(t, `^alice#[0-9A-F]{4}$`, c.Identity())

	err := c.Connect(context.Background(), agentRequest(t))
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnect_InvalidRole(t *testing.T) {
	c := NewClient(Config{})
	err := c.Connect(context.Background(), ConnectRequest{Address: testAddress})
	assert.Error(t, err)
	assert.Equal(t, Disconnected, c.State())
}

func TestConnect_WithoutTokenFailsRegistration(t *testing.T) {
	hs := newHarness(t)
	c := NewClient(hs.config())
	states, unsubscribe := c.SubscribeState(16)
	defer unsubscribe()

	req := agentRequest(t)
	req.Token = ""
	err := c.Connect(context.Background(), req)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, protocol.CodeAuthenticationRequired, serverErr.Payload.ErrorCode)

	got := expectStates(t, states, Resolving, Connecting, Authenticating, Error, Disconnected)
	assert.Equal(t, "connect failed", got[3].Message)
	assert.ErrorAs(t, c.LastError(), &serverErr)
	assert.Equal(t, Disconnected, c.State())
}

func TestConnect_InvalidTokenRejected(t *testing.T) {
	hs := newHarness(t)
	c := NewClient(hs.config())

	req := viewerRequest(t)
	req.Token = "not-a-jwt"
	err := c.Connect(context.Background(), req)

	require.Error(t, err)
	assert.Equal(t, Disconnected, c.State())
	assert.Error(t, c.LastError())
}

func TestConnect_ResolveFailure(t *testing.T) {
	c := NewClient(Config{})
	c.lookupHost = func(context.Context, string) ([]string, error) {
		return nil, errors.New("no such host")
	}
	states, unsubscribe := c.SubscribeState(16)
	defer unsubscribe()

	req := agentRequest(t)
	req.Address = "relay.invalid:9090"
	err := c.Connect(context.Background(), req)

	assert.ErrorContains(t, err, "no such host")
	expectStates(t, states, Resolving, Error, Disconnected)
}

func TestConnect_InvalidAddress(t *testing.T) {
	c := NewClient(Config{})
	req := agentRequest(t)
	req.Address = "no-port"

	assert.Error(t, c.Connect(context.Background(), req))
	assert.Equal(t, Disconnected, c.State())
}

func TestConnect_CancelGoesStraightToDisconnected(t *testing.T) {
	c := NewClient(Config{})
	entered := make(chan struct{})
	c.lookupHost = func(ctx context.Context, _ string) ([]string, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	states, unsubscribe := c.SubscribeState(16)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	req := agentRequest(t)
	req.Address = "relay.example:9090"
	go func() { errCh <- c.Connect(ctx, req) }()

	<-entered
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Connect did not return after cancel")
	}

	expectStates(t, states, Resolving, Disconnected)
	assert.NoError(t, c.LastError())
}

func TestDisconnect(t *testing.T) {
	hs := newHarness(t)
	c := NewClient(hs.config())

	// Disconnecting an idle client is a no-op.
	c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), viewerRequest(t)))
	assert.Equal(t, "u-viewer", c.Identity())

	states, unsubscribe := c.SubscribeState(16)
	defer unsubscribe()

	c.Disconnect()
	expectStates(t, states, Disconnecting, Disconnected)

	assert.ErrorIs(t, c.Send(&protocol.KeepAlive{}), ErrNotConnected)
	require.Eventually(t, func() bool { return hs.hub.ConnectionCount() == 0 }, waitFor, 5*time.Millisecond)

	// A disconnected client can connect again.
	require.NoError(t, c.Connect(context.Background(), viewerRequest(t)))
	c.Disconnect()
}

func TestSessionLifecycle(t *testing.T) {
	hs := newHarness(t)

	agent := NewClient(hs.config())
	agentMsgs, unsubAgent := agent.SubscribeMessages(32)
	defer unsubAgent()
	require.NoError(t, agent.Connect(context.Background(), agentRequest(t)))
	defer agent.Disconnect()

	viewer := NewClient(hs.config())
	viewerMsgs, unsubViewer := viewer.SubscribeMessages(32)
	defer unsubViewer()
	require.NoError(t, viewer.Connect(context.Background(), viewerRequest(t)))
	defer viewer.Disconnect()

	require.NoError(t, viewer.Send(&protocol.RequestSession{
		TargetAgentID:     agent.Identity(),
		ViewerUsername:    "bob",
		ViewerMachineName: "laptop",
	}))

	msg := expectMessage(t, agentMsgs, protocol.TypeSessionRequestReceived)
	incoming := msg.Payload.(*protocol.SessionRequestReceived)
	assert.Equal(t, "u-viewer", incoming.ViewerID)

	require.NoError(t, agent.Send(&protocol.SessionDecision{SessionID: incoming.SessionID, Accepted: true}))
	assert.Equal(t, Streaming, agent.State())
	assert.Equal(t, incoming.SessionID, agent.SessionID())

	started := expectMessage(t, viewerMsgs, protocol.TypeSessionStarted).Payload.(*protocol.SessionStarted)
	assert.Equal(t, incoming.SessionID, started.SessionID)
	eventuallyState(t, viewer, Streaming)
	assert.Equal(t, incoming.SessionID, viewer.SessionID())

	require.NoError(t, agent.Send(&protocol.Frame{SessionID: incoming.SessionID, FrameNumber: 1, Encoding: "jpeg", Data: []byte{0xff, 0xd8}}))
	frame := expectMessage(t, viewerMsgs, protocol.TypeFrame).Payload.(*protocol.Frame)
	assert.Equal(t, int64(1), frame.FrameNumber)

	require.NoError(t, viewer.Send(&protocol.SessionEnded{SessionID: incoming.SessionID, Reason: "done"}))
	assert.Equal(t, Connected, viewer.State())

	ended := expectMessage(t, agentMsgs, protocol.TypeSessionEnded).Payload.(*protocol.SessionEnded)
	assert.Equal(t, "done", ended.Reason)
	require.NotNil(t, ended.Statistics)
	assert.Equal(t, int64(1), ended.Statistics.FramesSent)
	eventuallyState(t, agent, Connected)
}

func TestAgentDisconnectEndsViewerStream(t *testing.T) {
	hs := newHarness(t)

	agent := NewClient(hs.config())
	agentMsgs, unsubAgent := agent.SubscribeMessages(32)
	defer unsubAgent()
	require.NoError(t, agent.Connect(context.Background(), agentRequest(t)))

	viewer := NewClient(hs.config())
	viewerMsgs, unsubViewer := viewer.SubscribeMessages(32)
	defer unsubViewer()
	require.NoError(t, viewer.Connect(context.Background(), viewerRequest(t)))
	defer viewer.Disconnect()

	require.NoError(t, viewer.Send(&protocol.RequestSession{TargetAgentID: agent.Identity()}))
	incoming := expectMessage(t, agentMsgs, protocol.TypeSessionRequestReceived).Payload.(*protocol.SessionRequestReceived)
	require.NoError(t, agent.Send(&protocol.SessionDecision{SessionID: incoming.SessionID, Accepted: true}))
	eventuallyState(t, viewer, Streaming)

	agent.Disconnect()

	ended := expectMessage(t, viewerMsgs, protocol.TypeSessionEnded).Payload.(*protocol.SessionEnded)
	assert.Equal(t, broker.ReasonParticipantDisconnected, ended.Reason)
	eventuallyState(t, viewer, Connected)
}

func TestRequestUnknownAgentReturnsError(t *testing.T) {
	hs := newHarness(t)

	viewer := NewClient(hs.config())
	msgs, unsubscribe := viewer.SubscribeMessages(8)
	defer unsubscribe()
	require.NoError(t, viewer.Connect(context.Background(), viewerRequest(t)))
	defer viewer.Disconnect()

	require.NoError(t, viewer.Send(&protocol.RequestSession{TargetAgentID: "ghost#0001"}))

	errPayload := expectMessage(t, msgs, protocol.TypeError).Payload.(*protocol.Error)
	assert.Equal(t, protocol.CodeAgentNotAvailable, errPayload.ErrorCode)
	assert.Equal(t, Connected, viewer.State())
}

func TestReconnectAfterLinkDrop(t *testing.T) {
	hs := newHarness(t)
	c := NewClient(hs.config())
	require.NoError(t, c.Connect(context.Background(), agentRequest(t)))
	defer c.Disconnect()

	first := c.Identity()
	states, unsubscribe := c.SubscribeState(16)
	defer unsubscribe()

	// Closing every hub connection drops the stream from the server side.
	hs.hub.Stop()

	got := expectStates(t, states, Reconnecting, Connected)
	assert.Equal(t, "connection lost", got[0].Message)
	assert.Error(t, got[0].Err)
	assert.NotEqual(t, first, c.Identity())
}

func TestReconnectGivesUp(t *testing.T) {
	hs := newHarness(t)
	c := NewClient(hs.config())
	require.NoError(t, c.Connect(context.Background(), agentRequest(t)))

	states, unsubscribe := c.SubscribeState(16)
	defer unsubscribe()

	hs.stop()

	got := expectStates(t, states, Reconnecting, Error, Disconnected)
	assert.Equal(t, "reconnect attempts exhausted", got[1].Message)
	assert.ErrorContains(t, c.LastError(), "gave up after 3 attempts")

	// Stays disconnected until an explicit Connect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Disconnected, c.State())
	c.Disconnect()
}

func TestDisconnectDuringReconnect(t *testing.T) {
	hs := newHarness(t)
	cfg := hs.config()
	cfg.Reconnect.InitialDelay = time.Hour
	cfg.Reconnect.MaxDelay = time.Hour
	c := NewClient(cfg)
	require.NoError(t, c.Connect(context.Background(), agentRequest(t)))

	states, unsubscribe := c.SubscribeState(16)
	defer unsubscribe()

	hs.hub.Stop()
	expectStates(t, states, Reconnecting)

	c.Disconnect()
	expectStates(t, states, Disconnecting, Disconnected)
}

func TestHeartbeatPayload(t *testing.T) {
	c := NewClient(Config{
		Metrics: func() *protocol.Metrics { return &protocol.Metrics{AverageFPS: 15} },
	})
	c.identity = "alice#0001"
	c.req.Role = RoleAgent
	c.sessionID = "s-1"

	ka := c.heartbeat()
	assert.Equal(t, "alice#0001", ka.SenderID)
	assert.Equal(t, "Agent", ka.SenderType)
	require.NotNil(t, ka.SessionID)
	assert.Equal(t, "s-1", *ka.SessionID)
	require.NotNil(t, ka.Metrics)
	assert.Equal(t, 15.0, ka.Metrics.AverageFPS)
}

func TestHeartbeatSentWhileConnected(t *testing.T) {
	hs := newHarness(t)
	cfg := hs.config()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	c := NewClient(cfg)
	require.NoError(t, c.Connect(context.Background(), viewerRequest(t)))
	defer c.Disconnect()

	conns := hs.hub.Connections()
	require.Len(t, conns, 1)
	before := conns[0].LastSeen

	require.Eventually(t, func() bool {
		conns := hs.hub.Connections()
		return len(conns) == 1 && conns[0].LastSeen.After(before)
	}, waitFor, 5*time.Millisecond)
}

func TestSubscriptionsAreIndependent(t *testing.T) {
	c := NewClient(Config{})
	a, unsubA := c.SubscribeState(4)
	b, unsubB := c.SubscribeState(4)

	unsubA()
	_, open := <-a
	assert.False(t, open)

	c.mu.Lock()
	c.transitionLocked(Resolving, "", nil)
	c.mu.Unlock()

	change := <-b
	assert.Equal(t, Disconnected, change.From)
	assert.Equal(t, Resolving, change.To)

	unsubB()
	unsubB()
}
