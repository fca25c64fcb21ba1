package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/silo-desk/internal/grpc/client"
	"github.com/EternisAI/silo-desk/internal/protocol"
)

type fakeLink struct {
	mu      sync.Mutex
	sent    []protocol.Payload
	sendErr error
	msgs    chan *protocol.Message
	states  chan client.StateChange
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		msgs:   make(chan *protocol.Message, 16),
		states: make(chan client.StateChange, 16),
	}
}

func (l *fakeLink) Send(p protocol.Payload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, p)
	return nil
}

func (l *fakeLink) SubscribeMessages(int) (<-chan *protocol.Message, func()) {
	return l.msgs, func() {}
}

func (l *fakeLink) SubscribeState(int) (<-chan client.StateChange, func()) {
	return l.states, func() {}
}

func (l *fakeLink) deliver(p protocol.Payload) {
	l.msgs <- protocol.New(p)
}

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

func (l *fakeLink) decisions() []*protocol.SessionDecision {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*protocol.SessionDecision
	for _, p := range l.sent {
		if d, ok := p.(*protocol.SessionDecision); ok {
			out = append(out, d)
		}
	}
	return out
}

func (l *fakeLink) frames() []*protocol.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*protocol.Frame
	for _, p := range l.sent {
		if f, ok := p.(*protocol.Frame); ok {
			out = append(out, f)
		}
	}
	return out
}

// MockInputSink is a mock implementation of InputSink.
type MockInputSink struct {
	mock.Mock
}

func (m *MockInputSink) Inject(ctx context.Context, events []protocol.Input) error {
	return m.Called(events).Error(0)
}

func fastSettings() *protocol.SessionSettings {
	return &protocol.SessionSettings{Encoding: "jpeg", Quality: 60, FPS: 200, EnableInput: true}
}

func startRuntime(t *testing.T, link *fakeLink, sink InputSink, policy DecisionPolicy) *Runtime {
	t.Helper()
	r := NewRuntime(link, NewSyntheticSource(800, 600, 2), sink, policy)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func request(id string) *protocol.SessionRequestReceived {
	return &protocol.SessionRequestReceived{SessionID: id, ViewerID: "u-viewer", RequestedAt: time.Now()}
}

func waitDecisions(t *testing.T, link *fakeLink, n int) []*protocol.SessionDecision {
	t.Helper()
	require.Eventually(t, func() bool { return len(link.decisions()) >= n }, time.Second, 5*time.Millisecond)
	return link.decisions()
}

func waitFrames(t *testing.T, link *fakeLink, n int) []*protocol.Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(link.frames()) >= n }, 2*time.Second, 5*time.Millisecond)
	return link.frames()
}

func TestRuntime_AcceptStreamsFrames(t *testing.T) {
	link := newFakeLink()
	r := startRuntime(t, link, nil, AutoAccept{Settings: fastSettings()})

	link.deliver(request("s-1"))

	d := waitDecisions(t, link, 1)[0]
	assert.Equal(t, "s-1", d.SessionID)
	assert.True(t, d.Accepted)
	assert.Nil(t, d.Reason)
	assert.Equal(t, 200, d.SessionSettings.FPS)

	frames := waitFrames(t, link, 3)
	for i, f := range frames[:3] {
		assert.Equal(t, "s-1", f.SessionID)
		assert.Equal(t, int64(i+1), f.FrameNumber)
		assert.Equal(t, "jpeg", f.Encoding)
		assert.Equal(t, 60, f.Quality)
	}

	id, ok := r.ActiveSession()
	assert.True(t, ok)
	assert.Equal(t, "s-1", id)

	m := r.Metrics()
	assert.Equal(t, 1, m.ActiveSessionCnt)
	assert.GreaterOrEqual(t, m.FramesSent, int64(3))
}

func TestRuntime_DefaultSettingsWhenPolicyHasNone(t *testing.T) {
	link := newFakeLink()
	startRuntime(t, link, nil, nil)

	link.deliver(request("s-1"))

	d := waitDecisions(t, link, 1)[0]
	assert.True(t, d.Accepted)
	assert.Nil(t, d.SessionSettings)

	f := waitFrames(t, link, 1)[0]
	assert.Equal(t, protocol.DefaultSessionSettings().Quality, f.Quality)
}

func TestRuntime_Reject(t *testing.T) {
	link := newFakeLink()
	r := startRuntime(t, link, nil, DecisionFunc(func(_ context.Context, req *protocol.SessionRequestReceived) Decision {
		return Decision{Reason: "not now " + req.ViewerID}
	}))

	link.deliver(request("s-1"))

	d := waitDecisions(t, link, 1)[0]
	assert.False(t, d.Accepted)
	require.NotNil(t, d.Reason)
	assert.Equal(t, "not now u-viewer", *d.Reason)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, link.frames())
	_, ok := r.ActiveSession()
	assert.False(t, ok)
}

func TestRuntime_BusyRejectsSecondRequest(t *testing.T) {
	link := newFakeLink()
	startRuntime(t, link, nil, AutoAccept{Settings: fastSettings()})

	link.deliver(request("s-1"))
	link.deliver(request("s-2"))

	ds := waitDecisions(t, link, 2)
	assert.True(t, ds[0].Accepted)
	assert.False(t, ds[1].Accepted)
	assert.Equal(t, ReasonBusy, *ds[1].Reason)
}

func TestRuntime_UpdateQualityAndMonitor(t *testing.T) {
	link := newFakeLink()
	startRuntime(t, link, nil, AutoAccept{Settings: fastSettings()})

	link.deliver(request("s-1"))
	waitFrames(t, link, 1)

	quality, encoding := 30, "png"
	link.deliver(&protocol.UpdateQuality{SessionID: "s-1", Quality: &quality, Encoding: &encoding})
	link.deliver(&protocol.SelectMonitor{SessionID: "s-1", MonitorIndex: 1})

	require.Eventually(t, func() bool {
		frames := link.frames()
		last := frames[len(frames)-1]
		return last.Quality == 30 && last.Encoding == "png" && last.Data[3] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRuntime_SelectUnknownMonitorIgnored(t *testing.T) {
	link := newFakeLink()
	startRuntime(t, link, nil, AutoAccept{Settings: fastSettings()})

	link.deliver(request("s-1"))
	waitFrames(t, link, 1)
	link.deliver(&protocol.SelectMonitor{SessionID: "s-1", MonitorIndex: 5})

	n := len(link.frames())
	frames := waitFrames(t, link, n+3)
	assert.Equal(t, byte(0), frames[len(frames)-1].Data[3])
}

func TestRuntime_InputInjection(t *testing.T) {
	link := newFakeLink()
	sink := new(MockInputSink)
	events := []protocol.Input{{Type: "MouseMove", X: 10, Y: 20}}
	injected := make(chan struct{}, 4)
	sink.On("Inject", events).Run(func(mock.Arguments) {
		injected <- struct{}{}
	}).Return(nil).Once()

	startRuntime(t, link, sink, AutoAccept{Settings: fastSettings()})
	link.deliver(request("s-1"))
	waitDecisions(t, link, 1)

	link.deliver(&protocol.InputEvent{SessionID: "s-1"})
	link.deliver(&protocol.InputEvent{SessionID: "other", Events: events})
	link.deliver(&protocol.InputEvent{SessionID: "s-1", Events: events})

	select {
	case <-injected:
	case <-time.After(time.Second):
		t.Fatal("input was not injected")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, injected)
	sink.AssertExpectations(t)
}

func TestRuntime_InputDisabled(t *testing.T) {
	link := newFakeLink()
	sink := new(MockInputSink)
	settings := fastSettings()
	settings.EnableInput = false

	startRuntime(t, link, sink, AutoAccept{Settings: settings})
	link.deliver(request("s-1"))
	waitDecisions(t, link, 1)

	link.deliver(&protocol.InputEvent{SessionID: "s-1", Events: []protocol.Input{{Type: "KeyDown", VirtualKey: 65}}})

	time.Sleep(30 * time.Millisecond)
	sink.AssertNotCalled(t, "Inject", mock.Anything)
}

func TestRuntime_SessionEndedStopsStreaming(t *testing.T) {
	link := newFakeLink()
	r := startRuntime(t, link, nil, AutoAccept{Settings: fastSettings()})

	link.deliver(request("s-1"))
	waitFrames(t, link, 1)

	link.deliver(&protocol.SessionEnded{SessionID: "other"})
	time.Sleep(10 * time.Millisecond)
	_, ok := r.ActiveSession()
	require.True(t, ok)

	link.deliver(&protocol.SessionEnded{SessionID: "s-1", Reason: "done"})
	require.Eventually(t, func() bool {
		_, ok := r.ActiveSession()
		return !ok
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	n := len(link.frames())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(link.frames()))

	// A new request can be accepted once the previous session ended.
	link.deliver(request("s-2"))
	ds := waitDecisions(t, link, 2)
	assert.True(t, ds[1].Accepted)
}

func TestRuntime_LinkLossStopsStreaming(t *testing.T) {
	link := newFakeLink()
	r := startRuntime(t, link, nil, AutoAccept{Settings: fastSettings()})

	link.deliver(request("s-1"))
	waitFrames(t, link, 1)

	link.states <- client.StateChange{From: client.Streaming, To: client.Reconnecting}

	require.Eventually(t, func() bool {
		_, ok := r.ActiveSession()
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestRuntime_DroppedFramesCounted(t *testing.T) {
	link := newFakeLink()
	r := startRuntime(t, link, nil, AutoAccept{Settings: fastSettings()})

	link.deliver(request("s-1"))
	waitDecisions(t, link, 1)
	link.setSendErr(client.ErrSendQueueFull)

	require.Eventually(t, func() bool { return r.Metrics().DroppedFrames > 0 }, time.Second, 5*time.Millisecond)
}

func TestRuntime_DecisionSendFailureDoesNotStream(t *testing.T) {
	link := newFakeLink()
	link.setSendErr(errors.New("not connected"))
	r := startRuntime(t, link, nil, AutoAccept{Settings: fastSettings()})

	link.deliver(request("s-1"))
	time.Sleep(30 * time.Millisecond)

	_, ok := r.ActiveSession()
	assert.False(t, ok)
}

func TestSyntheticSource(t *testing.T) {
	src := NewSyntheticSource(640, 480, 0)
	src.KeyFrameEvery = 2
	assert.Equal(t, 1, src.MonitorCount())

	f1, err := src.Capture(context.Background(), CaptureSettings{Encoding: "jpeg", Quality: 50})
	require.NoError(t, err)
	f2, err := src.Capture(context.Background(), CaptureSettings{Encoding: "jpeg", Quality: 50})
	require.NoError(t, err)
	f3, err := src.Capture(context.Background(), CaptureSettings{Resolution: protocol.Resolution{Width: 1280, Height: 720}})
	require.NoError(t, err)

	assert.True(t, f1.IsKeyFrame)
	assert.False(t, f2.IsKeyFrame)
	assert.True(t, f3.IsKeyFrame)
	assert.Equal(t, 640, f1.Width)
	assert.Equal(t, 1280, f3.Width)
	assert.Equal(t, len(f1.Data), f1.DataSize)
	assert.NotEqual(t, f1.Data, f2.Data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Capture(ctx, CaptureSettings{})
	assert.ErrorIs(t, err, context.Canceled)
}
