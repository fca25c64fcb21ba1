// Package agent runs the controlled side of a session on top of a relay
// client: it answers session requests, streams captured frames and injects
// remote input.
package agent

import (
	"context"

	"github.com/EternisAI/silo-desk/internal/protocol"
)

// CaptureSettings is what a FrameSource needs to produce the next frame.
type CaptureSettings struct {
	Encoding     string
	Quality      int
	MonitorIndex int
	Resolution   protocol.Resolution
}

// FrameSource captures and encodes the screen. The returned frame needs no
// SessionID or FrameNumber; the runtime stamps both.
type FrameSource interface {
	Capture(ctx context.Context, settings CaptureSettings) (*protocol.Frame, error)
	MonitorCount() int
}

// InputSink injects remote input. It is never called with an empty batch.
type InputSink interface {
	Inject(ctx context.Context, events []protocol.Input) error
}

type Decision struct {
	Accept   bool
	Reason   string
	Settings *protocol.SessionSettings
}

// DecisionPolicy answers incoming session requests.
type DecisionPolicy interface {
	Decide(ctx context.Context, req *protocol.SessionRequestReceived) Decision
}

// DecisionFunc adapts a function to DecisionPolicy.
type DecisionFunc func(ctx context.Context, req *protocol.SessionRequestReceived) Decision

func (f DecisionFunc) Decide(ctx context.Context, req *protocol.SessionRequestReceived) Decision {
	return f(ctx, req)
}

// AutoAccept accepts every request with Settings, or the server defaults
// when Settings is nil.
type AutoAccept struct {
	Settings *protocol.SessionSettings
}

func (a AutoAccept) Decide(context.Context, *protocol.SessionRequestReceived) Decision {
	return Decision{Accept: true, Settings: a.Settings}
}

// DiscardInput drops all input. Used when input injection is disabled.
type DiscardInput struct{}

func (DiscardInput) Inject(context.Context, []protocol.Input) error { return nil }
