package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/EternisAI/silo-desk/internal/agent"
	"github.com/EternisAI/silo-desk/internal/protocol"
)

const reasonViewerNotAllowed = "Viewer is not allowed on this agent"

// newDecisionPolicy accepts everyone when allowed is empty and otherwise
// only viewers whose username is listed. Frame rate is capped at maxFPS.
func newDecisionPolicy(allowed []string, maxFPS int) agent.DecisionPolicy {
	settings := protocol.DefaultSessionSettings()
	if maxFPS > 0 && settings.FPS > maxFPS {
		settings.FPS = maxFPS
	}
	if len(allowed) == 0 {
		return agent.AutoAccept{Settings: &settings}
	}

	allowSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		allowSet[name] = struct{}{}
	}

	return agent.DecisionFunc(func(_ context.Context, req *protocol.SessionRequestReceived) agent.Decision {
		var request protocol.RequestSession
		if err := json.Unmarshal(req.Request, &request); err != nil {
			slog.Warn("Unreadable session request", "session_id", req.SessionID, "error", err)
			return agent.Decision{Reason: reasonViewerNotAllowed}
		}
		if _, ok := allowSet[request.ViewerUsername]; !ok {
			return agent.Decision{Reason: reasonViewerNotAllowed}
		}

		s := settings
		return agent.Decision{Accept: true, Settings: &s}
	})
}
