package directory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// agentCounter is shared by every AgentStore in the process so that an id
// is never handed out twice, even across stores.
var agentCounter atomic.Uint64

// AgentStore maps agent ids to records, with a reverse index from live
// connection ids.
type AgentStore struct {
	mu           sync.RWMutex
	agents       map[string]*AgentRecord
	byConnection map[string]string
	now          func() time.Time
}

func NewAgentStore() *AgentStore {
	return &AgentStore{
		agents:       make(map[string]*AgentRecord),
		byConnection: make(map[string]string),
		now:          time.Now,
	}
}

func nextAgentID(username string) string {
	return fmt.Sprintf("%s#%04X", username, agentCounter.Add(1))
}

func (s *AgentStore) RegisterAgent(info AgentInfo) AgentRecord {
	now := s.now()
	rec := &AgentRecord{
		AgentID:         nextAgentID(info.Username),
		ConnectionID:    info.ConnectionID,
		OwnerUserID:     info.OwnerUserID,
		MachineName:     info.MachineName,
		OperatingSystem: info.OperatingSystem,
		ScreenWidth:     info.ScreenWidth,
		ScreenHeight:    info.ScreenHeight,
		Capabilities:    cloneCapabilities(info.Capabilities),
		IsOnline:        true,
		RegisteredAt:    now,
		LastSeen:        now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.agents[rec.AgentID]; ok {
		slog.Warn("Agent id collision, replacing record", "agent_id", rec.AgentID)
		delete(s.byConnection, prev.ConnectionID)
	}
	// A connection carries at most one online agent.
	if prevID, ok := s.byConnection[info.ConnectionID]; ok {
		if prev, ok := s.agents[prevID]; ok {
			prev.IsOnline = false
			prev.LastSeen = now
		}
	}

	s.agents[rec.AgentID] = rec
	s.byConnection[rec.ConnectionID] = rec.AgentID

	slog.Info("Agent registered",
		"agent_id", rec.AgentID,
		"conn_id", rec.ConnectionID,
		"total_agents", len(s.agents))

	return *rec
}

func (s *AgentStore) GetAgent(agentID string) (AgentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return AgentRecord{}, false
	}
	return copyAgent(rec), true
}

func (s *AgentStore) GetAgentByConnection(connID string) (AgentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agentID, ok := s.byConnection[connID]
	if !ok {
		return AgentRecord{}, false
	}
	rec, ok := s.agents[agentID]
	if !ok {
		return AgentRecord{}, false
	}
	return copyAgent(rec), true
}

func (s *AgentStore) ListOnlineAgents() []AgentRecord {
	return s.list(func(r *AgentRecord) bool { return r.IsOnline })
}

func (s *AgentStore) ListAgentsForUser(userID string) []AgentRecord {
	return s.list(func(r *AgentRecord) bool { return r.OwnerUserID == userID })
}

func (s *AgentStore) list(keep func(*AgentRecord) bool) []AgentRecord {
	s.mu.RLock()
	result := make([]AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		if keep(rec) {
			result = append(result, copyAgent(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}

// SetAgentOffline is idempotent; an unknown id is reported with ErrNotFound.
func (s *AgentStore) SetAgentOffline(agentID string) (AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return AgentRecord{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}

	if current, ok := s.byConnection[rec.ConnectionID]; ok && current == agentID {
		delete(s.byConnection, rec.ConnectionID)
	}
	if rec.IsOnline {
		rec.IsOnline = false
		rec.LastSeen = s.now()
		slog.Info("Agent offline", "agent_id", agentID, "conn_id", rec.ConnectionID)
	}
	return copyAgent(rec), nil
}

func (s *AgentStore) TouchAgent(agentID string) {
	s.mu.Lock()
	if rec, ok := s.agents[agentID]; ok && rec.IsOnline {
		rec.LastSeen = s.now()
	}
	s.mu.Unlock()
}

func copyAgent(rec *AgentRecord) AgentRecord {
	out := *rec
	out.Capabilities = cloneCapabilities(rec.Capabilities)
	return out
}
