package directory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type ViewerInfo struct {
	ConnectionID string
	OwnerUserID  string
	Username     string
	MachineName  string
}

// ViewerStore keys viewers by connection id.
type ViewerStore struct {
	mu      sync.RWMutex
	viewers map[string]*ViewerRecord
	now     func() time.Time
}

func NewViewerStore() *ViewerStore {
	return &ViewerStore{
		viewers: make(map[string]*ViewerRecord),
		now:     time.Now,
	}
}

// RegisterViewer creates or refreshes the record for info.ConnectionID.
func (s *ViewerStore) RegisterViewer(info ViewerInfo) ViewerRecord {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.viewers[info.ConnectionID]
	if !ok {
		rec = &ViewerRecord{ConnectionID: info.ConnectionID, ConnectedAt: now}
		s.viewers[info.ConnectionID] = rec
	}
	rec.OwnerUserID = info.OwnerUserID
	rec.Username = info.Username
	rec.MachineName = info.MachineName
	rec.IsOnline = true
	rec.LastSeen = now

	slog.Info("Viewer registered",
		"conn_id", info.ConnectionID,
		"user_id", info.OwnerUserID,
		"total_viewers", len(s.viewers))

	return *rec
}

func (s *ViewerStore) GetViewer(connID string) (ViewerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.viewers[connID]
	if !ok {
		return ViewerRecord{}, false
	}
	return *rec, true
}

func (s *ViewerStore) ListOnlineViewers() []ViewerRecord {
	return s.list(func(r *ViewerRecord) bool { return r.IsOnline })
}

func (s *ViewerStore) ListViewersForUser(userID string) []ViewerRecord {
	return s.list(func(r *ViewerRecord) bool { return r.OwnerUserID == userID })
}

func (s *ViewerStore) list(keep func(*ViewerRecord) bool) []ViewerRecord {
	s.mu.RLock()
	result := make([]ViewerRecord, 0, len(s.viewers))
	for _, rec := range s.viewers {
		if keep(rec) {
			result = append(result, *rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ConnectionID < result[j].ConnectionID })
	return result
}

func (s *ViewerStore) SetViewerOffline(connID string) (ViewerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.viewers[connID]
	if !ok {
		return ViewerRecord{}, fmt.Errorf("viewer %s: %w", connID, ErrNotFound)
	}
	if rec.IsOnline {
		rec.IsOnline = false
		rec.LastSeen = s.now()
		slog.Info("Viewer offline", "conn_id", connID)
	}
	return *rec, nil
}

func (s *ViewerStore) TouchViewer(connID string) {
	s.mu.Lock()
	if rec, ok := s.viewers[connID]; ok && rec.IsOnline {
		rec.LastSeen = s.now()
	}
	s.mu.Unlock()
}
