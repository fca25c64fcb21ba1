// Package history keeps an audit trail of finished sessions and requests in
// Postgres. Writes happen on a background worker and are best effort.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/EternisAI/silo-desk/internal/directory"
)

const (
	defaultBuffer = 256
	writeTimeout  = 5 * time.Second
)

type Entry struct {
	SessionID     string
	AgentID       string
	ViewerID      string
	Status        string
	Reason        *string
	RequestedAt   *time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	FramesRelayed int64
	BytesRelayed  int64
	RecordedAt    time.Time
}

func sessionEntry(sess directory.ActiveSession) Entry {
	started := sess.StartedAt
	return Entry{
		SessionID:     sess.SessionID,
		AgentID:       sess.AgentID,
		ViewerID:      sess.ViewerID,
		Status:        string(sess.Status),
		Reason:        sess.EndReason,
		StartedAt:     &started,
		EndedAt:       sess.EndedAt,
		FramesRelayed: sess.FramesRelayed,
		BytesRelayed:  sess.BytesRelayed,
	}
}

func requestEntry(req directory.SessionRequest) Entry {
	requested := req.RequestedAt
	return Entry{
		SessionID:   req.SessionID,
		AgentID:     req.AgentID,
		ViewerID:    req.ViewerID,
		Status:      string(req.Status),
		Reason:      req.DecisionReason,
		RequestedAt: &requested,
		EndedAt:     req.DecidedAt,
	}
}

type Store interface {
	Save(ctx context.Context, e Entry) error
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Save inserts e, or updates the existing row of the same session.
func (s *PostgresStore) Save(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_history
		   (id, session_id, agent_id, viewer_id, status, reason,
		    requested_at, started_at, ended_at, frames_relayed, bytes_relayed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (session_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   reason = EXCLUDED.reason,
		   requested_at = COALESCE(session_history.requested_at, EXCLUDED.requested_at),
		   started_at = COALESCE(EXCLUDED.started_at, session_history.started_at),
		   ended_at = EXCLUDED.ended_at,
		   frames_relayed = EXCLUDED.frames_relayed,
		   bytes_relayed = EXCLUDED.bytes_relayed,
		   recorded_at = now()`,
		uuid.New(), e.SessionID, e.AgentID, e.ViewerID, e.Status, e.Reason,
		e.RequestedAt, e.StartedAt, e.EndedAt, e.FramesRelayed, e.BytesRelayed)
	if err != nil {
		return fmt.Errorf("save session history %s: %w", e.SessionID, err)
	}
	return nil
}

// Recent returns the latest entries, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, agent_id, viewer_id, status, reason,
		        requested_at, started_at, ended_at, frames_relayed, bytes_relayed, recorded_at
		 FROM session_history ORDER BY recorded_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.SessionID, &e.AgentID, &e.ViewerID, &e.Status, &e.Reason,
			&e.RequestedAt, &e.StartedAt, &e.EndedAt, &e.FramesRelayed, &e.BytesRelayed, &e.RecordedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan session history: %w", err)
	}
	return entries, nil
}

// Recorder satisfies broker.Recorder. Entries are queued and written by a
// single worker; when the queue is full the entry is dropped.
type Recorder struct {
	store   Store
	entries chan Entry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRecorder(store Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	r := &Recorder{
		store:   store,
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) SessionClosed(sess directory.ActiveSession) {
	r.enqueue(sessionEntry(sess))
}

func (r *Recorder) RequestClosed(req directory.SessionRequest) {
	r.enqueue(requestEntry(req))
}

func (r *Recorder) enqueue(e Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.entries <- e:
	default:
		slog.Warn("History queue full, dropping entry", "session_id", e.SessionID, "status", e.Status)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.store.Save(ctx, e); err != nil {
			slog.Error("Failed to record session history", "session_id", e.SessionID, "error", err)
		} else {
			slog.Debug("Session history recorded", "session_id", e.SessionID, "status", e.Status)
		}
		cancel()
	}
}

// Close stops accepting entries and waits until queued ones are written or
// ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
