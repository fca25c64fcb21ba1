package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-desk/internal/directory"
)

func (b *Broker) reapIdleSessions() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.ReapIdle(context.Background())
		case <-b.stopCh:
			return
		}
	}
}

// ReapIdle ends every Active session that has seen no traffic for longer than
// the configured idle timeout. It returns the number of sessions ended.
func (b *Broker) ReapIdle(ctx context.Context) int {
	if b.cfg.IdleTimeout <= 0 {
		return 0
	}

	reaped := 0
	for _, sess := range b.sessions.ListIdleSessions(b.cfg.IdleTimeout) {
		unlock := b.locks.Lock(sess.SessionID)
		// Traffic may have arrived since the listing.
		if current, ok := b.sessions.GetActiveSession(sess.SessionID); ok && current.Status == directory.SessionActive && b.now().Sub(current.LastActivity) > b.cfg.IdleTimeout {
			slog.Info("Ending idle session",
				"session_id", sess.SessionID,
				"last_activity", current.LastActivity)
			b.endSessionLocked(ctx, sess.SessionID, ReasonIdleTimeout)
			reaped++
		}
		unlock()
	}
	return reaped
}
