package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/EternisAI/silo-desk/internal/api/http/dto"
	"github.com/EternisAI/silo-desk/internal/directory"
	"github.com/EternisAI/silo-desk/internal/history"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory(t *testing.T, router *gin.Engine, store *history.PostgresStore, recorder *history.Recorder, apiKey string) {
	ctx := context.Background()

	t.Run("request then session upserts one row", func(t *testing.T) {
		requested := time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond)
		decided := requested.Add(time.Second)
		require.NoError(t, store.Save(ctx, history.Entry{
			SessionID:   "hist-1",
			AgentID:     "alice_1",
			ViewerID:    "u-viewer",
			Status:      string(directory.RequestAccepted),
			RequestedAt: &requested,
			EndedAt:     &decided,
		}))

		started := decided
		ended := started.Add(30 * time.Second)
		reason := "Session ended by participant"
		require.NoError(t, store.Save(ctx, history.Entry{
			SessionID:     "hist-1",
			AgentID:       "alice_1",
			ViewerID:      "u-viewer",
			Status:        string(directory.SessionEnded),
			Reason:        &reason,
			StartedAt:     &started,
			EndedAt:       &ended,
			FramesRelayed: 900,
			BytesRelayed:  1 << 20,
		}))

		entries, err := store.Recent(ctx, 10)
		require.NoError(t, err)
		var found []history.Entry
		for _, e := range entries {
			if e.SessionID == "hist-1" {
				found = append(found, e)
			}
		}
		require.Len(t, found, 1)
		e := found[0]
		assert.Equal(t, "Ended", e.Status)
		require.NotNil(t, e.RequestedAt)
		assert.True(t, requested.Equal(*e.RequestedAt))
		require.NotNil(t, e.StartedAt)
		assert.True(t, started.Equal(*e.StartedAt))
		assert.EqualValues(t, 900, e.FramesRelayed)
		assert.Equal(t, reason, *e.Reason)
	})

	t.Run("recorder writes asynchronously", func(t *testing.T) {
		reason := "Viewer disconnected"
		recorder.RequestClosed(directory.SessionRequest{
			SessionID:      "hist-2",
			AgentID:        "alice_1",
			ViewerID:       "u-viewer",
			Status:         directory.RequestExpired,
			RequestedAt:    time.Now(),
			DecisionReason: &reason,
		})

		require.Eventually(t, func() bool {
			entries, err := store.Recent(ctx, 50)
			if err != nil {
				return false
			}
			for _, e := range entries {
				if e.SessionID == "hist-2" {
					return e.Status == "Expired"
				}
			}
			return false
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("admin endpoint lists history", func(t *testing.T) {
		rr := doRequest(router, "GET", "/api/v1/admin/history?limit=5", nil, map[string]string{"X-API-Key": apiKey})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.HistoryResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.GreaterOrEqual(t, resp.Count, 2)
	})
}
