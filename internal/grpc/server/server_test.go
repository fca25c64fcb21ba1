package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/test/bufconn"

	"github.com/EternisAI/silo-desk/internal/hub"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	h := hub.New(hub.Config{}, nil)
	t.Cleanup(h.Stop)
	return NewServer(0, h, nil, nil)
}

func TestStop_BeforeServe(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Stop(context.Background()))

	assert.NoError(t, srv.Serve(bufconn.Listen(1<<16)))
	assert.Nil(t, srv.Addr())
}

func TestStop_RacingServe(t *testing.T) {
	for i := 0; i < 20; i++ {
		srv := newTestServer(t)
		lis := bufconn.Listen(1 << 16)

		done := make(chan error, 1)
		go func() { done <- srv.Serve(lis) }()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, srv.Stop(ctx))
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after Stop")
		}
	}
}

func TestServe_ReportsAddr(t *testing.T) {
	srv := newTestServer(t)
	lis := bufconn.Listen(1 << 16)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(lis) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, lis.Addr(), srv.Addr())

	require.NoError(t, srv.Stop(context.Background()))
	assert.NoError(t, <-done)
}
