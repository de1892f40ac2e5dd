package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloimcx/sandbox-mcp/internal/infrastructure/logging"
	"github.com/helloimcx/sandbox-mcp/internal/types"
)

func backdate(sess *Session, age time.Duration) {
	sess.lastActivity.Store(time.Now().Add(-age).UnixNano())
}

func TestReaperSweep(t *testing.T) {
	t.Run("evicts idle-expired sessions", func(t *testing.T) {
		reg, _ := newTestRegistry(t, 5)
		reaper := NewReaper(reg, time.Minute, 5*time.Minute, logging.NewNop())

		stale, err := reg.CreateOrGet(context.Background(), "stale")
		require.NoError(t, err)
		fresh, err := reg.CreateOrGet(context.Background(), "fresh")
		require.NoError(t, err)

		backdate(stale, 10*time.Minute)
		reaper.Sweep(context.Background())

		_, err = reg.Get("stale")
		assert.ErrorIs(t, err, types.ErrSessionNotFound)
		_, err = reg.Get(fresh.ID)
		assert.NoError(t, err)
	})

	t.Run("evicts dead sessions regardless of activity", func(t *testing.T) {
		reg, workers := newTestRegistry(t, 5)
		reaper := NewReaper(reg, time.Minute, 5*time.Minute, logging.NewNop())

		_, err := reg.CreateOrGet(context.Background(), "doomed")
		require.NoError(t, err)
		workers["doomed"].markDead()

		reaper.Sweep(context.Background())

		_, err = reg.Get("doomed")
		assert.ErrorIs(t, err, types.ErrSessionNotFound)
	})

	t.Run("never touches an executing session", func(t *testing.T) {
		reg, workers := newTestRegistry(t, 5)
		reaper := NewReaper(reg, time.Minute, 5*time.Minute, logging.NewNop())

		busy, err := reg.CreateOrGet(context.Background(), "busy")
		require.NoError(t, err)
		workers["busy"].setState(types.StateExecuting)
		backdate(busy, time.Hour)

		reaper.Sweep(context.Background())

		_, err = reg.Get("busy")
		assert.NoError(t, err)
	})

	t.Run("idle session inside the window survives", func(t *testing.T) {
		reg, _ := newTestRegistry(t, 5)
		reaper := NewReaper(reg, time.Minute, 5*time.Minute, logging.NewNop())

		sess, err := reg.CreateOrGet(context.Background(), "young")
		require.NoError(t, err)
		backdate(sess, time.Minute)

		reaper.Sweep(context.Background())

		_, err = reg.Get("young")
		assert.NoError(t, err)
	})
}

func TestReaperRun(t *testing.T) {
	reg, _ := newTestRegistry(t, 5)
	sess, err := reg.CreateOrGet(context.Background(), "stale")
	require.NoError(t, err)
	backdate(sess, time.Hour)

	reaper := NewReaper(reg, 10*time.Millisecond, 5*time.Minute, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reaper.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := reg.Get("stale")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
