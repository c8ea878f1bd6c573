package lockout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopNeverLocks(t *testing.T) {
	ctx := context.Background()
	var g Noop
	for i := 0; i < 100; i++ {
		require.NoError(t, g.RegisterFailure(ctx, "org-7"))
	}
	locked, ttl, err := g.Locked(ctx, "org-7")
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Zero(t, ttl)
	assert.NoError(t, g.Clear(ctx, "org-7"))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "claim_fail:org-7", failKey("org-7"))
	assert.Equal(t, "claim_lockout:org-7", lockKey("org-7"))
}

func newTestGuard(t *testing.T, max int, lockout time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := NewClient(mr.Addr(), "")
	t.Cleanup(func() { _ = rdb.Close() })
	g := New(rdb, max, lockout)
	require.NoError(t, g.Ping(context.Background()))
	return g, mr
}

func TestGuardLocksAtThreshold(t *testing.T) {
	g, mr := newTestGuard(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, g.RegisterFailure(ctx, "org-7"))
	}
	locked, _, err := g.Locked(ctx, "org-7")
	require.NoError(t, err)
	assert.False(t, locked, "below the limit")

	count, err := mr.Get(failKey("org-7"))
	require.NoError(t, err)
	assert.Equal(t, "2", count)
	assert.Equal(t, time.Minute, mr.TTL(failKey("org-7")), "window starts at the first failure")

	require.NoError(t, g.RegisterFailure(ctx, "org-7"))
	locked, ttl, err := g.Locked(ctx, "org-7")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, time.Minute, ttl)

	locked, _, err = g.Locked(ctx, "org-8")
	require.NoError(t, err)
	assert.False(t, locked, "keys are independent")
}

func TestGuardLockExpires(t *testing.T) {
	g, mr := newTestGuard(t, 1, time.Minute)
	ctx := context.Background()

	require.NoError(t, g.RegisterFailure(ctx, "org-7"))
	locked, _, err := g.Locked(ctx, "org-7")
	require.NoError(t, err)
	require.True(t, locked)

	mr.FastForward(30 * time.Second)
	require.NoError(t, g.RegisterFailure(ctx, "org-7"))
	_, ttl, err := g.Locked(ctx, "org-7")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl, "failures while locked do not extend the lock")

	mr.FastForward(31 * time.Second)
	locked, _, err = g.Locked(ctx, "org-7")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestGuardClearResetsCount(t *testing.T) {
	g, mr := newTestGuard(t, 3, time.Minute)
	ctx := context.Background()

	require.NoError(t, g.RegisterFailure(ctx, "org-7"))
	require.NoError(t, g.RegisterFailure(ctx, "org-7"))
	require.NoError(t, g.Clear(ctx, "org-7"))
	assert.False(t, mr.Exists(failKey("org-7")))

	require.NoError(t, g.RegisterFailure(ctx, "org-7"))
	locked, _, err := g.Locked(ctx, "org-7")
	require.NoError(t, err)
	assert.False(t, locked, "count restarted after clear")
}

func TestGuardReportsStoreErrors(t *testing.T) {
	g, mr := newTestGuard(t, 3, time.Minute)
	mr.Close()

	_, _, err := g.Locked(context.Background(), "org-7")
	assert.Error(t, err)
	assert.Error(t, g.RegisterFailure(context.Background(), "org-7"))
}
