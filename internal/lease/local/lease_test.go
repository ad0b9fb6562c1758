package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeaseExclusive(t *testing.T) {
	t.Parallel()

	l := New()
	ctx := context.Background()

	token, ok, err := l.TryAcquire(ctx, "fast", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = l.TryAcquire(ctx, "fast", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = l.TryAcquire(ctx, "slow", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "leases are independent per name")

	require.NoError(t, l.Release(ctx, "fast", "someone-else"))
	_, ok, _ = l.TryAcquire(ctx, "fast", time.Minute)
	require.False(t, ok, "a foreign token does not release the lease")

	require.NoError(t, l.Release(ctx, "fast", token))
	_, ok, _ = l.TryAcquire(ctx, "fast", time.Minute)
	require.True(t, ok)
}

func TestLeaseExpires(t *testing.T) {
	t.Parallel()

	l := New()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, ok, err := l.TryAcquire(context.Background(), "fast", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = l.TryAcquire(context.Background(), "fast", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLeaseRejectsNonPositiveTTL(t *testing.T) {
	t.Parallel()

	_, _, err := New().TryAcquire(context.Background(), "fast", 0)
	require.Error(t, err)
}
