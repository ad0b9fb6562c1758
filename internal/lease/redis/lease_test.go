package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLease(t *testing.T) (*Lease, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	l := NewWithClient(db, "")
	l.newUUID = func() (string, error) { return "token-1", nil }
	return l, mock
}

func TestLease_TryAcquire(t *testing.T) {
	l, mock := newTestLease(t)
	ctx := context.TODO()

	mock.ExpectSetNX(DefaultPrefix+"fast", "token-1", time.Minute).SetVal(true)
	token, ok, err := l.TryAcquire(ctx, "fast", time.Minute)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "token-1", token)

	mock.ExpectSetNX(DefaultPrefix+"fast", "token-1", time.Minute).SetVal(false)
	_, ok, err = l.TryAcquire(ctx, "fast", time.Minute)
	assert.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectSetNX(DefaultPrefix+"fast", "token-1", time.Minute).SetErr(errors.New("redis error"))
	_, _, err = l.TryAcquire(ctx, "fast", time.Minute)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis setnx failure")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLease_Release(t *testing.T) {
	l, mock := newTestLease(t)
	ctx := context.TODO()

	mock.ExpectEval(releaseScript, []string{DefaultPrefix + "fast"}, "token-1").SetVal(int64(1))
	assert.NoError(t, l.Release(ctx, "fast", "token-1"))

	mock.ExpectEval(releaseScript, []string{DefaultPrefix + "fast"}, "stale").SetVal(int64(0))
	assert.NoError(t, l.Release(ctx, "fast", "stale"), "a lease taken over by another holder is left alone")

	mock.ExpectEval(releaseScript, []string{DefaultPrefix + "fast"}, "token-1").SetErr(errors.New("redis error"))
	err := l.Release(ctx, "fast", "token-1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis release failure")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLease_RejectsNonPositiveTTL(t *testing.T) {
	l, _ := newTestLease(t)
	_, _, err := l.TryAcquire(context.TODO(), "fast", 0)
	assert.Error(t, err)
}

func TestNewRequiresAddress(t *testing.T) {
	_, _, err := New(context.TODO(), Config{})
	assert.Error(t, err)
}
