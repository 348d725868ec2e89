package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidebazaar/studlyff-sub000/models"
)

// flakyStore fails Ping and CreateRequest with err.
type flakyStore struct {
	Store
	err   error
	calls int
}

func (f *flakyStore) Ping(context.Context) error {
	f.calls++
	return f.err
}

func (f *flakyStore) CreateRequest(context.Context, models.ConnectionRequest) error {
	f.calls++
	return f.err
}

func (f *flakyStore) Close() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyStore{err: errors.New("disk I/O error")}
	s := WithBreaker(inner, BreakerOptions{FailureThreshold: 3, OpenTimeout: time.Hour, HalfOpenRequests: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.Ping(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}

	err := s.Ping(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, inner.calls, "open breaker must not reach the store")

	assert.NoError(t, s.Close())
}

func TestBreakerIgnoresDomainErrors(t *testing.T) {
	inner := &flakyStore{err: ErrRequestExists}
	s := WithBreaker(inner, BreakerOptions{FailureThreshold: 2, OpenTimeout: time.Hour, HalfOpenRequests: 1})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, s.CreateRequest(ctx, models.ConnectionRequest{}), ErrRequestExists)
	}
	assert.Equal(t, 5, inner.calls)
}

func TestBreakerHalfOpensAfterTimeout(t *testing.T) {
	inner := &flakyStore{err: errors.New("database is locked")}
	s := WithBreaker(inner, BreakerOptions{FailureThreshold: 1, OpenTimeout: 20 * time.Millisecond, HalfOpenRequests: 1})
	ctx := context.Background()

	require.Error(t, s.Ping(ctx))
	assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)

	inner.err = nil
	assert.Eventually(t, func() bool {
		return s.Ping(ctx) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestBreakerPassesResults(t *testing.T) {
	s := WithBreaker(newBadgerTestStore(t), BreakerOptions{FailureThreshold: 1, OpenTimeout: time.Hour, HalfOpenRequests: 1})
	ctx := context.Background()
	now := testNow()

	stored, err := s.CreateMessage(ctx, newMessage("alice", "bob", "hi", now))
	require.NoError(t, err)
	assert.NotZero(t, stored.Seq)

	msgs, err := s.ListMessages(ctx, "bob", "alice", now)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, stored.ID, msgs[0].ID)
}
