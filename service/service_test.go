package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/guidebazaar/studlyff-sub000/db"
)

// testClock is a settable service clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   db.Store
	clock   *testClock
	graph   *Graph
	channel *Channel
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "social.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := newTestClock()
	opts := Options{TTL: DefaultTTL, MaxTextBytes: 64, Now: clock.Now}
	return &fixture{
		store:   store,
		clock:   clock,
		graph:   NewGraph(store, opts),
		channel: NewChannel(store, opts),
	}
}

func assertKind(t *testing.T, want Kind, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, KindOf(err), "error: %v", err)
}

func TestRequestValidation(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to string
	}{
		{"empty from", "", "u2"},
		{"empty to", "u1", ""},
		{"blank from", "   ", "u2"},
		{"same user", "u1", "u1"},
		{"same user after trim", "u1", " u1 "},
		{"oversized id", strings.Repeat("x", MaxUserIDBytes+1), "u2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.graph.Request(ctx, tt.from, tt.to)
			assertKind(t, KindInvalidArgument, err)
		})
	}
}

// Scenario 1: a second identical request conflicts.
func TestDuplicateRequestConflicts(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	req, err := f.graph.Request(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1", req.From)
	assert.Equal(t, "u2", req.To)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, DefaultTTL, req.ExpiresAt.Sub(req.CreatedAt))

	_, err = f.graph.Request(ctx, "u1", "u2")
	assertKind(t, KindConflict, err)
}

func TestReverseRequestConflicts(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.graph.Request(ctx, "u1", "u2")
	require.NoError(t, err)

	_, err = f.graph.Request(ctx, "u2", "u1")
	assertKind(t, KindConflict, err)
}

// Scenario 2: accept connects both sides.
func TestAcceptConnectsBothUsers(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.graph.Request(ctx, "u1", "u2")
	require.NoError(t, err)

	conn, err := f.graph.Accept(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.True(t, conn.Has("u1") && conn.Has("u2"))

	peers, err := f.graph.ListConnections(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, peers)

	peers, err = f.graph.ListConnections(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, peers)

	incoming, err := f.graph.ListIncoming(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, incoming)
}

func TestConnectionBlocksRequestsBothWays(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.graph.Request(ctx, "u1", "u2")
	require.NoError(t, err)
	_, err = f.graph.Accept(ctx, "u1", "u2")
	require.NoError(t, err)

	_, err = f.graph.Request(ctx, "u1", "u2")
	assertKind(t, KindConflict, err)
	_, err = f.graph.Request(ctx, "u2", "u1")
	assertKind(t, KindConflict, err)
}

func TestAcceptIsIdempotent(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.graph.Request(ctx, "u1", "u2")
	require.NoError(t, err)
	_, err = f.graph.Accept(ctx, "u1", "u2")
	require.NoError(t, err)

	_, err = f.graph.Accept(ctx, "u1", "u2")
	assertKind(t, KindConflict, err)

	peers, err := f.graph.ListConnections(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}

func TestAcceptWithoutRequest(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.graph.Accept(ctx, "u1", "u2")
	assertKind(t, KindNotFound, err)

	_, err = f.graph.Request(ctx, "u1", "u2")
	require.NoError(t, err)

	// The requester cannot accept their own request.
	_, err = f.graph.Accept(ctx, "u2", "u1")
	assertKind(t, KindNotFound, err)

	_, err = f.graph.Accept(ctx, "", "u1")
	assertKind(t, KindInvalidArgument, err)
}

// Scenario 3: reject frees the pair.
func TestRejectAllowsNewRequest(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.graph.Request(ctx, "u1", "u2")
	require.NoError(t, err)
	require.NoError(t, f.graph.Reject(ctx, "u1", "u2"))

	incoming, err := f.graph.ListIncoming(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, incoming)

	_, err = f.graph.Request(ctx, "u1", "u2")
	require.NoError(t, err)
}

func TestRejectMissingIsNoop(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	require.NoError(t, f.graph.Reject(ctx, "u1", "u2"))
	assertKind(t, KindInvalidArgument, f.graph.Reject(ctx, "u1", ""))
}

// Scenario 5: an unanswered request disappears after the TTL.
func TestRequestExpires(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.graph.Request(ctx, "u1", "u2")
	require.NoError(t, err)

	f.clock.Advance(DefaultTTL - time.Millisecond)
	incoming, err := f.graph.ListIncoming(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, incoming, 1)

	f.clock.Advance(time.Millisecond)
	incoming, err = f.graph.ListIncoming(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, incoming)

	_, err = f.graph.Accept(ctx, "u1", "u2")
	assertKind(t, KindNotFound, err)

	// Expired requests no longer block the pair.
	_, err = f.graph.Request(ctx, "u2", "u1")
	require.NoError(t, err)
}

func TestListIncomingOldestFirst(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	for _, from := range []string{"u3", "u1", "u4"} {
		_, err := f.graph.Request(ctx, from, "u2")
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	incoming, err := f.graph.ListIncoming(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, incoming, 3)
	assert.Equal(t, []string{"u3", "u1", "u4"}, []string{incoming[0].From, incoming[1].From, incoming[2].From})

	_, err = f.graph.ListIncoming(ctx, " ")
	assertKind(t, KindInvalidArgument, err)
}

func TestConcurrentAcceptOneConnection(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.graph.Request(ctx, "u1", "u2")
	require.NoError(t, err)

	const workers = 8
	errs := make([]error, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, errs[i] = f.graph.Accept(ctx, "u1", "u2")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Contains(t, []Kind{KindConflict, KindNotFound}, KindOf(err))
	}
	assert.Equal(t, 1, wins)

	peers, err := f.graph.ListConnections(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, peers)
}

func TestAcceptRacingReject(t *testing.T) {
	for i := 0; i < 5; i++ {
		f := setupFixture(t)
		ctx := context.Background()

		_, err := f.graph.Request(ctx, "u1", "u2")
		require.NoError(t, err)

		var acceptErr error
		var g errgroup.Group
		g.Go(func() error {
			_, acceptErr = f.graph.Accept(ctx, "u1", "u2")
			return nil
		})
		g.Go(func() error {
			return f.graph.Reject(ctx, "u1", "u2")
		})
		require.NoError(t, g.Wait())

		peers, err := f.graph.ListConnections(ctx, "u1")
		require.NoError(t, err)
		incoming, err := f.graph.ListIncoming(ctx, "u2")
		require.NoError(t, err)
		assert.Empty(t, incoming, "the request is consumed either way")

		if acceptErr == nil {
			assert.Equal(t, []string{"u2"}, peers)
		} else {
			assertKind(t, KindNotFound, acceptErr)
			assert.Empty(t, peers)
		}
	}
}

func TestConcurrentCrossRequests(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	var g errgroup.Group
	errs := make([]error, 2)
	for i, pair := range [][2]string{{"u1", "u2"}, {"u2", "u1"}} {
		g.Go(func() error {
			_, errs[i] = f.graph.Request(ctx, pair[0], pair[1])
			return nil
		})
	}
	require.NoError(t, g.Wait())

	conflicts := 0
	for _, err := range errs {
		if err != nil {
			assertKind(t, KindConflict, err)
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts)
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Close())

	_, err := f.graph.Request(ctx, "u1", "u2")
	assertKind(t, KindStoreUnavailable, err)
	assert.True(t, errors.Is(err, db.ErrClosed))
	assert.True(t, errors.Is(err, &Error{Kind: KindStoreUnavailable}))

	var svcErr *Error
	require.True(t, errors.As(err, &svcErr))
	assert.NotContains(t, svcErr.Message, "closed", "storage details stay out of the message")

	_, err = f.channel.History(ctx, "u1", "u2")
	assertKind(t, KindStoreUnavailable, err)
}
