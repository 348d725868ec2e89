package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(t *testing.T, f *fixture, a, b string) []string {
	t.Helper()
	msgs, err := f.channel.History(context.Background(), a, b)
	require.NoError(t, err)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

// Scenario 4.
func TestHistoryIsAscendingAndSymmetric(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.channel.Send(ctx, "u1", "u2", "hi")
	require.NoError(t, err)
	_, err = f.channel.Send(ctx, "u2", "u1", "hello")
	require.NoError(t, err)

	assert.Equal(t, []string{"hi", "hello"}, texts(t, f, "u1", "u2"))

	ab, err := f.channel.History(ctx, "u1", "u2")
	require.NoError(t, err)
	ba, err := f.channel.History(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestHistoryOrdersByTimeThenSequence(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	// Same clock reading: insertion order breaks the tie.
	for _, text := range []string{"a", "b", "c"} {
		_, err := f.channel.Send(ctx, "u1", "u2", text)
		require.NoError(t, err)
	}
	f.clock.Advance(time.Second)
	_, err := f.channel.Send(ctx, "u2", "u1", "d")
	require.NoError(t, err)

	msgs, err := f.channel.History(ctx, "u2", "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i := 1; i < len(msgs); i++ {
		prev, cur := msgs[i-1], msgs[i]
		assert.False(t, cur.CreatedAt.Before(prev.CreatedAt))
		if cur.CreatedAt.Equal(prev.CreatedAt) {
			assert.Less(t, prev.Seq, cur.Seq)
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, texts(t, f, "u1", "u2"))
}

func TestHistoryExcludesOtherPairs(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.channel.Send(ctx, "u1", "u2", "for u2")
	require.NoError(t, err)
	_, err = f.channel.Send(ctx, "u1", "u3", "for u3")
	require.NoError(t, err)

	assert.Equal(t, []string{"for u2"}, texts(t, f, "u2", "u1"))
	assert.Empty(t, texts(t, f, "u2", "u3"))
}

func TestMessagesExpire(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.channel.Send(ctx, "u1", "u2", "first")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.channel.Send(ctx, "u1", "u2", "second")
	require.NoError(t, err)

	f.clock.Advance(DefaultTTL - time.Hour)
	assert.Equal(t, []string{"second"}, texts(t, f, "u1", "u2"))

	f.clock.Advance(time.Hour + time.Nanosecond)
	assert.Empty(t, texts(t, f, "u1", "u2"))
}

func TestSendValidation(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	tests := []struct {
		name           string
		from, to, text string
	}{
		{"missing from", "", "u2", "hi"},
		{"missing to", "u1", "", "hi"},
		{"missing text", "u1", "u2", ""},
		{"to self", "u1", "u1", "hi"},
		{"text too long", "u1", "u2", strings.Repeat("x", 65)},
		{"invalid utf8", "u1", "u2", "\xff\xfe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.channel.Send(ctx, tt.from, tt.to, tt.text)
			assertKind(t, KindInvalidArgument, err)
		})
	}

	msg, err := f.channel.Send(ctx, "u1", "u2", strings.Repeat("x", 64))
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), msg.CreatedAt)
	assert.Equal(t, f.clock.Now().Add(DefaultTTL), msg.ExpiresAt)
}

func TestClear(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	for _, pair := range [][2]string{{"u1", "u2"}, {"u2", "u1"}, {"u1", "u3"}} {
		_, err := f.channel.Send(ctx, pair[0], pair[1], "x")
		require.NoError(t, err)
	}

	n, err := f.channel.Clear(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Empty(t, texts(t, f, "u1", "u2"))
	assert.Len(t, texts(t, f, "u1", "u3"), 1)

	_, err = f.channel.Clear(ctx, "u1", "")
	assertKind(t, KindInvalidArgument, err)
}
