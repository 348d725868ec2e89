package service

import (
	"context"
	"unicode/utf8"

	"github.com/guidebazaar/studlyff-sub000/db"
	"github.com/guidebazaar/studlyff-sub000/logging"
	"github.com/guidebazaar/studlyff-sub000/metrics"
	"github.com/guidebazaar/studlyff-sub000/models"
)

// Channel stores direct messages between two users. Sending does not
// require a connection.
type Channel struct {
	store db.Store
	opts  Options
}

func NewChannel(store db.Store, opts Options) *Channel {
	return &Channel{store: store, opts: opts.withDefaults()}
}

func (c *Channel) Send(ctx context.Context, from, to, text string) (models.Message, error) {
	from, to, err := userPair(from, to, fromTo, true)
	if err != nil {
		return models.Message{}, err
	}
	switch {
	case text == "":
		return models.Message{}, invalidArg("text is required")
	case len(text) > c.opts.MaxTextBytes:
		return models.Message{}, invalidArg("text must be at most %d bytes", c.opts.MaxTextBytes)
	case !utf8.ValidString(text):
		return models.Message{}, invalidArg("text must be valid UTF-8")
	}

	now := c.opts.Now()
	msg, err := c.store.CreateMessage(ctx, models.Message{
		ID:        c.opts.NewID(),
		From:      from,
		To:        to,
		Text:      text,
		CreatedAt: now,
		ExpiresAt: now.Add(c.opts.TTL),
	})
	if err != nil {
		return models.Message{}, logFailure(ctx, "send", fromStore(err))
	}

	metrics.MessagesSent.Inc()
	logging.Ctx(ctx).Debug().
		Str("message_id", msg.ID).
		Uint64("seq", msg.Seq).
		Msg("message stored")
	return msg, nil
}

// History returns every live message between a and b in either direction,
// oldest first. History(a, b) and History(b, a) are identical.
func (c *Channel) History(ctx context.Context, a, b string) ([]models.Message, error) {
	a, b, err := userPair(a, b, userAB, false)
	if err != nil {
		return nil, err
	}

	msgs, err := c.store.ListMessages(ctx, a, b, c.opts.Now())
	if err != nil {
		return nil, logFailure(ctx, "history", fromStore(err))
	}
	return msgs, nil
}

// Clear deletes the whole conversation between a and b and returns how
// many messages were removed.
func (c *Channel) Clear(ctx context.Context, a, b string) (int64, error) {
	a, b, err := userPair(a, b, userAB, false)
	if err != nil {
		return 0, err
	}

	n, err := c.store.DeleteMessages(ctx, a, b)
	if err != nil {
		return 0, logFailure(ctx, "clear", fromStore(err))
	}

	logging.Ctx(ctx).Debug().Int64("deleted", n).Msg("conversation cleared")
	return n, nil
}
