package service

import (
	"context"

	"github.com/guidebazaar/studlyff-sub000/db"
	"github.com/guidebazaar/studlyff-sub000/logging"
	"github.com/guidebazaar/studlyff-sub000/metrics"
	"github.com/guidebazaar/studlyff-sub000/models"
)

// Graph moves an unordered pair of users through
// none -> pending -> connected. Connected is terminal.
type Graph struct {
	store db.Store
	opts  Options
}

func NewGraph(store db.Store, opts Options) *Graph {
	return &Graph{store: store, opts: opts.withDefaults()}
}

// Request creates a pending request from -> to. A live request in either
// direction, or an existing connection, is a Conflict.
func (g *Graph) Request(ctx context.Context, from, to string) (models.ConnectionRequest, error) {
	from, to, err := userPair(from, to, fromTo, true)
	if err != nil {
		return models.ConnectionRequest{}, err
	}

	now := g.opts.Now()
	req := models.ConnectionRequest{
		ID:        g.opts.NewID(),
		From:      from,
		To:        to,
		CreatedAt: now,
		ExpiresAt: now.Add(g.opts.TTL),
	}

	if err := g.store.CreateRequest(ctx, req); err != nil {
		return models.ConnectionRequest{}, g.fail(ctx, "request", err)
	}

	metrics.RequestsCreated.Inc()
	logging.Ctx(ctx).Debug().
		Str("connection_request_id", req.ID).
		Str("from", from).
		Str("to", to).
		Msg("connection request created")
	return req, nil
}

// ListIncoming returns live requests addressed to userID, oldest first.
func (g *Graph) ListIncoming(ctx context.Context, user string) ([]models.ConnectionRequest, error) {
	user, err := userID("user", user)
	if err != nil {
		return nil, err
	}

	requests, err := g.store.ListRequestsTo(ctx, user, g.opts.Now())
	if err != nil {
		return nil, g.fail(ctx, "list incoming", err)
	}
	return requests, nil
}

// Accept turns the live from -> to request into a connection. Only that
// direction is accepted: to is the recipient.
func (g *Graph) Accept(ctx context.Context, from, to string) (models.Connection, error) {
	from, to, err := userPair(from, to, fromTo, true)
	if err != nil {
		return models.Connection{}, err
	}

	conn := models.NewConnection(g.opts.NewID(), from, to, g.opts.Now())
	if err := g.store.AcceptRequest(ctx, from, to, conn); err != nil {
		return models.Connection{}, g.fail(ctx, "accept", err)
	}

	metrics.ConnectionsCreated.Inc()
	logging.Ctx(ctx).Debug().
		Str("connection_id", conn.ID).
		Str("from", from).
		Str("to", to).
		Msg("connection request accepted")
	return conn, nil
}

// Reject drops the from -> to request. Missing requests are not an error.
func (g *Graph) Reject(ctx context.Context, from, to string) error {
	from, to, err := userPair(from, to, fromTo, false)
	if err != nil {
		return err
	}

	deleted, err := g.store.DeleteRequest(ctx, from, to)
	if err != nil {
		return g.fail(ctx, "reject", err)
	}

	logging.Ctx(ctx).Debug().
		Str("from", from).
		Str("to", to).
		Bool("deleted", deleted).
		Msg("connection request rejected")
	return nil
}

// ListConnections returns the other member of each of user's connections,
// in the order the connections were made.
func (g *Graph) ListConnections(ctx context.Context, user string) ([]string, error) {
	user, err := userID("user", user)
	if err != nil {
		return nil, err
	}

	conns, err := g.store.ListConnections(ctx, user)
	if err != nil {
		return nil, g.fail(ctx, "list connections", err)
	}

	peers := make([]string, 0, len(conns))
	for _, c := range conns {
		peers = append(peers, c.Other(user))
	}
	return peers, nil
}

func (g *Graph) fail(ctx context.Context, op string, err error) error {
	return logFailure(ctx, op, fromStore(err))
}

// logFailure logs store failures; expected outcomes pass through quietly.
func logFailure(ctx context.Context, op string, err error) error {
	if KindOf(err) == KindStoreUnavailable {
		logging.Ctx(ctx).Error().Err(err).Str("operation", op).Msg("store operation failed")
	}
	return err
}
