package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guidebazaar/studlyff-sub000/config"
	"github.com/guidebazaar/studlyff-sub000/metrics"
	"github.com/guidebazaar/studlyff-sub000/models"
)

var (
	// ErrRequestExists: a live request already exists for the unordered pair.
	ErrRequestExists = errors.New("connection request already pending")
	// ErrAlreadyConnected: a connection already exists for the pair.
	ErrAlreadyConnected = errors.New("users are already connected")
	// ErrRequestNotFound: no live request for the ordered pair.
	ErrRequestNotFound = errors.New("connection request not found")
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("store is closed")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("store unavailable")
)

// IsDomainError reports whether err is an expected outcome of a store
// operation rather than an infrastructure failure.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrRequestExists) ||
		errors.Is(err, ErrAlreadyConnected) ||
		errors.Is(err, ErrRequestNotFound)
}

// PurgeResult counts records removed by PurgeExpired.
type PurgeResult struct {
	Requests int64
	Messages int64
}

// Store persists connection requests, connections and messages.
//
// Every method is atomic. Methods that take a record use its CreatedAt as
// the current time for expiry checks; list methods take now explicitly.
// Records with ExpiresAt <= now are never returned.
type Store interface {
	// CreateRequest fails with ErrRequestExists if a live request exists for
	// either direction of the pair, and with ErrAlreadyConnected if the pair
	// is connected.
	CreateRequest(ctx context.Context, req models.ConnectionRequest) error
	ListRequestsTo(ctx context.Context, userID string, now time.Time) ([]models.ConnectionRequest, error)
	// DeleteRequest removes the (from, to) request and reports whether one existed.
	DeleteRequest(ctx context.Context, from, to string) (bool, error)
	// AcceptRequest removes the live (from, to) request and inserts conn in
	// one transaction. If the pair is already connected a leftover request
	// is still removed and ErrAlreadyConnected is returned.
	AcceptRequest(ctx context.Context, from, to string, conn models.Connection) error

	ConnectionExists(ctx context.Context, a, b string) (bool, error)
	ListConnections(ctx context.Context, userID string) ([]models.Connection, error)

	// CreateMessage stores msg and returns it with Seq assigned.
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	// ListMessages returns messages in both directions, ordered by (CreatedAt, Seq).
	ListMessages(ctx context.Context, a, b string, now time.Time) ([]models.Message, error)
	DeleteMessages(ctx context.Context, a, b string) (int64, error)

	PurgeExpired(ctx context.Context, now time.Time) (PurgeResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the configured backend, wrapped in a circuit breaker when enabled.
func Open(cfg *config.Config) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Store.Driver {
	case config.DriverSQLite:
		store, err = NewSQLite(cfg.Store.Path, cfg.Store.BusyTimeout)
	case config.DriverBadger:
		store, err = NewBadger(BadgerOptions{Path: cfg.Store.Path, InMemory: cfg.Store.InMemory})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Breaker.Enabled {
		store = WithBreaker(store, BreakerOptions{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
			HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
		})
	}
	return store, nil
}

// observe records a store call. Use as: defer observe(driver, "op", time.Now(), &err).
func observe(driver, op string, start time.Time, errp *error) {
	var err error
	if errp != nil && *errp != nil && !IsDomainError(*errp) {
		err = *errp
	}
	metrics.RecordStoreOp(driver, op, time.Since(start), err)
}
