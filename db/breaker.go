package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/guidebazaar/studlyff-sub000/logging"
	"github.com/guidebazaar/studlyff-sub000/metrics"
	"github.com/guidebazaar/studlyff-sub000/models"
)

type BreakerOptions struct {
	// FailureThreshold consecutive infrastructure failures open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests probes are let through while half-open.
	HalfOpenRequests uint32
}

// breakerStore fails fast with ErrUnavailable while the wrapped store
// keeps failing. Domain sentinels and caller cancellation are successes
// as far as the breaker is concerned.
type breakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

// WithBreaker wraps next in a circuit breaker.
func WithBreaker(next Store, opts BreakerOptions) Store {
	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: opts.HalfOpenRequests,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				IsDomainError(err) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.StoreBreakerState.Set(float64(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state changed")
		},
	}

	return &breakerStore{next: next, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func execute[T any](b *breakerStore, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	v, _ := res.(T)
	return v, err
}

func (b *breakerStore) CreateRequest(ctx context.Context, req models.ConnectionRequest) error {
	_, err := execute(b, func() (struct{}, error) {
		return struct{}{}, b.next.CreateRequest(ctx, req)
	})
	return err
}

func (b *breakerStore) ListRequestsTo(ctx context.Context, userID string, now time.Time) ([]models.ConnectionRequest, error) {
	return execute(b, func() ([]models.ConnectionRequest, error) {
		return b.next.ListRequestsTo(ctx, userID, now)
	})
}

func (b *breakerStore) DeleteRequest(ctx context.Context, from, to string) (bool, error) {
	return execute(b, func() (bool, error) {
		return b.next.DeleteRequest(ctx, from, to)
	})
}

func (b *breakerStore) AcceptRequest(ctx context.Context, from, to string, conn models.Connection) error {
	_, err := execute(b, func() (struct{}, error) {
		return struct{}{}, b.next.AcceptRequest(ctx, from, to, conn)
	})
	return err
}

func (b *breakerStore) ConnectionExists(ctx context.Context, a, c string) (bool, error) {
	return execute(b, func() (bool, error) {
		return b.next.ConnectionExists(ctx, a, c)
	})
}

func (b *breakerStore) ListConnections(ctx context.Context, userID string) ([]models.Connection, error) {
	return execute(b, func() ([]models.Connection, error) {
		return b.next.ListConnections(ctx, userID)
	})
}

func (b *breakerStore) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	return execute(b, func() (models.Message, error) {
		return b.next.CreateMessage(ctx, msg)
	})
}

func (b *breakerStore) ListMessages(ctx context.Context, a, c string, now time.Time) ([]models.Message, error) {
	return execute(b, func() ([]models.Message, error) {
		return b.next.ListMessages(ctx, a, c, now)
	})
}

func (b *breakerStore) DeleteMessages(ctx context.Context, a, c string) (int64, error) {
	return execute(b, func() (int64, error) {
		return b.next.DeleteMessages(ctx, a, c)
	})
}

func (b *breakerStore) PurgeExpired(ctx context.Context, now time.Time) (PurgeResult, error) {
	return execute(b, func() (PurgeResult, error) {
		return b.next.PurgeExpired(ctx, now)
	})
}

func (b *breakerStore) Ping(ctx context.Context) error {
	_, err := execute(b, func() (struct{}, error) {
		return struct{}{}, b.next.Ping(ctx)
	})
	return err
}

// Close bypasses the breaker: shutdown must reach the backend.
func (b *breakerStore) Close() error {
	return b.next.Close()
}
