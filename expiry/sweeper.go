// Package expiry physically removes expired connection requests and
// messages. Reads already hide them, so a sweep only bounds storage.
package expiry

import (
	"context"
	"time"

	"github.com/guidebazaar/studlyff-sub000/db"
	"github.com/guidebazaar/studlyff-sub000/logging"
	"github.com/guidebazaar/studlyff-sub000/metrics"
)

const DefaultInterval = time.Minute

// Sweeper calls Store.PurgeExpired on a fixed interval. It implements
// suture.Service.
type Sweeper struct {
	store    db.Store
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(store db.Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{store: store, interval: interval, now: time.Now}
}

// Serve sweeps once at start and then every interval until ctx is done.
// Failed sweeps are logged and retried on the next tick.
func (s *Sweeper) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", s.interval).Msg("expiry sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		_, _ = s.Sweep(ctx)

		select {
		case <-ctx.Done():
			logging.Info().Msg("expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs a single purge.
func (s *Sweeper) Sweep(ctx context.Context) (db.PurgeResult, error) {
	start := time.Now()
	result, err := s.store.PurgeExpired(ctx, s.now())
	metrics.RecordPurge(result.Requests, result.Messages, err)

	if err != nil {
		if ctx.Err() == nil {
			logging.Error().Err(err).Msg("expiry sweep failed")
		}
		return result, err
	}

	event := logging.Debug()
	if result.Requests > 0 || result.Messages > 0 {
		event = logging.Info()
	}
	event.
		Int64("requests", result.Requests).
		Int64("messages", result.Messages).
		Dur("took", time.Since(start)).
		Msg("expiry sweep finished")
	return result, nil
}

func (s *Sweeper) String() string {
	return "expiry-sweeper"
}
