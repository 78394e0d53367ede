// Package sweeper periodically erases containers that expired or ran out of
// views without being redeemed to completion, and trims old bookkeeping.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/barvault/pkg/models"
)

// Ledger is the view ledger as seen by the sweeper.
type Ledger interface {
	ListExpired(ctx context.Context) ([]*models.LedgerRecord, error)
	ListExhausted(ctx context.Context) ([]*models.LedgerRecord, error)
	BeginDestroy(ctx context.Context, resourceID string) error
	MarkDestroyed(ctx context.Context, resourceID string) error
	PurgeDestroyed(ctx context.Context, retention time.Duration) (int64, error)
}

// Eraser destroys stored container bytes.
type Eraser interface {
	Erase(ctx context.Context, key string) error
}

// AttemptPruner drops stale credential attempts.
type AttemptPruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Config tunes the sweep loop.
type Config struct {
	Interval time.Duration
	// Retention is how long destroyed ledger rows are kept after erasure.
	Retention time.Duration
	// RunTimeout bounds one sweep.
	RunTimeout time.Duration
}

// DefaultConfig sweeps every minute and keeps destroyed rows for 7 days.
func DefaultConfig() Config {
	return Config{
		Interval:   time.Minute,
		Retention:  7 * 24 * time.Hour,
		RunTimeout: 30 * time.Second,
	}
}

// Stats summarises one sweep.
type Stats struct {
	Erased int
	Failed int
	Purged int64
	Pruned int64
}

// Sweeper runs the cleanup loop.
type Sweeper struct {
	ledger  Ledger
	eraser  Eraser
	pruner  AttemptPruner
	cfg     Config
	onSweep func(Stats)
}

// New creates a Sweeper. pruner may be nil.
func New(l Ledger, e Eraser, pruner AttemptPruner, cfg Config) *Sweeper {
	def := DefaultConfig()
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Sweeper{ledger: l, eraser: e, pruner: pruner, cfg: cfg}
}

// OnSweep registers a callback invoked with the stats of every sweep.
func (s *Sweeper) OnSweep(fn func(Stats)) *Sweeper {
	s.onSweep = fn
	return s
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		log.Error().Dur("interval", s.cfg.Interval).Msg("sweeper disabled: interval must be positive")
		return nil
	}
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) Stats {
	var st Stats
	if ctx.Err() != nil {
		return st
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	seen := make(map[string]bool)
	for _, list := range []func(context.Context) ([]*models.LedgerRecord, error){s.ledger.ListExpired, s.ledger.ListExhausted} {
		recs, err := list(cctx)
		if err != nil {
			logSweepErr(err, "listing containers to erase")
			continue
		}
		for _, rec := range recs {
			if seen[rec.ResourceID] {
				continue
			}
			seen[rec.ResourceID] = true
			if err := s.destroy(cctx, rec); err != nil {
				st.Failed++
				logSweepErr(err, "erasing container")
				continue
			}
			st.Erased++
		}
	}

	purged, err := s.ledger.PurgeDestroyed(cctx, s.cfg.Retention)
	if err != nil {
		logSweepErr(err, "purging destroyed records")
	}
	st.Purged = purged

	if s.pruner != nil {
		pruned, err := s.pruner.Prune(cctx)
		if err != nil {
			logSweepErr(err, "pruning attempts")
		}
		st.Pruned = pruned
	}

	if st.Erased > 0 || st.Failed > 0 || st.Purged > 0 {
		log.Info().
			Int("erased", st.Erased).
			Int("failed", st.Failed).
			Int64("purged", st.Purged).
			Int64("pruned", st.Pruned).
			Msg("sweep complete")
	}
	if s.onSweep != nil {
		s.onSweep(st)
	}
	return st
}

// destroy flags the record destroyed, erases its bytes, then records the
// erase. A failed erase leaves the record flagged and listed for retry.
func (s *Sweeper) destroy(ctx context.Context, rec *models.LedgerRecord) error {
	if !rec.Destroyed {
		if err := s.ledger.BeginDestroy(ctx, rec.ResourceID); err != nil {
			return err
		}
	}
	if err := s.eraser.Erase(ctx, rec.BlobKey); err != nil {
		return err
	}
	return s.ledger.MarkDestroyed(ctx, rec.ResourceID)
}

// logSweepErr stays quiet about cancellation during shutdown.
func logSweepErr(err error, msg string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	log.Error().Err(err).Msg(msg)
}
