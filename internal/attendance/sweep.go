package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// SweeperConfig controls the background sweep cadence. Transitions are idempotent, so the
// intervals only trade freshness of stored aggregates against store load.
type SweeperConfig struct {
	Interval          time.Duration
	BatchSize         int
	ReconcileInterval time.Duration
}

// Sweeper periodically expires overdue presences, marks missed schedules as no-shows and
// reconciles gym counters.
type Sweeper struct {
	engine           *Engine
	cfg              SweeperConfig
	logger           zerolog.Logger
	lastReconcile    time.Time
	shutdownComplete chan struct{}
}

// NewSweeper constructs a Sweeper.
func NewSweeper(engine *Engine, cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Sweeper{
		engine:           engine,
		cfg:              cfg,
		logger:           logger,
		shutdownComplete: make(chan struct{}),
	}
}

// Start launches the sweep loop. It should be called in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer func() {
		ticker.Stop()
		close(s.shutdownComplete)
	}()

	for {
		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("sweep failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until the sweeper stops.
func (s *Sweeper) Wait() {
	<-s.shutdownComplete
}

// RunOnce performs one expiry and no-show pass, reconciling counters when the reconcile
// interval has elapsed.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	expired, expireErr := s.engine.ExpireOverdue(ctx, s.cfg.BatchSize)
	recordSweep("presence_expired", expired)

	noShows, noShowErr := s.engine.SweepNoShows(ctx, s.cfg.BatchSize)
	recordSweep("schedule_no_show", noShows)

	var reconcileErr error
	drifted := 0
	now := s.engine.now()
	if s.cfg.ReconcileInterval > 0 && now.Sub(s.lastReconcile) >= s.cfg.ReconcileInterval {
		drifted, reconcileErr = s.engine.ReconcileAll(ctx)
		if reconcileErr == nil {
			s.lastReconcile = now
		}
	}

	if expired > 0 || noShows > 0 || drifted > 0 {
		s.logger.Info().
			Int("expired", expired).
			Int("no_shows", noShows).
			Int("drifted_gyms", drifted).
			Msg("sweep complete")
	}
	return errors.Join(expireErr, noShowErr, reconcileErr)
}
