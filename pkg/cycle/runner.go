package cycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opscart/capacity-optimizer/pkg/converger"
	"github.com/opscart/capacity-optimizer/pkg/recommender"
)

const (
	DefaultInterval        = 10 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
)

// Runner repeats a cycle on a fixed interval until its context ends
type Runner struct {
	cycle           *Cycle
	policy          recommender.PolicyConfig
	interval        time.Duration
	shutdownTimeout time.Duration
	log             zerolog.Logger

	// ran is signalled after every cycle; tests use it to step the loop
	ran chan<- error
}

func NewRunner(cycle *Cycle, policy recommender.PolicyConfig, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Runner{
		cycle:           cycle,
		policy:          policy,
		interval:        interval,
		shutdownTimeout: DefaultShutdownTimeout,
		log:             log.With().Str("component", "runner").Logger(),
	}
}

// Run executes a cycle immediately and then once per interval. When ctx is
// done it stops scheduling, waits for the running convergence to drain and
// returns the shutdown error, if any.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.interval).Msg("Optimizer loop started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	rec, report, err := r.cycle.RunOnce(ctx, r.policy)
	switch {
	case err == nil:
		r.log.Info().
			Str("action", string(rec.Action)).
			Int("recommended", rec.RecommendedInstances).
			Str("status", string(report.Status)).
			Msg("Cycle completed")
	case converger.IsRejected(err):
		r.log.Debug().Err(err).Msg("Cycle skipped")
	default:
		r.log.Error().Err(err).Msg("Cycle failed")
	}

	if r.ran != nil {
		r.ran <- err
	}
}

func (r *Runner) shutdown() error {
	r.log.Info().Msg("Shutting down, waiting for in-flight convergence")

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	if err := r.cycle.Shutdown(ctx); err != nil {
		r.log.Error().Err(err).Msg("Shutdown timed out")
		return err
	}
	r.log.Info().Msg("Shutdown complete")
	return nil
}
