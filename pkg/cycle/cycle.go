// Package cycle wires metrics, forecasts, the policy engine and the
// convergence controller into one optimization cycle.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opscart/capacity-optimizer/pkg/cloud"
	"github.com/opscart/capacity-optimizer/pkg/converger"
	"github.com/opscart/capacity-optimizer/pkg/datasource"
	"github.com/opscart/capacity-optimizer/pkg/forecast"
	"github.com/opscart/capacity-optimizer/pkg/models"
	"github.com/opscart/capacity-optimizer/pkg/output"
	"github.com/opscart/capacity-optimizer/pkg/pricing"
	"github.com/opscart/capacity-optimizer/pkg/recommender"
	"github.com/opscart/capacity-optimizer/pkg/storage"
)

const (
	DefaultHorizon  = 12
	DefaultPool     = "default"
	auditExecutedBy = "capacity-optimizer"
)

// Deps are the collaborators a cycle drives. Store and Handler are optional.
type Deps struct {
	Source     datasource.MetricsSource
	Predictor  datasource.Predictor
	Rates      pricing.RateSource
	Engine     *recommender.Engine
	Controller *converger.Controller
	Store      storage.Store
	Handler    output.Handler
}

type Option func(*Cycle)

// WithPool names the managed pool in storage and published events
func WithPool(pool string) Option {
	return func(c *Cycle) { c.pool = pool }
}

// WithHorizon sets the number of forecast steps requested per metric
func WithHorizon(steps int) Option {
	return func(c *Cycle) {
		if steps > 0 {
			c.horizon = steps
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Cycle) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cycle) { c.now = now }
}

// Cycle owns the allocation state between runs. Only one RunOnce may be in
// progress; the state is replaced solely by the controller's result.
type Cycle struct {
	deps Deps

	running sync.Mutex
	since   time.Time

	mu        sync.RWMutex
	state     models.AllocationState
	haveRates bool
	closing   bool

	pool    string
	horizon int
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a cycle starting from initial
func New(deps Deps, initial models.AllocationState, opts ...Option) (*Cycle, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("cycle: metrics source required")
	case deps.Predictor == nil:
		return nil, fmt.Errorf("cycle: predictor required")
	case deps.Rates == nil:
		return nil, fmt.Errorf("cycle: rate source required")
	case deps.Engine == nil || deps.Controller == nil:
		return nil, fmt.Errorf("cycle: engine and controller required")
	}

	c := &Cycle{
		deps:    deps,
		state:   initial.Clone(),
		pool:    DefaultPool,
		horizon: DefaultHorizon,
		now:     time.Now,
		log:     log.With().Str("component", "cycle").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("pool", c.pool).Logger()
	return c, nil
}

// State returns a copy of the current allocation
func (c *Cycle) State() models.AllocationState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// RunOnce performs one full cycle: sample, forecast, recommend, converge,
// record. Input and pricing errors abort before any infrastructure call.
// The returned report is zero when convergence did not start.
func (c *Cycle) RunOnce(ctx context.Context, policy recommender.PolicyConfig) (models.Recommendation, models.ConvergenceReport, error) {
	if !c.running.TryLock() {
		return models.Recommendation{}, models.ConvergenceReport{}, &models.ConcurrentCycleError{Since: c.startedAt()}
	}
	defer c.running.Unlock()
	if c.isClosing() {
		return models.Recommendation{}, models.ConvergenceReport{}, models.ErrShuttingDown
	}
	c.setStartedAt(c.now())

	if err := c.refreshRates(ctx); err != nil {
		return models.Recommendation{}, models.ConvergenceReport{}, err
	}

	sample, err := c.deps.Source.Latest(ctx)
	if err != nil {
		return models.Recommendation{}, models.ConvergenceReport{}, fmt.Errorf("failed to sample metrics from %s: %w", c.deps.Source.Name(), err)
	}

	outlook, err := c.outlook(ctx)
	if err != nil {
		return models.Recommendation{}, models.ConvergenceReport{}, err
	}

	current := c.State()
	rec, err := c.deps.Engine.Recommend(current, sample, outlook, policy)
	if err != nil {
		return models.Recommendation{}, models.ConvergenceReport{}, fmt.Errorf("recommendation failed: %w", err)
	}

	c.log.Info().
		Str("action", string(rec.Action)).
		Int("current", rec.CurrentInstances).
		Int("recommended", rec.RecommendedInstances).
		Msg(rec.Reason)

	c.saveRecommendation(ctx, &rec)

	state, report, applyErr := c.deps.Controller.Apply(ctx, rec, current)
	if report.ID == "" {
		// Rejected or invalid before any call: state untouched, nothing to record
		return rec, report, applyErr
	}

	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.record(ctx, rec, report, state, applyErr)
	return rec, report, applyErr
}

// Shutdown stops new cycles and waits for in-flight convergence
func (c *Cycle) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	return c.deps.Controller.Shutdown(ctx)
}

func (c *Cycle) isClosing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

func (c *Cycle) refreshRates(ctx context.Context) error {
	rates, err := c.deps.Rates.Rates(ctx)
	if err == nil {
		err = pricing.ValidateRates(rates)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.haveRates {
			c.log.Warn().Err(err).Str("source", c.deps.Rates.Name()).Msg("Rate refresh failed, keeping previous rates")
			return nil
		}
		return fmt.Errorf("failed to load rates from %s: %w", c.deps.Rates.Name(), err)
	}

	c.deps.Engine.SetRates(rates)
	c.haveRates = true
	return nil
}

// outlook forecasts CPU and memory. An unavailable predictor degrades to
// current utilization only; a malformed forecast aborts the cycle.
func (c *Cycle) outlook(ctx context.Context) (forecast.Outlook, error) {
	var outlook forecast.Outlook
	for _, metric := range []models.Metric{models.MetricCPU, models.MetricMemory} {
		raw, err := c.deps.Predictor.Forecast(ctx, metric, c.horizon)
		if err != nil {
			var verr *models.ValidationError
			if errors.As(err, &verr) || ctx.Err() != nil {
				return forecast.Outlook{}, fmt.Errorf("forecast for %s: %w", metric, err)
			}
			c.log.Warn().Err(err).Str("metric", string(metric)).Str("predictor", c.deps.Predictor.Name()).
				Msg("Forecast unavailable, using current utilization")
			continue
		}

		nf, err := forecast.Normalize(raw, c.horizon)
		if err != nil {
			return forecast.Outlook{}, fmt.Errorf("forecast for %s: %w", metric, err)
		}
		if nf.Clipped > 0 || nf.Dropped > 0 {
			c.log.Debug().Str("metric", string(metric)).Int("clipped", nf.Clipped).Int("dropped", nf.Dropped).
				Msg("Forecast normalized")
		}

		switch metric {
		case models.MetricCPU:
			outlook.CPU = nf
		case models.MetricMemory:
			outlook.Memory = nf
		}
	}
	return outlook, nil
}

func (c *Cycle) saveRecommendation(ctx context.Context, rec *models.Recommendation) {
	if c.deps.Store == nil {
		return
	}
	if err := c.deps.Store.SaveRecommendation(ctx, rec); err != nil {
		c.log.Warn().Err(err).Str("recommendation_id", rec.ID).Msg("Failed to save recommendation")
	}
}

// record persists the outcome and publishes it. Failures here are logged and
// never fail the cycle: the infrastructure change already happened.
func (c *Cycle) record(ctx context.Context, rec models.Recommendation, report models.ConvergenceReport, state models.AllocationState, applyErr error) {
	// Persist even when the caller has gone away
	ctx = context.WithoutCancel(ctx)

	if store := c.deps.Store; store != nil {
		if err := store.SaveReport(ctx, &report); err != nil {
			c.log.Warn().Err(err).Str("report_id", report.ID).Msg("Failed to save convergence report")
		}
		if err := store.SaveAllocation(ctx, c.pool, state); err != nil {
			c.log.Warn().Err(err).Msg("Failed to save allocation")
		}
		entry := auditEntry(rec, report, applyErr)
		if err := store.LogAction(ctx, &entry); err != nil {
			c.log.Warn().Err(err).Msg("Failed to write audit entry")
		}
	}

	if c.deps.Handler != nil {
		event := output.CycleEvent{
			Pool:           c.pool,
			Recommendation: rec,
			Report:         &report,
			EmittedAt:      c.now(),
		}
		if applyErr != nil {
			event.Error = applyErr.Error()
		}
		if err := c.deps.Handler.Emit(ctx, event); err != nil {
			c.log.Warn().Err(err).Str("handler", c.deps.Handler.Format()).Msg("Failed to publish cycle result")
		}
	}
}

func auditEntry(rec models.Recommendation, report models.ConvergenceReport, applyErr error) models.AuditEntry {
	entry := models.AuditEntry{
		RecommendationID: rec.ID,
		Action:           "APPLIED",
		ExecutedBy:       auditExecutedBy,
		ExecutedAt:       report.FinishedAt,
	}
	if len(report.Operations) == 0 {
		entry.Action = "SKIPPED"
	}

	switch report.Status {
	case models.StatusConverged:
		entry.Status = "SUCCESS"
	case models.StatusPartiallyConverged:
		entry.Status = "PARTIAL"
	default:
		entry.Status = "FAILED"
	}

	switch {
	case applyErr != nil:
		entry.ErrorMessage = applyErr.Error()
	case len(report.Failures()) > 0:
		entry.ErrorMessage = report.Failures()[0].Error
	case report.VerificationError != "":
		entry.ErrorMessage = report.VerificationError
	}
	return entry
}

func (c *Cycle) startedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.since
}

func (c *Cycle) setStartedAt(t time.Time) {
	c.mu.Lock()
	c.since = t
	c.mu.Unlock()
}

// LoadState builds the starting allocation from what the provider reports.
// The desired count comes from the stored snapshot when there is one,
// otherwise from the active instance count.
func LoadState(ctx context.Context, actuator cloud.Actuator, store storage.Store, pool, instanceType string) (models.AllocationState, error) {
	instances, err := actuator.ListInstances(ctx)
	if err != nil {
		return models.AllocationState{}, fmt.Errorf("failed to list instances from %s: %w", actuator.Name(), err)
	}

	state := models.AllocationState{InstanceType: instanceType, Instances: instances}
	state.DesiredCount = len(state.Active())

	if store != nil {
		saved, err := store.LoadAllocation(ctx, pool)
		switch {
		case err == nil:
			state.DesiredCount = saved.DesiredCount
			if instanceType == "" {
				state.InstanceType = saved.InstanceType
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			log.Warn().Err(err).Str("pool", pool).Msg("Failed to load saved allocation, using observed count")
		}
	}

	return state, nil
}
