// Package converger drives live infrastructure toward a recommended instance
// count and reports what actually happened.
package converger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/opscart/capacity-optimizer/pkg/cloud"
	"github.com/opscart/capacity-optimizer/pkg/models"
)

const (
	DefaultConcurrency  = 4
	DefaultCallTimeout  = 30 * time.Second
	DefaultCycleTimeout = 5 * time.Minute
	DefaultRetryBase    = 500 * time.Millisecond
	DefaultRetryMax     = 8 * time.Second
	DefaultMaxAttempts  = 5
)

// Option configures a Controller
type Option func(*Controller)

// WithConcurrency bounds the number of actuation calls in flight
func WithConcurrency(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithCallTimeout bounds each individual actuation attempt
func WithCallTimeout(d time.Duration) Option {
	return func(c *Controller) { c.callTimeout = d }
}

// WithCycleTimeout bounds the whole actuation phase
func WithCycleTimeout(d time.Duration) Option {
	return func(c *Controller) { c.cycleTimeout = d }
}

// WithRetry sets exponential backoff for transient errors
func WithRetry(base, max time.Duration, attempts int) Option {
	return func(c *Controller) {
		c.retryBase = base
		c.retryMax = max
		if attempts > 0 {
			c.maxAttempts = attempts
		}
	}
}

// WithLogger sets the controller logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithKeyFunc overrides idempotency key generation
func WithKeyFunc(fn func() string) Option {
	return func(c *Controller) { c.newKey = fn }
}

// WithClock overrides the time source for report timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller is the single writer of AllocationState. Only one Apply runs at
// a time; a concurrent call is rejected with models.ConcurrentCycleError.
type Controller struct {
	actuator cloud.Actuator

	concurrency  int
	callTimeout  time.Duration
	cycleTimeout time.Duration
	retryBase    time.Duration
	retryMax     time.Duration
	maxAttempts  int

	newKey func() string
	now    func() time.Time
	log    zerolog.Logger

	cycle    sync.Mutex
	since    atomic.Int64
	life     sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// New creates a controller driving actuator
func New(actuator cloud.Actuator, opts ...Option) *Controller {
	c := &Controller{
		actuator:     actuator,
		concurrency:  DefaultConcurrency,
		callTimeout:  DefaultCallTimeout,
		cycleTimeout: DefaultCycleTimeout,
		retryBase:    DefaultRetryBase,
		retryMax:     DefaultRetryMax,
		maxAttempts:  DefaultMaxAttempts,
		newKey:       uuid.NewString,
		now:          time.Now,
		log:          log.With().Str("component", "converger").Str("provider", actuator.Name()).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// operation is one launch or terminate together with its outcome
type operation struct {
	result models.OperationResult
	record models.InstanceRecord
	err    error
}

// Apply converges infrastructure on rec.RecommendedInstances. The returned
// state reflects what was observed, never the unfulfilled intent. An error is
// returned when the cycle could not run, or when every operation failed.
func (c *Controller) Apply(ctx context.Context, rec models.Recommendation, current models.AllocationState) (models.AllocationState, models.ConvergenceReport, error) {
	if err := c.begin(); err != nil {
		return current.Clone(), models.ConvergenceReport{}, err
	}
	defer c.inflight.Done()

	if !c.cycle.TryLock() {
		var since time.Time
		if ns := c.since.Load(); ns != 0 {
			since = time.Unix(0, ns)
		}
		return current.Clone(), models.ConvergenceReport{}, &models.ConcurrentCycleError{Since: since}
	}
	defer c.cycle.Unlock()

	started := c.now()
	c.since.Store(started.UnixNano())

	if err := ctx.Err(); err != nil {
		return current.Clone(), models.ConvergenceReport{}, fmt.Errorf("convergence not started: %w", err)
	}
	if rec.RecommendedInstances < 0 {
		return current.Clone(), models.ConvergenceReport{}, &models.ValidationError{
			Field:  "recommended_instances",
			Reason: fmt.Sprintf("must be >= 0, got %d", rec.RecommendedInstances),
		}
	}

	instanceType := rec.InstanceType
	if instanceType == "" {
		instanceType = current.InstanceType
	}

	active := current.Active()
	target := rec.RecommendedInstances
	delta := target - len(active)

	report := models.ConvergenceReport{
		ID:               uuid.NewString(),
		RecommendationID: rec.ID,
		Target:           target,
		ActiveBefore:     len(active),
		StartedAt:        started,
	}
	logger := c.log.With().Str("recommendation_id", rec.ID).Int("target", target).Int("delta", delta).Logger()

	if delta == 0 {
		state := current.Clone()
		state.InstanceType = instanceType
		state.DesiredCount = target
		report.Status = models.StatusConverged
		report.ActiveAfter = len(active)
		report.FinishedAt = c.now()
		logger.Debug().Msg("Allocation already converged")
		return state, report, nil
	}

	logger.Info().Int("active", len(active)).Msg("Converging allocation")

	ops := c.actuate(ctx, instanceType, delta, active)
	state, verifyErr := c.verify(ctx, current, instanceType, ops)
	state.DesiredCount = target

	var firstErr error
	permanent := false
	for _, op := range ops {
		report.Operations = append(report.Operations, op.result)
		if !op.result.Succeeded {
			if firstErr == nil {
				firstErr = op.err
			}
			permanent = permanent || models.IsPermanent(op.err)
			continue
		}
		if op.result.Kind == models.OperationLaunch {
			report.Launched = append(report.Launched, op.result.InstanceID)
		} else {
			report.Terminated = append(report.Terminated, op.result.InstanceID)
		}
	}
	if verifyErr != nil {
		report.VerificationError = verifyErr.Error()
	}

	report.ActiveAfter = len(state.Active())
	report.FinishedAt = c.now()

	succeeded := report.Succeeded()
	failed := len(report.Operations) - succeeded

	switch {
	case report.ActiveAfter == target:
		report.Status = models.StatusConverged
	case succeeded == 0 && permanent:
		report.Status = models.StatusFailed
	default:
		report.Status = models.StatusPartiallyConverged
	}

	event := logger.Info()
	if report.Status != models.StatusConverged {
		event = logger.Warn()
	}
	event.Str("status", string(report.Status)).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Int("active_after", report.ActiveAfter).
		Dur("duration", report.FinishedAt.Sub(started)).
		Msg("Convergence finished")

	switch {
	case report.Status == models.StatusFailed:
		return state, report, fmt.Errorf("convergence failed, all %d operations failed: %w", failed, firstErr)
	case succeeded == 0 && failed > 0:
		// Retries ran out without a permanent error; the next cycle tries again
		return state, report, fmt.Errorf("convergence made no progress, %d operations still failing: %w", failed, firstErr)
	}
	return state, report, nil
}

// Shutdown rejects new cycles and waits for the running one to finish
func (c *Controller) Shutdown(ctx context.Context) error {
	c.life.Lock()
	c.closing = true
	c.life.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for convergence cycle: %w", ctx.Err())
	}
}

func (c *Controller) begin() error {
	c.life.Lock()
	defer c.life.Unlock()
	if c.closing {
		return models.ErrShuttingDown
	}
	c.inflight.Add(1)
	return nil
}

// actuate issues the launches or terminations for delta on a bounded pool.
// Calls run detached from ctx so a cancelled caller cannot abandon them
// half-done; the cycle deadline still applies.
func (c *Controller) actuate(ctx context.Context, instanceType string, delta int, active []models.InstanceRecord) []operation {
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cycleTimeout)
	defer cancel()

	var ops []operation
	if delta > 0 {
		ops = make([]operation, delta)
		for i := range ops {
			ops[i].result = models.OperationResult{Kind: models.OperationLaunch, IdempotencyKey: c.newKey()}
		}
	} else {
		victims := append([]models.InstanceRecord(nil), active...)
		models.SortOldestFirst(victims)
		ops = make([]operation, -delta)
		for i := range ops {
			ops[i].result = models.OperationResult{
				Kind:           models.OperationTerminate,
				InstanceID:     victims[i].ID,
				IdempotencyKey: c.newKey(),
			}
			ops[i].record = victims[i]
		}
	}

	p := pool.New().WithMaxGoroutines(c.concurrency)
	for i := range ops {
		op := &ops[i]
		p.Go(func() {
			var err error
			if op.result.Kind == models.OperationLaunch {
				op.result.Attempts, err = c.retry(ctx, cycleCtx, func(callCtx context.Context) error {
					record, err := c.actuator.Launch(callCtx, instanceType, op.result.IdempotencyKey)
					if err == nil {
						op.record = record
						op.result.InstanceID = record.ID
					}
					return err
				})
			} else {
				op.result.Attempts, err = c.retry(ctx, cycleCtx, func(callCtx context.Context) error {
					return c.actuator.Terminate(callCtx, op.result.InstanceID, op.result.IdempotencyKey)
				})
			}

			if err != nil {
				op.err = fmt.Errorf("%s %s: %w", op.result.Kind, op.result.IdempotencyKey, err)
				op.result.Error = err.Error()
				c.log.Warn().Err(err).
					Str("kind", string(op.result.Kind)).
					Str("instance_id", op.result.InstanceID).
					Int("attempts", op.result.Attempts).
					Msg("Actuation failed")
				return
			}
			op.result.Succeeded = true
		})
	}
	p.Wait()

	return ops
}

// retry runs call until it succeeds, fails permanently or runs out of
// attempts. Caller cancellation stops further attempts but never interrupts
// one already in flight.
func (c *Controller) retry(ctx, cycleCtx context.Context, call func(context.Context) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := cycleCtx.Err(); err != nil {
			if lastErr == nil {
				lastErr = &models.TransientCloudError{Op: "actuate", Err: err}
			}
			return attempt, fmt.Errorf("cycle deadline exceeded: %w", lastErr)
		}

		callCtx, cancel := context.WithTimeout(cycleCtx, c.callTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if models.IsPermanent(err) || attempt+1 == c.maxAttempts {
			return attempt + 1, err
		}

		timer := time.NewTimer(c.backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, fmt.Errorf("retry abandoned: %w", err)
		case <-cycleCtx.Done():
			timer.Stop()
			return attempt + 1, fmt.Errorf("cycle deadline exceeded: %w", err)
		}
	}
	return c.maxAttempts, lastErr
}

func (c *Controller) backoff(attempt int) time.Duration {
	if attempt >= 32 {
		return c.retryMax
	}
	d := c.retryBase << attempt
	if d <= 0 || d > c.retryMax {
		return c.retryMax
	}
	return d
}

// verify re-lists the provider and judges each operation against what is
// observed. If listing fails, the state is rebuilt from confirmed call results.
func (c *Controller) verify(ctx context.Context, current models.AllocationState, instanceType string, ops []operation) (models.AllocationState, error) {
	listCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout)
	defer cancel()

	observed, err := c.actuator.ListInstances(listCtx)
	if err != nil {
		c.log.Error().Err(err).Msg("Verification listing failed, reconstructing state from call results")
		return reconstruct(current, instanceType, ops), fmt.Errorf("verify: %w", err)
	}

	activeIDs := make(map[string]bool, len(observed))
	for _, r := range observed {
		if r.State.IsActive() {
			activeIDs[r.ID] = true
		}
	}

	for i := range ops {
		op := &ops[i]
		if !op.result.Succeeded {
			continue
		}
		switch {
		case op.result.Kind == models.OperationLaunch && !activeIDs[op.result.InstanceID]:
			op.err = &models.PermanentCloudError{Op: "verify", Err: fmt.Errorf("launched instance %s not observed as active", op.result.InstanceID)}
		case op.result.Kind == models.OperationTerminate && activeIDs[op.result.InstanceID]:
			op.err = &models.PermanentCloudError{Op: "verify", Err: fmt.Errorf("terminated instance %s still observed as active", op.result.InstanceID)}
		default:
			continue
		}
		op.result.Succeeded = false
		op.result.Error = op.err.Error()
	}

	return models.AllocationState{
		InstanceType: instanceType,
		Instances:    observed,
	}, nil
}

func reconstruct(current models.AllocationState, instanceType string, ops []operation) models.AllocationState {
	state := current.Clone()
	state.InstanceType = instanceType

	terminated := make(map[string]bool)
	for _, op := range ops {
		if !op.result.Succeeded {
			continue
		}
		if op.result.Kind == models.OperationLaunch {
			state.Instances = append(state.Instances, op.record)
		} else {
			terminated[op.result.InstanceID] = true
		}
	}
	for i := range state.Instances {
		if terminated[state.Instances[i].ID] {
			state.Instances[i].State = models.InstanceTerminating
		}
	}
	return state
}

// IsRejected reports whether err means Apply did not run at all
func IsRejected(err error) bool {
	var concurrent *models.ConcurrentCycleError
	return errors.As(err, &concurrent) || errors.Is(err, models.ErrShuttingDown)
}
