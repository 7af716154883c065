// Package recommender turns metrics, forecasts and the current allocation into
// a scaling recommendation with hysteresis.
package recommender

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opscart/capacity-optimizer/pkg/forecast"
	"github.com/opscart/capacity-optimizer/pkg/models"
	"github.com/opscart/capacity-optimizer/pkg/pricing"
)

type direction int

const (
	directionNone direction = iota
	directionUp
	directionDown
)

func (d direction) String() string {
	switch d {
	case directionUp:
		return "scale-up"
	case directionDown:
		return "scale-down"
	}
	return "none"
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine is the recommendation policy engine. Apart from the hysteresis
// streak it is a pure function of its inputs; it never touches infrastructure.
// It is safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	rates models.RateTable
	now   func() time.Time
	log   zerolog.Logger

	// hysteresis state, reset whenever the policy changes
	policy    PolicyConfig
	hasPolicy bool
	streakDir direction
	streak    int
	settled   bool
}

// New creates an engine pricing recommendations with rates
func New(rates models.RateTable, opts ...Option) *Engine {
	e := &Engine{
		rates:   rates,
		now:     time.Now,
		log:     log.With().Str("component", "recommender").Logger(),
		settled: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetRates swaps the rate table, e.g. after a live pricing refresh
func (e *Engine) SetRates(rates models.RateTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rates = rates
}

// Recommend evaluates one cycle. Validation and pricing errors abort the
// evaluation without advancing the hysteresis state.
func (e *Engine) Recommend(current models.AllocationState, sample models.MetricSample, outlook forecast.Outlook, policy PolicyConfig) (models.Recommendation, error) {
	if err := policy.Validate(); err != nil {
		return models.Recommendation{}, err
	}
	if err := sample.Validate(); err != nil {
		return models.Recommendation{}, err
	}
	if current.DesiredCount < 0 {
		return models.Recommendation{}, &models.ValidationError{
			Field:  "desired_count",
			Reason: fmt.Sprintf("must be >= 0, got %d", current.DesiredCount),
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Price check first so a bad instance type can't consume a hysteresis cycle
	if _, err := pricing.Estimate(current.InstanceType, 0, e.rates); err != nil {
		return models.Recommendation{}, err
	}

	if !e.hasPolicy || e.policy != policy {
		e.resetLocked(policy)
	}

	predictedCPU := math.Max(sample.CPUUsage, outlook.PeakFor(models.MetricCPU))
	predictedMem := math.Max(sample.MemoryUsage, outlook.PeakFor(models.MetricMemory))
	desired := current.DesiredCount

	rec := models.Recommendation{
		ID:               uuid.NewString(),
		InstanceType:     current.InstanceType,
		CurrentInstances: desired,
		PredictedCPU:     predictedCPU,
		PredictedMemory:  predictedMem,
		CreatedAt:        e.now(),
	}

	var target int
	var reason string

	if policy.MinInstances == policy.MaxInstances {
		target = policy.MinInstances
		reason = fmt.Sprintf("Policy pins the fleet at %d instances (min == max)", target)
	} else {
		dir := classify(predictedCPU, predictedMem, policy)
		admitted := e.admitLocked(dir, policy.CooldownCycles)
		target, reason = e.target(dir, admitted, desired, predictedCPU, predictedMem, outlook, policy)
	}

	if policy.MonthlyBudget > 0 && target > desired {
		capped, note, err := e.capToBudget(current.InstanceType, target, max(desired, policy.MinInstances), policy.MonthlyBudget)
		if err != nil {
			return models.Recommendation{}, err
		}
		target = capped
		if note != "" {
			reason += "; " + note
		}
	}

	rec.RecommendedInstances = target
	switch {
	case policy.MinInstances == policy.MaxInstances || target == desired:
		rec.Action = models.ActionMaintain
	case target > desired:
		rec.Action = models.ActionScaleUp
	default:
		rec.Action = models.ActionScaleDown
	}
	rec.Reason = reason

	cost, err := pricing.Estimate(current.InstanceType, target, e.rates)
	if err != nil {
		return models.Recommendation{}, err
	}
	rec.EstimatedCost = cost

	e.log.Debug().
		Str("action", string(rec.Action)).
		Int("current", desired).
		Int("recommended", target).
		Float64("predicted_cpu", predictedCPU).
		Float64("predicted_memory", predictedMem).
		Str("reason", reason).
		Msg("Recommendation computed")

	return rec, nil
}

// target computes the instance count for a classified pressure direction
func (e *Engine) target(dir direction, admitted bool, desired int, cpu, mem float64, outlook forecast.Outlook, p PolicyConfig) (int, string) {
	pressure := describePressure(dir, cpu, mem, outlook, p)

	switch {
	case dir == directionUp && admitted:
		target := int(math.Ceil(float64(desired) * cpu / p.CPUHigh))
		if target < desired+1 {
			target = desired + 1
		}
		target = p.clamp(target)
		if target <= desired && desired >= p.MaxInstances {
			return target, fmt.Sprintf("%s; already at maximum of %d instances", pressure, p.MaxInstances)
		}
		return target, fmt.Sprintf("%s: scaling from %d to %d instances", pressure, desired, target)

	case dir == directionDown && admitted:
		target := p.clamp(max(p.MinInstances, desired-1))
		if target >= desired && desired <= p.MinInstances {
			return target, fmt.Sprintf("%s; already at minimum of %d instances", pressure, p.MinInstances)
		}
		return target, fmt.Sprintf("%s: removing one instance", pressure)
	}

	target := p.clamp(desired)
	switch {
	case target != desired:
		return target, fmt.Sprintf("Current %d instances outside policy bounds [%d, %d]", desired, p.MinInstances, p.MaxInstances)
	case dir != directionNone:
		return target, fmt.Sprintf("%s signal held by hysteresis (%d/%d consecutive cycles): %s",
			dir, e.streak, p.CooldownCycles, pressure)
	}
	return target, "Resources within normal range; " + nearestThreshold(cpu, mem, p)
}

// capToBudget lowers target until its monthly cost fits the budget, never below floor
func (e *Engine) capToBudget(instanceType string, target, floor int, budget float64) (int, string, error) {
	original := target
	for target > floor {
		cost, err := pricing.Estimate(instanceType, target, e.rates)
		if err != nil {
			return 0, "", err
		}
		if cost.Monthly <= budget {
			break
		}
		target--
	}

	if target == original {
		return target, "", nil
	}
	return target, fmt.Sprintf("capped at %d instances by monthly budget $%.2f", target, budget), nil
}

// admitLocked applies hysteresis. A direction is acted on right away while
// uncontested; once the opposite direction has been seen, the next direction
// must persist for cooldown consecutive evaluations before it is acted on.
func (e *Engine) admitLocked(dir direction, cooldown int) bool {
	if dir == directionNone {
		e.streak = 0
		return false
	}

	if dir == e.streakDir {
		e.streak++
	} else {
		if e.streakDir != directionNone {
			e.settled = false
		}
		e.streakDir = dir
		e.streak = 1
	}

	if e.settled || e.streak >= cooldown {
		e.settled = true
		return true
	}
	return false
}

func (e *Engine) resetLocked(policy PolicyConfig) {
	e.policy = policy
	e.hasPolicy = true
	e.streakDir = directionNone
	e.streak = 0
	e.settled = true
}

func classify(cpu, mem float64, p PolicyConfig) direction {
	if cpu > p.CPUHigh || mem > p.MemHigh {
		return directionUp
	}
	if cpu < p.CPULow && mem < p.MemLow {
		return directionDown
	}
	return directionNone
}

func describePressure(dir direction, cpu, mem float64, outlook forecast.Outlook, p PolicyConfig) string {
	switch dir {
	case directionUp:
		var parts []string
		if cpu > p.CPUHigh {
			parts = append(parts, fmt.Sprintf("Predicted CPU %.1f%% exceeds scale-up threshold %.1f%%", cpu, p.CPUHigh))
		}
		if mem > p.MemHigh {
			parts = append(parts, fmt.Sprintf("predicted memory %.1f%% exceeds scale-up threshold %.1f%%", mem, p.MemHigh))
		}
		s := strings.Join(parts, ", ")
		if outlook.TrendFor(models.MetricCPU) == forecast.TrendRising {
			s += " (forecast rising)"
		}
		return s
	case directionDown:
		s := fmt.Sprintf("Predicted CPU %.1f%% and memory %.1f%% below scale-down thresholds %.1f%%/%.1f%%",
			cpu, mem, p.CPULow, p.MemLow)
		if outlook.TrendFor(models.MetricCPU) == forecast.TrendFalling {
			s += " (forecast falling)"
		}
		return s
	}
	return ""
}

// nearestThreshold names the threshold closest to being crossed. Scale-down
// needs both metrics low, so its distance is the larger of the two margins.
func nearestThreshold(cpu, mem float64, p PolicyConfig) string {
	upCPU := p.CPUHigh - cpu
	upMem := p.MemHigh - mem
	downCPU := cpu - p.CPULow
	downMem := mem - p.MemLow

	upMetric, upValue, upThreshold, upGap := "CPU", cpu, p.CPUHigh, upCPU
	if upMem < upCPU {
		upMetric, upValue, upThreshold, upGap = "memory", mem, p.MemHigh, upMem
	}

	downMetric, downValue, downThreshold, downGap := "CPU", cpu, p.CPULow, downCPU
	if downMem > downCPU {
		downMetric, downValue, downThreshold, downGap = "memory", mem, p.MemLow, downMem
	}

	if upGap <= downGap {
		return fmt.Sprintf("nearest threshold: %s %.1f%% is %.1f points below scale-up threshold %.1f%%",
			upMetric, upValue, upGap, upThreshold)
	}
	return fmt.Sprintf("nearest threshold: %s %.1f%% is %.1f points above scale-down threshold %.1f%%",
		downMetric, downValue, downGap, downThreshold)
}
