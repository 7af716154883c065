package recommender

import (
	"fmt"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// PolicyConfig carries the scaling thresholds (percent) and fleet bounds.
// MonthlyBudget caps scale-ups by projected monthly cost; zero disables it.
type PolicyConfig struct {
	CPUHigh float64 `mapstructure:"cpu_high"`
	CPULow  float64 `mapstructure:"cpu_low"`
	MemHigh float64 `mapstructure:"mem_high"`
	MemLow  float64 `mapstructure:"mem_low"`

	MinInstances   int `mapstructure:"min_instances"`
	MaxInstances   int `mapstructure:"max_instances"`
	CooldownCycles int `mapstructure:"cooldown_cycles"`

	MonthlyBudget float64 `mapstructure:"monthly_budget"`
}

// DefaultPolicy returns the stock thresholds: scale up above 80% CPU / 85% memory,
// scale down below 30% CPU and 35% memory
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		CPUHigh:        80.0,
		CPULow:         30.0,
		MemHigh:        85.0,
		MemLow:         35.0,
		MinInstances:   1,
		MaxInstances:   10,
		CooldownCycles: 3,
	}
}

// Validate checks thresholds and bounds
func (p PolicyConfig) Validate() error {
	invalid := func(field, format string, args ...interface{}) error {
		return &models.ValidationError{Field: "policy." + field, Reason: fmt.Sprintf(format, args...)}
	}

	for name, v := range map[string]float64{
		"cpu_high": p.CPUHigh, "cpu_low": p.CPULow,
		"mem_high": p.MemHigh, "mem_low": p.MemLow,
	} {
		if v < 0 || v > 100 {
			return invalid(name, "must be between 0 and 100, got %.1f", v)
		}
	}
	if p.CPUHigh <= 0 {
		return invalid("cpu_high", "must be positive")
	}
	if p.CPULow >= p.CPUHigh {
		return invalid("cpu_low", "must be below cpu_high (%.1f >= %.1f)", p.CPULow, p.CPUHigh)
	}
	if p.MemLow >= p.MemHigh {
		return invalid("mem_low", "must be below mem_high (%.1f >= %.1f)", p.MemLow, p.MemHigh)
	}
	if p.MinInstances < 0 {
		return invalid("min_instances", "must be >= 0, got %d", p.MinInstances)
	}
	if p.MaxInstances < p.MinInstances {
		return invalid("max_instances", "must be >= min_instances (%d < %d)", p.MaxInstances, p.MinInstances)
	}
	if p.CooldownCycles < 0 {
		return invalid("cooldown_cycles", "must be >= 0, got %d", p.CooldownCycles)
	}
	if p.MonthlyBudget < 0 {
		return invalid("monthly_budget", "must be >= 0, got %.2f", p.MonthlyBudget)
	}
	return nil
}

func (p PolicyConfig) clamp(n int) int {
	if n < p.MinInstances {
		return p.MinInstances
	}
	if n > p.MaxInstances {
		return p.MaxInstances
	}
	return n
}
