// Package analyzer scores cycles on cost against performance and analyzes
// spend trends over the recommendation history.
package analyzer

import (
	"fmt"
	"math"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

const (
	// Utilization band considered optimal for both CPU and memory
	OptimalMin = 60.0
	OptimalMax = 80.0

	DefaultMaxHourlyCost = 5.0
)

// Weights balance the cost and performance halves of the optimization score
type Weights struct {
	Cost          float64 `mapstructure:"cost_weight"`
	Performance   float64 `mapstructure:"performance_weight"`
	MaxHourlyCost float64 `mapstructure:"max_hourly_cost"`
}

func DefaultWeights() Weights {
	return Weights{Cost: 0.5, Performance: 0.5, MaxHourlyCost: DefaultMaxHourlyCost}
}

func (w Weights) Validate() error {
	switch {
	case w.Cost < 0 || w.Performance < 0:
		return &models.ValidationError{Field: "analysis.cost_weight", Reason: fmt.Sprintf("weights must be >= 0, got %.2f/%.2f", w.Cost, w.Performance)}
	case w.Cost+w.Performance == 0:
		return &models.ValidationError{Field: "analysis.performance_weight", Reason: "cost and performance weights cannot both be 0"}
	case w.MaxHourlyCost <= 0:
		return &models.ValidationError{Field: "analysis.max_hourly_cost", Reason: fmt.Sprintf("must be positive, got %.2f", w.MaxHourlyCost)}
	}
	return nil
}

// Score is an optimization score in [0, 100]
type Score struct {
	Cost        float64
	Performance float64
	Total       float64
}

// CostScore rates an hourly fleet cost; cheaper is better, MaxHourlyCost or
// more scores 0.
func (w Weights) CostScore(hourly float64) float64 {
	return clamp(100 - hourly/w.MaxHourlyCost*100)
}

// PerformanceScore rates utilization against the optimal band. Running hot
// is penalized harder than running idle.
func PerformanceScore(cpu, mem float64) float64 {
	return clamp((utilizationScore(cpu) + utilizationScore(mem)) / 2)
}

func utilizationScore(v float64) float64 {
	switch {
	case v < OptimalMin:
		return 100 - (OptimalMin-v)*2
	case v > OptimalMax:
		return 100 - (v-OptimalMax)*3
	}
	return 100
}

// ScoreRecommendation scores the fleet a recommendation asks for
func (w Weights) ScoreRecommendation(rec *models.Recommendation) Score {
	s := Score{
		Cost:        w.CostScore(rec.EstimatedCost.Hourly),
		Performance: PerformanceScore(rec.PredictedCPU, rec.PredictedMemory),
	}
	s.Total = round2((w.Cost*s.Cost + w.Performance*s.Performance) / (w.Cost + w.Performance))
	return s
}

// AverageScore is the mean total score over recs, 0 when there are none
func (w Weights) AverageScore(recs []*models.Recommendation) float64 {
	if len(recs) == 0 {
		return 0
	}
	sum := 0.0
	for _, rec := range recs {
		sum += w.ScoreRecommendation(rec).Total
	}
	return round2(sum / float64(len(recs)))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
