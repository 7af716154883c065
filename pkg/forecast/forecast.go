// Package forecast turns raw predictor output into a bounded peak/trend signal.
package forecast

import (
	"fmt"
	"math"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// Trend classifies the direction of a forecast
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendFlat    Trend = "flat"
)

// flatSlope is the per-step slope (percentage points) below which a series is considered flat
const flatSlope = 0.1

// NormalizedForecast is a validated, clipped forecast. It is immutable:
// the value slice is unexported and only handed out as a copy.
type NormalizedForecast struct {
	values []float64

	Peak       float64
	Mean       float64
	P95        float64
	TrendSlope float64
	Confidence float64 // R² of the trend line

	// Clipped counts values clamped into [0,100]; Dropped counts NaN values removed
	Clipped int
	Dropped int
}

// Normalize validates raw and reduces it to peak, mean and trend.
// Values outside [0,100] are clamped, NaN values are dropped.
func Normalize(raw models.ForecastSeries, horizon int) (NormalizedForecast, error) {
	if len(raw) == 0 {
		return NormalizedForecast{}, &models.ValidationError{Field: "forecast", Reason: "series is empty"}
	}
	if horizon <= 0 {
		return NormalizedForecast{}, &models.ValidationError{Field: "horizon", Reason: fmt.Sprintf("must be positive, got %d", horizon)}
	}

	if len(raw) > horizon {
		raw = raw[:horizon]
	}

	nf := NormalizedForecast{values: make([]float64, 0, len(raw))}
	steps := make([]float64, 0, len(raw))

	for i, v := range raw {
		if math.IsNaN(v) {
			nf.Dropped++
			continue
		}
		clamped := math.Max(0, math.Min(100, v))
		if clamped != v {
			nf.Clipped++
		}
		nf.values = append(nf.values, clamped)
		steps = append(steps, float64(i))
	}

	if len(nf.values) == 0 {
		return NormalizedForecast{}, &models.ValidationError{
			Field:  "forecast",
			Reason: fmt.Sprintf("all %d values are NaN", len(raw)),
		}
	}

	nf.Peak = nf.values[0]
	for _, v := range nf.values[1:] {
		nf.Peak = math.Max(nf.Peak, v)
	}
	nf.Mean = average(nf.values)
	nf.P95 = percentile(nf.values, 95)
	nf.TrendSlope, _, nf.Confidence = linearRegression(steps, nf.values)

	return nf, nil
}

// Values returns a copy of the normalized series
func (f NormalizedForecast) Values() []float64 {
	return append([]float64(nil), f.values...)
}

// Len is the number of usable steps
func (f NormalizedForecast) Len() int {
	return len(f.values)
}

// IsZero reports whether f carries no forecast
func (f NormalizedForecast) IsZero() bool {
	return len(f.values) == 0
}

// Trend distinguishes rising from falling load at the same peak
func (f NormalizedForecast) Trend() Trend {
	switch {
	case f.TrendSlope > flatSlope:
		return TrendRising
	case f.TrendSlope < -flatSlope:
		return TrendFalling
	}
	return TrendFlat
}

// Outlook bundles the per-metric forecasts consumed by the policy engine
type Outlook struct {
	CPU    NormalizedForecast
	Memory NormalizedForecast
}

// PeakFor returns the forecast peak for m, or 0 when no forecast exists
func (o Outlook) PeakFor(m models.Metric) float64 {
	switch m {
	case models.MetricCPU:
		return o.CPU.Peak
	case models.MetricMemory:
		return o.Memory.Peak
	}
	return 0
}

// TrendFor returns the forecast trend for m
func (o Outlook) TrendFor(m models.Metric) Trend {
	switch m {
	case models.MetricCPU:
		return o.CPU.Trend()
	case models.MetricMemory:
		return o.Memory.Trend()
	}
	return TrendFlat
}
