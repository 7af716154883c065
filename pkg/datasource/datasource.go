// Package datasource collects utilization samples and forecasts from
// monitoring backends.
package datasource

import (
	"context"
	"math"
	"time"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// MetricsSource returns the current utilization of the managed fleet
type MetricsSource interface {
	Latest(ctx context.Context) (models.MetricSample, error)
	Name() string
}

// Predictor produces a forecast of one metric, one value per future step
type Predictor interface {
	Forecast(ctx context.Context, metric models.Metric, horizon int) (models.ForecastSeries, error)
	Name() string
}

type Config struct {
	PrometheusURL    string
	UseMetricsServer bool
	PredictorURL     string
	Timeout          time.Duration
	// Step is the interval between forecast points
	Step time.Duration
	// Lookback is the history window used for extrapolation
	Lookback time.Duration
}

// clampPercent bounds a derived utilization to [0,100]. Ratios computed from
// counters can briefly overshoot after restarts.
func clampPercent(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
