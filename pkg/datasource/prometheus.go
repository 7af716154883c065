package datasource

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// Queries holds the PromQL expressions yielding fleet-wide utilization in percent
type Queries struct {
	CPU     string
	Memory  string
	Network string
}

// DefaultQueries returns node-exporter based expressions
func DefaultQueries() Queries {
	return Queries{
		CPU:    `100 * (1 - avg(rate(node_cpu_seconds_total{mode="idle"}[5m])))`,
		Memory: `100 * (1 - sum(node_memory_MemAvailable_bytes) / sum(node_memory_MemTotal_bytes))`,
		Network: `100 * sum(rate(node_network_receive_bytes_total{device!="lo"}[5m]) + rate(node_network_transmit_bytes_total{device!="lo"}[5m]))` +
			` / sum(node_network_speed_bytes{device!="lo"})`,
	}
}

func (q Queries) forMetric(m models.Metric) (string, error) {
	switch m {
	case models.MetricCPU:
		return q.CPU, nil
	case models.MetricMemory:
		return q.Memory, nil
	case models.MetricNetwork:
		return q.Network, nil
	}
	return "", fmt.Errorf("unknown metric: %s", m)
}

type PrometheusSource struct {
	client  v1.API
	url     string
	queries Queries
	now     func() time.Time
	log     zerolog.Logger
}

func NewPrometheusSource(url string, queries Queries) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{
		Address: url,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &PrometheusSource{
		client:  v1.NewAPI(client),
		url:     url,
		queries: queries,
		now:     time.Now,
		log:     log.With().Str("component", "prometheus").Logger(),
	}, nil
}

// Latest samples current fleet utilization. CPU and memory are required;
// network is best effort because link speed is not exported everywhere.
func (p *PrometheusSource) Latest(ctx context.Context) (models.MetricSample, error) {
	ts := p.now()

	cpu, err := p.querySingle(ctx, p.queries.CPU, ts)
	if err != nil {
		return models.MetricSample{}, fmt.Errorf("CPU query failed: %w", err)
	}

	mem, err := p.querySingle(ctx, p.queries.Memory, ts)
	if err != nil {
		return models.MetricSample{}, fmt.Errorf("memory query failed: %w", err)
	}

	network, err := p.querySingle(ctx, p.queries.Network, ts)
	if err != nil {
		p.log.Debug().Err(err).Msg("Network query failed, reporting 0")
		network = 0
	}

	return models.MetricSample{
		CPUUsage:     clampPercent(cpu),
		MemoryUsage:  clampPercent(mem),
		NetworkUsage: clampPercent(network),
		Timestamp:    ts,
	}, nil
}

func (p *PrometheusSource) querySingle(ctx context.Context, query string, ts time.Time) (float64, error) {
	result, warnings, err := p.client.Query(ctx, query, ts)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}

	if len(warnings) > 0 {
		p.log.Warn().Strs("warnings", warnings).Str("query", query).Msg("Prometheus returned warnings")
	}

	vector, ok := result.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, fmt.Errorf("no data for query: %s", query)
	}

	// Aggregations return one series; sum if a query returns more
	sum := 0.0
	for _, sample := range vector {
		sum += float64(sample.Value)
	}

	return sum, nil
}

// IsAvailable reports whether the Prometheus API answers a trivial query
func (p *PrometheusSource) IsAvailable(ctx context.Context) bool {
	_, _, err := p.client.Query(ctx, "up", p.now())
	return err == nil
}

func (p *PrometheusSource) Name() string {
	return "Prometheus"
}

// PrometheusPredictor extrapolates each metric with predict_linear over a
// recent window. It needs no model service and is the default predictor.
type PrometheusPredictor struct {
	source   *PrometheusSource
	step     time.Duration
	lookback time.Duration
}

func NewPrometheusPredictor(source *PrometheusSource, step, lookback time.Duration) *PrometheusPredictor {
	if step <= 0 {
		step = 5 * time.Minute
	}
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &PrometheusPredictor{source: source, step: step, lookback: lookback}
}

// Forecast returns horizon points, the i-th predicting the metric i steps ahead
func (p *PrometheusPredictor) Forecast(ctx context.Context, metric models.Metric, horizon int) (models.ForecastSeries, error) {
	if horizon <= 0 {
		return nil, &models.ValidationError{Field: "horizon", Reason: fmt.Sprintf("must be positive, got %d", horizon)}
	}

	expr, err := p.source.queries.forMetric(metric)
	if err != nil {
		return nil, err
	}

	ts := p.source.now()
	series := make(models.ForecastSeries, 0, horizon)
	for i := 1; i <= horizon; i++ {
		ahead := time.Duration(i) * p.step
		query := fmt.Sprintf("predict_linear((%s)[%s:%s], %d)",
			expr, model.Duration(p.lookback), model.Duration(p.step), int64(ahead.Seconds()))

		v, err := p.source.querySingle(ctx, query, ts)
		if err != nil {
			return nil, fmt.Errorf("forecast step %d for %s: %w", i, metric, err)
		}
		series = append(series, v)
	}

	return series, nil
}

func (p *PrometheusPredictor) Name() string {
	return "prometheus-linear"
}
