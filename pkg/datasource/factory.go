package datasource

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
)

// NewSources builds the metrics source and predictor selected by config.
// Prometheus is preferred for metrics; metrics-server is used when asked for
// or when no Prometheus URL is set. A predictor URL selects the model service,
// otherwise forecasts are extrapolated in Prometheus.
func NewSources(config *Config, clientset kubernetes.Interface, metricsClient metricsv.Interface) (MetricsSource, Predictor, error) {
	var prom *PrometheusSource
	if config.PrometheusURL != "" {
		var err error
		prom, err = NewPrometheusSource(config.PrometheusURL, DefaultQueries())
		if err != nil {
			return nil, nil, err
		}
	}

	var source MetricsSource
	switch {
	case config.UseMetricsServer || prom == nil:
		if clientset == nil || metricsClient == nil {
			return nil, nil, fmt.Errorf("metrics-server source requires a Kubernetes client")
		}
		source = NewKubernetesSource(clientset, metricsClient, "")
	default:
		source = prom
	}

	var predictor Predictor
	switch {
	case config.PredictorURL != "":
		predictor = NewHTTPPredictor(config.PredictorURL, config.Timeout, 2)
	case prom != nil:
		predictor = NewPrometheusPredictor(prom, config.Step, config.Lookback)
	default:
		return nil, nil, fmt.Errorf("no predictor configured: set a Prometheus URL or a predictor URL")
	}

	return source, predictor, nil
}
