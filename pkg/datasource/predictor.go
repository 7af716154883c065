package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// HTTPPredictor calls an external forecasting model service
type HTTPPredictor struct {
	baseURL string
	client  *http.Client
	retries int
	log     zerolog.Logger
}

type predictionResponse struct {
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	Predictions []float64 `json:"predictions"`
}

func NewHTTPPredictor(baseURL string, timeout time.Duration, retries int) *HTTPPredictor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPredictor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		log:     log.With().Str("component", "http-predictor").Logger(),
	}
}

// Forecast asks the model service for horizon steps of metric.
// 5xx responses and network errors are retried with exponential backoff.
func (h *HTTPPredictor) Forecast(ctx context.Context, metric models.Metric, horizon int) (models.ForecastSeries, error) {
	if horizon <= 0 {
		return nil, &models.ValidationError{Field: "horizon", Reason: fmt.Sprintf("must be positive, got %d", horizon)}
	}

	q := url.Values{}
	q.Set("steps", strconv.Itoa(horizon))
	q.Set("metric", string(metric))
	endpoint := h.baseURL + "/api/predictions/generate?" + q.Encode()

	var lastErr error
	for i := 0; i <= h.retries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(1<<(i-1)) * 200 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		series, retry, err := h.generate(ctx, endpoint)
		if err == nil {
			return series, nil
		}
		lastErr = err
		if !retry {
			break
		}
		h.log.Warn().Err(err).Int("attempt", i+1).Msg("Prediction request failed, retrying")
	}

	return nil, fmt.Errorf("prediction for %s failed: %w", metric, lastErr)
}

func (h *HTTPPredictor) generate(ctx context.Context, endpoint string) (models.ForecastSeries, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("reading response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300

	// A successful status with an unusable body is a malformed forecast, not an outage
	var parsed predictionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if ok {
			return nil, false, &models.ValidationError{Field: "forecast", Reason: fmt.Sprintf("invalid response body: %v", err)}
		}
		return nil, resp.StatusCode >= 500, fmt.Errorf("status %d: invalid response: %w", resp.StatusCode, err)
	}

	switch {
	case !ok:
		return nil, resp.StatusCode >= 500, fmt.Errorf("status %d: %s", resp.StatusCode, parsed.Message)
	case !parsed.Success:
		return nil, false, &models.ValidationError{Field: "forecast", Reason: fmt.Sprintf("service reported failure: %s", parsed.Message)}
	}

	return models.ForecastSeries(parsed.Predictions), false, nil
}

func (h *HTTPPredictor) Name() string {
	return "http"
}
