package cycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opscart/capacity-optimizer/pkg/cloud"
	"github.com/opscart/capacity-optimizer/pkg/converger"
	"github.com/opscart/capacity-optimizer/pkg/models"
	"github.com/opscart/capacity-optimizer/pkg/output"
	"github.com/opscart/capacity-optimizer/pkg/pricing"
	"github.com/opscart/capacity-optimizer/pkg/recommender"
	"github.com/opscart/capacity-optimizer/pkg/storage"
)

const testType = "t3.medium"

type fakeSource struct {
	sample models.MetricSample
	err    error
	calls  int
}

func (f *fakeSource) Latest(ctx context.Context) (models.MetricSample, error) {
	f.calls++
	return f.sample, f.err
}

func (f *fakeSource) Name() string { return "fake" }

type fakePredictor struct {
	series map[models.Metric]models.ForecastSeries
	err    error
	calls  int
}

func (f *fakePredictor) Forecast(ctx context.Context, metric models.Metric, horizon int) (models.ForecastSeries, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.series[metric], nil
}

func (f *fakePredictor) Name() string { return "fake" }

type flakyRates struct {
	rates models.RateTable
	err   error
}

func (f *flakyRates) Rates(ctx context.Context) (models.RateTable, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rates, nil
}

func (f *flakyRates) Name() string { return "flaky" }

// memStore keeps everything in memory
type memStore struct {
	mu          sync.Mutex
	recs        []*models.Recommendation
	reports     []*models.ConvergenceReport
	allocations map[string]models.AllocationState
	audit       []*models.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{allocations: make(map[string]models.AllocationState)}
}

func (m *memStore) SaveRecommendation(ctx context.Context, rec *models.Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs = append(m.recs, &cp)
	return nil
}

func (m *memStore) GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) ListRecommendations(ctx context.Context, instanceType string, limit int) ([]*models.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs, nil
}

func (m *memStore) SaveReport(ctx context.Context, report *models.ConvergenceReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *report
	m.reports = append(m.reports, &cp)
	return nil
}

func (m *memStore) ListReports(ctx context.Context, limit int) ([]*models.ConvergenceReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reports, nil
}

func (m *memStore) SaveAllocation(ctx context.Context, pool string, state models.AllocationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations[pool] = state.Clone()
	return nil
}

func (m *memStore) LoadAllocation(ctx context.Context, pool string) (models.AllocationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.allocations[pool]
	if !ok {
		return models.AllocationState{}, fmt.Errorf("allocation %s: %w", pool, storage.ErrNotFound)
	}
	return state, nil
}

func (m *memStore) LogAction(ctx context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *memStore) GetAuditLog(ctx context.Context, recommendationID string) ([]*models.AuditEntry, error) {
	return m.audit, nil
}

func (m *memStore) GetCycleStats(ctx context.Context, days int) (*models.CycleStats, error) {
	return &models.CycleStats{PeriodDays: days}, nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

type harness struct {
	cycle     *Cycle
	actuator  *cloud.SimulatedActuator
	source    *fakeSource
	predictor *fakePredictor
	rates     *flakyRates
	store     *memStore
	events    *bytes.Buffer
}

func newHarness(t *testing.T, running int) *harness {
	t.Helper()

	h := &harness{
		actuator: cloud.NewSimulatedActuator(testType, running),
		source:   &fakeSource{sample: models.MetricSample{CPUUsage: 40, MemoryUsage: 30, Timestamp: time.Now()}},
		predictor: &fakePredictor{series: map[models.Metric]models.ForecastSeries{
			models.MetricCPU:    {45, 60, 75, 88, 70},
			models.MetricMemory: {30, 31, 32},
		}},
		rates:  &flakyRates{rates: pricing.DefaultRates("aws")},
		store:  newMemStore(),
		events: &bytes.Buffer{},
	}

	controller := converger.New(h.actuator, converger.WithRetry(time.Millisecond, 2*time.Millisecond, 2))
	initial, err := LoadState(context.Background(), h.actuator, nil, "web", testType)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	h.cycle, err = New(Deps{
		Source:     h.source,
		Predictor:  h.predictor,
		Rates:      h.rates,
		Engine:     recommender.New(nil),
		Controller: controller,
		Store:      h.store,
		Handler:    output.NewJSONHandler(h.events),
	}, initial, WithPool("web"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return h
}

func TestRunOnceScalesUpOnForecast(t *testing.T) {
	h := newHarness(t, 2)

	rec, report, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if rec.Action != models.ActionScaleUp || rec.RecommendedInstances != 3 {
		t.Errorf("Expected scale_up to 3, got %s to %d", rec.Action, rec.RecommendedInstances)
	}
	if report.Status != models.StatusConverged {
		t.Errorf("Expected converged, got %s", report.Status)
	}

	state := h.cycle.State()
	if len(state.Active()) != 3 || state.DesiredCount != 3 {
		t.Errorf("Expected 3 active instances, got %d (desired %d)", len(state.Active()), state.DesiredCount)
	}

	if len(h.store.recs) != 1 || len(h.store.reports) != 1 {
		t.Fatalf("Expected recommendation and report saved, got %d/%d", len(h.store.recs), len(h.store.reports))
	}
	if h.store.reports[0].RecommendationID != rec.ID {
		t.Error("Report should reference the recommendation")
	}
	if saved := h.store.allocations["web"]; saved.DesiredCount != 3 {
		t.Errorf("Expected saved allocation desired 3, got %d", saved.DesiredCount)
	}
	if len(h.store.audit) != 1 || h.store.audit[0].Action != "APPLIED" || h.store.audit[0].Status != "SUCCESS" {
		t.Errorf("Unexpected audit trail %+v", h.store.audit)
	}

	if !strings.Contains(h.events.String(), `"pool":"web"`) {
		t.Errorf("Expected published event, got %q", h.events.String())
	}
}

func TestRunOnceIsIdempotentOnceConverged(t *testing.T) {
	h := newHarness(t, 2)
	policy := recommender.DefaultPolicy()

	if _, _, err := h.cycle.RunOnce(context.Background(), policy); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	h.predictor.series[models.MetricCPU] = models.ForecastSeries{50, 52, 55}
	h.source.sample.CPUUsage = 50

	rec, report, err := h.cycle.RunOnce(context.Background(), policy)
	if err != nil {
		t.Fatalf("Second RunOnce failed: %v", err)
	}
	if rec.Action != models.ActionMaintain || len(report.Operations) != 0 {
		t.Errorf("Expected maintain without operations, got %s with %d ops", rec.Action, len(report.Operations))
	}
	if got := h.actuator.Calls(models.OperationLaunch); got != 1 {
		t.Errorf("Expected exactly 1 launch across both cycles, got %d", got)
	}
	if h.store.audit[1].Action != "SKIPPED" {
		t.Errorf("Expected SKIPPED audit entry, got %s", h.store.audit[1].Action)
	}
}

func TestRunOnceDegradesWithoutPredictor(t *testing.T) {
	h := newHarness(t, 2)
	h.predictor.err = errors.New("connection refused")
	h.source.sample.CPUUsage = 55

	rec, _, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if rec.Action != models.ActionMaintain || rec.PredictedCPU != 55 {
		t.Errorf("Expected maintain on current usage, got %s at %.1f", rec.Action, rec.PredictedCPU)
	}
}

func TestRunOnceAbortsOnMalformedForecast(t *testing.T) {
	h := newHarness(t, 2)
	h.predictor.series[models.MetricCPU] = models.ForecastSeries{math.NaN(), math.NaN()}

	_, report, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy())
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if report.ID != "" {
		t.Error("Expected no convergence report")
	}
	if h.actuator.Calls(models.OperationLaunch) != 0 || len(h.store.recs) != 0 {
		t.Error("Aborted cycle must not touch infrastructure or storage")
	}
	if len(h.cycle.State().Active()) != 2 {
		t.Error("State must be unchanged")
	}
}

func TestRunOnceAbortsOnRejectedForecast(t *testing.T) {
	h := newHarness(t, 2)
	h.predictor.err = fmt.Errorf("prediction for cpu_usage failed: %w",
		&models.ValidationError{Field: "forecast", Reason: "service reported failure"})

	_, _, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy())
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if len(h.store.recs) != 0 || h.actuator.Calls(models.OperationLaunch) != 0 {
		t.Error("Rejected forecast must abort before recommending")
	}
}

func TestRunOnceAbortsOnMetricsError(t *testing.T) {
	h := newHarness(t, 2)
	h.source.err = errors.New("prometheus unreachable")

	if _, _, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy()); err == nil {
		t.Fatal("Expected error when metrics are unavailable")
	}
	if h.actuator.Calls(models.OperationLaunch) != 0 {
		t.Error("Expected no actuation")
	}
}

func TestRunOnceRejectsInvalidPolicy(t *testing.T) {
	h := newHarness(t, 2)
	policy := recommender.DefaultPolicy()
	policy.CPULow = 90

	_, _, err := h.cycle.RunOnce(context.Background(), policy)
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
}

func TestRunOnceRateRefresh(t *testing.T) {
	h := newHarness(t, 2)
	h.rates.err = errors.New("pricing API throttled")

	if _, _, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy()); err == nil {
		t.Fatal("Expected error without any rates")
	}

	h.rates.err = nil
	if _, _, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	h.rates.err = errors.New("pricing API throttled")
	if _, _, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy()); err != nil {
		t.Errorf("Expected previous rates to be kept, got %v", err)
	}
}

func TestRunOnceRecordsFailedConvergence(t *testing.T) {
	h := newHarness(t, 2)
	h.actuator.FailLaunches(&models.PermanentCloudError{Op: "Launch", Err: errors.New("InstanceLimitExceeded")})

	_, report, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy())
	if err == nil {
		t.Fatal("Expected error when every operation failed")
	}
	if report.Status != models.StatusFailed {
		t.Errorf("Expected failed, got %s", report.Status)
	}
	if len(h.cycle.State().Active()) != 2 {
		t.Errorf("Expected observed state of 2 active, got %d", len(h.cycle.State().Active()))
	}

	entry := h.store.audit[0]
	if entry.Status != "FAILED" || !strings.Contains(entry.ErrorMessage, "InstanceLimitExceeded") {
		t.Errorf("Unexpected audit entry %+v", entry)
	}
	if !strings.Contains(h.events.String(), `"error"`) {
		t.Error("Expected the published event to carry the error")
	}
}

func TestRunOnceRejectsConcurrentCycle(t *testing.T) {
	h := newHarness(t, 2)
	h.cycle.running.Lock()
	defer h.cycle.running.Unlock()

	_, _, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy())
	var cerr *models.ConcurrentCycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConcurrentCycleError, got %v", err)
	}
	if !converger.IsRejected(err) {
		t.Error("Expected IsRejected to recognise the error")
	}
}

func TestRunOnceRejectedAfterShutdown(t *testing.T) {
	h := newHarness(t, 2)

	if err := h.cycle.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	_, report, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy())
	if !errors.Is(err, models.ErrShuttingDown) {
		t.Fatalf("Expected ErrShuttingDown, got %v", err)
	}
	if report.ID != "" {
		t.Errorf("Expected no report, got %s", report.ID)
	}
	if h.source.calls != 0 || h.predictor.calls != 0 {
		t.Errorf("Expected no metrics or forecast calls, got %d/%d", h.source.calls, h.predictor.calls)
	}
	if len(h.store.recs) != 0 || len(h.store.audit) != 0 {
		t.Errorf("Expected nothing persisted, got %d recommendations, %d audit entries", len(h.store.recs), len(h.store.audit))
	}
	if got := h.actuator.Calls(models.OperationLaunch); got != 0 {
		t.Errorf("Expected no launches, got %d", got)
	}
}

func TestLoadStatePrefersSavedDesiredCount(t *testing.T) {
	actuator := cloud.NewSimulatedActuator(testType, 2)
	store := newMemStore()

	state, err := LoadState(context.Background(), actuator, store, "web", testType)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if state.DesiredCount != 2 {
		t.Errorf("Expected observed count 2, got %d", state.DesiredCount)
	}

	store.allocations["web"] = models.AllocationState{InstanceType: testType, DesiredCount: 4}
	state, err = LoadState(context.Background(), actuator, store, "web", testType)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if state.DesiredCount != 4 || len(state.Active()) != 2 {
		t.Errorf("Expected desired 4 with 2 active, got %d/%d", state.DesiredCount, len(state.Active()))
	}

	actuator.SetListError(errors.New("unauthorized"))
	if _, err := LoadState(context.Background(), actuator, store, "web", testType); err == nil {
		t.Error("Expected error when listing fails")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}, models.AllocationState{}); err == nil {
		t.Error("Expected error without dependencies")
	}
}

func TestRunnerRunsUntilCancelled(t *testing.T) {
	h := newHarness(t, 2)
	ran := make(chan error, 4)

	runner := NewRunner(h.cycle, recommender.DefaultPolicy(), time.Hour)
	runner.ran = ran

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	select {
	case err := <-ran:
		if err != nil {
			t.Fatalf("First cycle failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Runner did not run a cycle immediately")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Runner did not stop after cancellation")
	}

	_, _, err := h.cycle.RunOnce(context.Background(), recommender.DefaultPolicy())
	if !errors.Is(err, models.ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown after shutdown, got %v", err)
	}
}
