package analyzer

import (
	"math"
	"testing"
	"time"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

var day0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPerformanceScore(t *testing.T) {
	tests := []struct {
		name     string
		cpu, mem float64
		want     float64
	}{
		{"both in optimal band", 70, 65, 100},
		{"band edges", 60, 80, 100},
		{"idle", 40, 60, 80},
		{"hot is penalized harder", 90, 70, 85},
		{"floor at zero", 0, 0, 0},
		{"saturated", 100, 100, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PerformanceScore(tt.cpu, tt.mem); got != tt.want {
				t.Errorf("Expected %.1f, got %.1f", tt.want, got)
			}
		})
	}
}

func TestCostScore(t *testing.T) {
	w := DefaultWeights()
	tests := []struct {
		hourly float64
		want   float64
	}{
		{0, 100},
		{1.25, 75},
		{5, 0},
		{12, 0},
	}

	for _, tt := range tests {
		if got := w.CostScore(tt.hourly); got != tt.want {
			t.Errorf("CostScore(%.2f): expected %.1f, got %.1f", tt.hourly, tt.want, got)
		}
	}
}

func TestScoreRecommendationWeights(t *testing.T) {
	rec := &models.Recommendation{
		PredictedCPU:    70,
		PredictedMemory: 70,
		EstimatedCost:   models.CostEstimate{Hourly: 2.5},
	}

	tests := []struct {
		name    string
		weights Weights
		want    float64
	}{
		{"balanced", DefaultWeights(), 75},
		{"cost only", Weights{Cost: 1, MaxHourlyCost: 5}, 50},
		{"performance only", Weights{Performance: 1, MaxHourlyCost: 5}, 100},
		{"unnormalized weights", Weights{Cost: 2, Performance: 2, MaxHourlyCost: 5}, 75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.weights.ScoreRecommendation(rec).Total; got != tt.want {
				t.Errorf("Expected %.2f, got %.2f", tt.want, got)
			}
		})
	}
}

func TestWeightsValidate(t *testing.T) {
	if err := DefaultWeights().Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
	for _, w := range []Weights{
		{Cost: -1, Performance: 1, MaxHourlyCost: 5},
		{MaxHourlyCost: 5},
		{Cost: 0.5, Performance: 0.5},
	} {
		if err := w.Validate(); err == nil {
			t.Errorf("Expected error for %+v", w)
		}
	}
}

func dailyHistory(costs ...float64) []*models.Recommendation {
	var recs []*models.Recommendation
	for i, c := range costs {
		// Two cycles a day averaging to c
		at := day0.Add(time.Duration(i) * 24 * time.Hour)
		recs = append(recs,
			&models.Recommendation{EstimatedCost: models.CostEstimate{Daily: c - 1}, CreatedAt: at},
			&models.Recommendation{EstimatedCost: models.CostEstimate{Daily: c + 1}, CreatedAt: at.Add(time.Hour)},
		)
	}
	return recs
}

func TestAnalyzeCostTrend(t *testing.T) {
	flat := []float64{10, 10, 10, 10, 10, 10, 10}

	tests := []struct {
		name  string
		costs []float64
		want  CostTrend
	}{
		{"too few days", []float64{10, 12, 14}, TrendInsufficientData},
		{"exactly one week", flat, TrendStable},
		{"within band", append([]float64{10, 10}, 10.5, 10.5, 10.5, 10.5, 10.5, 10.5, 10.5), TrendStable},
		{"increasing", append([]float64{10, 10, 10}, 12, 12, 12, 12, 12, 12, 12), TrendIncreasing},
		{"decreasing", append([]float64{20, 20}, 10, 10, 10, 10, 10, 10, 10), TrendDecreasing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnalyzeCostTrend(dailyHistory(tt.costs...))
			if got.Trend != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got.Trend)
			}
			if got.DaysAnalyzed != len(tt.costs) {
				t.Errorf("Expected %d days, got %d", len(tt.costs), got.DaysAnalyzed)
			}
		})
	}
}

func TestAnalyzeCostTrendTotals(t *testing.T) {
	got := AnalyzeCostTrend(dailyHistory(10, 20))
	if got.AverageDailyCost != 15 || got.TotalCost != 30 || got.ProjectedMonthlyCost != 450 {
		t.Errorf("Unexpected totals %+v", got)
	}

	if empty := AnalyzeCostTrend(nil); empty.Trend != TrendStable || empty.DaysAnalyzed != 0 {
		t.Errorf("Expected stable empty report, got %+v", empty)
	}
}

func TestAnnotate(t *testing.T) {
	recs := dailyHistory(10, 10, 10, 10, 10, 10, 10, 10, 10, 30)
	for _, rec := range recs {
		rec.PredictedCPU, rec.PredictedMemory = 70, 70
	}

	stats := &models.CycleStats{PeriodDays: 3}
	Annotate(stats, recs, day0.Add(7*24*time.Hour), DefaultWeights())

	if stats.CostTrend != string(TrendInsufficientData) {
		t.Errorf("Expected only 3 days in the window, got trend %s", stats.CostTrend)
	}
	if math.Abs(stats.AvgDailyCost-16.67) > 1e-9 {
		t.Errorf("Expected avg daily cost 16.67, got %.4f", stats.AvgDailyCost)
	}
	if stats.OptimizationScore != 100 {
		t.Errorf("Expected score 100 with no hourly cost, got %.2f", stats.OptimizationScore)
	}
}

func TestOpportunities(t *testing.T) {
	tests := []struct {
		name string
		rec  models.Recommendation
		want []string
	}{
		{"idle t2 fleet", models.Recommendation{InstanceType: "t2.small", PredictedCPU: 10, PredictedMemory: 20}, []string{"downsize", "schedule", "instance_type"}},
		{"low cpu only", models.Recommendation{InstanceType: "t3.small", PredictedCPU: 35, PredictedMemory: 60}, []string{"schedule"}},
		{"busy fleet", models.Recommendation{InstanceType: "t3.small", PredictedCPU: 70, PredictedMemory: 70}, []string{"reserved"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Opportunities(&tt.rec)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %+v", tt.want, got)
			}
			for i, kind := range tt.want {
				if got[i].Kind != kind {
					t.Errorf("Opportunity %d: expected %s, got %s", i, kind, got[i].Kind)
				}
			}
		})
	}
}

func TestCalculateROI(t *testing.T) {
	roi := CalculateROI(200, 150, 0)
	if roi.MonthlySavings != 50 || roi.AnnualSavings != 600 || roi.SavingsPercentage != 25 || roi.ROIPercent != 100 {
		t.Errorf("Unexpected ROI %+v", roi)
	}

	roi = CalculateROI(200, 150, 300)
	if roi.PaybackMonths != 6 || roi.ROIPercent != 100 {
		t.Errorf("Expected 6 month payback and 100%% ROI, got %+v", roi)
	}

	if roi := CalculateROI(100, 120, 50); !math.IsInf(roi.PaybackMonths, 1) {
		t.Errorf("Expected infinite payback without savings, got %.1f", roi.PaybackMonths)
	}
	if roi := CalculateROI(0, 0, 0); roi.SavingsPercentage != 0 {
		t.Errorf("Expected 0%% savings for zero baseline, got %.2f", roi.SavingsPercentage)
	}
}
