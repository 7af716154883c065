package reporter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opscart/capacity-optimizer/pkg/analyzer"
	"github.com/opscart/capacity-optimizer/pkg/models"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func history() ([]*models.Recommendation, []*models.ConvergenceReport) {
	recs := []*models.Recommendation{
		{
			ID: "rec-2", Action: models.ActionScaleUp, InstanceType: "t3.medium",
			CurrentInstances: 3, RecommendedInstances: 5, PredictedCPU: 95, PredictedMemory: 60,
			Reason: "Predicted CPU 95.0% exceeds scale-up threshold 80.0%", EstimatedCost: models.CostEstimate{Monthly: 151.84},
			CreatedAt: base.Add(10 * time.Minute),
		},
		{
			ID: "rec-1", Action: models.ActionScaleUp, InstanceType: "t3.medium",
			CurrentInstances: 2, RecommendedInstances: 3, PredictedCPU: 88, PredictedMemory: 40,
			Reason: "forecast | rising", EstimatedCost: models.CostEstimate{Monthly: 91.10},
			CreatedAt: base,
		},
		{
			ID: "rec-3", Action: models.ActionScaleDown, InstanceType: "t3.medium",
			CurrentInstances: 5, RecommendedInstances: 4, PredictedCPU: 20, PredictedMemory: 25,
			Reason: "Resources low", EstimatedCost: models.CostEstimate{Monthly: 121.47},
			CreatedAt: base.Add(20 * time.Minute),
		},
		{
			ID: "rec-4", Action: models.ActionMaintain, InstanceType: "t3.medium",
			CurrentInstances: 4, RecommendedInstances: 4, PredictedCPU: 50, PredictedMemory: 50,
			Reason: "Resources within normal range", EstimatedCost: models.CostEstimate{Monthly: 121.47},
			CreatedAt: base.Add(30 * time.Minute),
		},
	}
	outcomes := []*models.ConvergenceReport{
		{RecommendationID: "rec-1", Status: models.StatusConverged},
		{RecommendationID: "rec-2", Status: models.StatusPartiallyConverged},
		{RecommendationID: "rec-3", Status: models.StatusConverged},
	}
	return recs, outcomes
}

func TestGenerate(t *testing.T) {
	recs, outcomes := history()
	report, err := New(FormatCSV).Generate(recs, outcomes, "web")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if report.Recommendations[0].ID != "rec-1" {
		t.Errorf("Expected oldest first, got %s", report.Recommendations[0].ID)
	}
	if report.CycleCount != 4 || report.ChangeCount != 3 {
		t.Errorf("Expected 4 cycles and 3 changes, got %d/%d", report.CycleCount, report.ChangeCount)
	}
	if report.PeakInstances != 5 {
		t.Errorf("Expected peak 5, got %d", report.PeakInstances)
	}
	if report.FirstMonthlyCost != 91.10 || report.LatestMonthlyCost != 121.47 {
		t.Errorf("Unexpected cost range %.2f..%.2f", report.FirstMonthlyCost, report.LatestMonthlyCost)
	}

	up := report.ActionStats[models.ActionScaleUp]
	if up == nil || up.Count != 2 || up.InstancesMoved != 3 {
		t.Errorf("Unexpected scale_up stats %+v", up)
	}
	if down := report.ActionStats[models.ActionScaleDown]; down.InstancesMoved != 1 {
		t.Errorf("Expected 1 instance removed, got %d", down.InstancesMoved)
	}
	if report.StatusCounts[models.StatusConverged] != 2 || report.StatusCounts[models.StatusPartiallyConverged] != 1 {
		t.Errorf("Unexpected status counts %v", report.StatusCounts)
	}
}

func TestGenerateEmpty(t *testing.T) {
	report, err := New(FormatMarkdown).Generate(nil, nil, "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if report.CycleCount != 0 || report.CostChange() != 0 {
		t.Errorf("Expected empty report, got %+v", report)
	}

	var buf bytes.Buffer
	if err := GenerateMarkdown(report, &buf); err != nil {
		t.Fatalf("GenerateMarkdown failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "# Capacity Report\n") {
		t.Errorf("Unexpected header: %q", strings.SplitN(buf.String(), "\n", 2)[0])
	}
}

func TestGenerateCSV(t *testing.T) {
	recs, outcomes := history()
	report, _ := New(FormatCSV).Generate(recs, outcomes, "web")

	var buf bytes.Buffer
	if err := GenerateCSV(report, &buf); err != nil {
		t.Fatalf("GenerateCSV failed: %v", err)
	}

	r := csv.NewReader(&buf)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("Output is not valid CSV: %v", err)
	}

	if rows[0][2] != "Action" {
		t.Errorf("Unexpected header %v", rows[0])
	}
	first := rows[1]
	if first[1] != "rec-1" || first[9] != "converged" || first[10] != "forecast | rising" {
		t.Errorf("Unexpected first row %v", first)
	}
	if rows[4][9] != "-" {
		t.Errorf("Expected '-' for a cycle without outcome, got %s", rows[4][9])
	}

	var found bool
	for _, row := range rows {
		if len(row) == 2 && row[0] == "Monthly Cost Change" {
			found = true
			if row[1] != "$+30.37" {
				t.Errorf("Expected $+30.37, got %s", row[1])
			}
		}
	}
	if !found {
		t.Error("Expected summary row for cost change")
	}
}

func TestGenerateMarkdown(t *testing.T) {
	recs, outcomes := history()
	reporter := New(FormatMarkdown)
	report, _ := reporter.Generate(recs, outcomes, "web")

	var buf bytes.Buffer
	if err := reporter.Write(report, &buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"# Capacity Report: web",
		"| Cycles | 4 |",
		"| partially_converged | 1 |",
		"| scale_up | 2 | 3 | $121.47 |",
		"| 2 → 3 |",
		`forecast \| rising`,
		"| Cost trend | insufficient_data |",
		"| Optimization score | 90.00 (cost 100, performance 80) |",
		"## Savings Opportunities",
		"| reserved | low | 30-50% |",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in markdown output:\n%s", want, out)
		}
	}

	if strings.Index(out, "scale_up |") > strings.Index(out, "maintain |") {
		t.Error("Expected actions in stable order")
	}
}

func TestGenerateCostAnalysis(t *testing.T) {
	var recs []*models.Recommendation
	for day := 0; day < 14; day++ {
		daily := 10.0
		if day >= 7 {
			daily = 15.0
		}
		recs = append(recs, &models.Recommendation{
			ID:              fmt.Sprintf("rec-%d", day),
			Action:          models.ActionMaintain,
			InstanceType:    "t2.medium",
			PredictedCPU:    25,
			PredictedMemory: 20,
			EstimatedCost:   models.CostEstimate{Hourly: daily / 24, Daily: daily, Monthly: daily / 24 * 730},
			CreatedAt:       base.Add(time.Duration(day) * 24 * time.Hour),
		})
	}

	weights := analyzer.Weights{Cost: 1, Performance: 3, MaxHourlyCost: 5}
	report, err := New(FormatCSV, WithWeights(weights)).Generate(recs, nil, "web")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if report.CostTrend.Trend != analyzer.TrendIncreasing || report.CostTrend.DaysAnalyzed != 14 {
		t.Errorf("Expected increasing over 14 days, got %+v", report.CostTrend)
	}
	if report.ROI.MonthlySavings >= 0 {
		t.Errorf("Expected negative savings as spend grew, got %.2f", report.ROI.MonthlySavings)
	}

	// cpu 25 and mem 20 score 30 and 20; cost 0.625/h scores 87.5
	if report.LatestScore.Performance != 25 || report.LatestScore.Cost != 87.5 {
		t.Errorf("Unexpected score parts %+v", report.LatestScore)
	}
	if report.LatestScore.Total != 40.63 {
		t.Errorf("Expected weighted total 40.63, got %.2f", report.LatestScore.Total)
	}

	kinds := map[string]bool{}
	for _, o := range report.Opportunities {
		kinds[o.Kind] = true
	}
	if !kinds["downsize"] || !kinds["schedule"] || !kinds["instance_type"] || kinds["reserved"] {
		t.Errorf("Unexpected opportunities %v", kinds)
	}

	var buf bytes.Buffer
	if err := GenerateCSV(report, &buf); err != nil {
		t.Fatalf("GenerateCSV failed: %v", err)
	}
	for _, want := range []string{"Cost Trend,increasing", "Optimization Score,40.63", "SAVINGS OPPORTUNITIES"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("Expected %q in CSV output", want)
		}
	}
}

func TestGenerateRejectsBadWeights(t *testing.T) {
	recs, outcomes := history()
	if _, err := New(FormatCSV, WithWeights(analyzer.Weights{MaxHourlyCost: 5})).Generate(recs, outcomes, "web"); err == nil {
		t.Error("Expected error for zero weights")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("md"); err != nil || f != FormatMarkdown {
		t.Errorf("Expected markdown, got %s (%v)", f, err)
	}
	if _, err := ParseFormat("html"); err == nil {
		t.Error("Expected error for html")
	}
}
