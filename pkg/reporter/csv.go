package reporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

// GenerateCSV creates a CSV report
func GenerateCSV(report *Report, writer io.Writer) error {
	w := csv.NewWriter(writer)

	header := []string{
		"Time",
		"Recommendation ID",
		"Action",
		"Instance Type",
		"Current Instances",
		"Recommended Instances",
		"Predicted CPU (%)",
		"Predicted Memory (%)",
		"Monthly Cost ($)",
		"Outcome",
		"Reason",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range report.Recommendations {
		row := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.ID,
			string(rec.Action),
			rec.InstanceType,
			fmt.Sprintf("%d", rec.CurrentInstances),
			fmt.Sprintf("%d", rec.RecommendedInstances),
			fmt.Sprintf("%.1f", rec.PredictedCPU),
			fmt.Sprintf("%.1f", rec.PredictedMemory),
			fmt.Sprintf("%.2f", rec.EstimatedCost.Monthly),
			outcomeStatus(report, rec.ID),
			rec.Reason,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.Write([]string{})
	w.Write([]string{"SUMMARY"})
	w.Write([]string{"Cycles", fmt.Sprintf("%d", report.CycleCount)})
	w.Write([]string{"Capacity Changes", fmt.Sprintf("%d", report.ChangeCount)})
	w.Write([]string{"Peak Instances", fmt.Sprintf("%d", report.PeakInstances)})
	w.Write([]string{"Latest Monthly Cost", fmt.Sprintf("$%.2f", report.LatestMonthlyCost)})
	w.Write([]string{"Monthly Cost Change", fmt.Sprintf("$%+.2f", report.CostChange())})
	w.Write([]string{"Savings (%)", fmt.Sprintf("%.2f", report.ROI.SavingsPercentage)})
	w.Write([]string{"Annual Savings", fmt.Sprintf("$%.2f", report.ROI.AnnualSavings)})
	w.Write([]string{"Cost Trend", string(report.CostTrend.Trend)})
	w.Write([]string{"Avg Daily Cost", fmt.Sprintf("$%.2f", report.CostTrend.AverageDailyCost)})
	w.Write([]string{"Projected Monthly Cost", fmt.Sprintf("$%.2f", report.CostTrend.ProjectedMonthlyCost)})
	w.Write([]string{"Optimization Score", fmt.Sprintf("%.2f", report.LatestScore.Total)})
	w.Write([]string{"Avg Optimization Score", fmt.Sprintf("%.2f", report.AverageScore)})

	w.Write([]string{})
	w.Write([]string{"ACTION BREAKDOWN"})
	w.Write([]string{"Action", "Cycles", "Instances Moved", "Avg Monthly Cost"})
	for _, stat := range orderedActions(report.ActionStats) {
		w.Write([]string{
			string(stat.Action),
			fmt.Sprintf("%d", stat.Count),
			fmt.Sprintf("%d", stat.InstancesMoved),
			fmt.Sprintf("$%.2f", stat.AvgMonthlyCost),
		})
	}

	if len(report.Opportunities) > 0 {
		w.Write([]string{})
		w.Write([]string{"SAVINGS OPPORTUNITIES"})
		w.Write([]string{"Type", "Priority", "Potential Savings", "Action"})
		for _, o := range report.Opportunities {
			w.Write([]string{o.Kind, string(o.Priority), o.PotentialSavings, o.Action})
		}
	}

	w.Flush()
	return w.Error()
}
