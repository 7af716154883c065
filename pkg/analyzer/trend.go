package analyzer

import (
	"sort"
	"time"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// CostTrend classifies how daily spend is moving
type CostTrend string

const (
	TrendIncreasing       CostTrend = "increasing"
	TrendDecreasing       CostTrend = "decreasing"
	TrendStable           CostTrend = "stable"
	TrendInsufficientData CostTrend = "insufficient_data"
)

const (
	// Days compared against the rest of the history
	RecentWindowDays = 7
	trendBand        = 0.10
)

// TrendReport summarizes daily spend over the analyzed history
type TrendReport struct {
	Trend                CostTrend
	DaysAnalyzed         int
	AverageDailyCost     float64
	TotalCost            float64
	ProjectedMonthlyCost float64
}

// AnalyzeCostTrend buckets recommendations by UTC day. A day's cost is the
// mean daily run rate the cycles of that day committed to. The trend compares
// the last seven days against the earlier ones with a 10% band.
func AnalyzeCostTrend(recs []*models.Recommendation) TrendReport {
	type bucket struct {
		sum float64
		n   int
	}
	days := make(map[time.Time]*bucket)
	for _, rec := range recs {
		day := rec.CreatedAt.UTC().Truncate(24 * time.Hour)
		b, ok := days[day]
		if !ok {
			b = &bucket{}
			days[day] = b
		}
		b.sum += rec.EstimatedCost.Daily
		b.n++
	}

	if len(days) == 0 {
		return TrendReport{Trend: TrendStable}
	}

	keys := make([]time.Time, 0, len(days))
	for day := range days {
		keys = append(keys, day)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	costs := make([]float64, len(keys))
	for i, day := range keys {
		costs[i] = days[day].sum / float64(days[day].n)
	}

	report := TrendReport{DaysAnalyzed: len(costs)}
	for _, c := range costs {
		report.TotalCost += c
	}
	avg := report.TotalCost / float64(len(costs))
	report.AverageDailyCost = round2(avg)
	report.TotalCost = round2(report.TotalCost)
	report.ProjectedMonthlyCost = round2(avg * 30)
	report.Trend = classifyTrend(costs)

	return report
}

func classifyTrend(costs []float64) CostTrend {
	if len(costs) < RecentWindowDays {
		return TrendInsufficientData
	}

	recent := mean(costs[len(costs)-RecentWindowDays:])
	older := recent
	if len(costs) > RecentWindowDays {
		older = mean(costs[:len(costs)-RecentWindowDays])
	}

	switch {
	case recent > older*(1+trendBand):
		return TrendIncreasing
	case recent < older*(1-trendBand):
		return TrendDecreasing
	}
	return TrendStable
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Annotate fills the trend and score fields of stats from the
// recommendations created at or after since
func Annotate(stats *models.CycleStats, recs []*models.Recommendation, since time.Time, w Weights) {
	var window []*models.Recommendation
	for _, rec := range recs {
		if !rec.CreatedAt.Before(since) {
			window = append(window, rec)
		}
	}
	recs = window

	trend := AnalyzeCostTrend(recs)
	stats.CostTrend = string(trend.Trend)
	stats.AvgDailyCost = trend.AverageDailyCost
	stats.ProjectedMonthlyCost = trend.ProjectedMonthlyCost
	stats.OptimizationScore = w.AverageScore(recs)
}
