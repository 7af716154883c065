package models

import "time"

// CycleStats represents aggregate statistics over recent optimization cycles
type CycleStats struct {
	PeriodDays         int
	TotalCycles        int
	ScaleUps           int
	ScaleDowns         int
	Maintains          int
	Converged          int
	PartiallyConverged int
	Failed             int
	AvgMonthlyCost     float64
	LastCycleAt        *time.Time

	// Filled from the window's recommendations, not by the aggregate query
	CostTrend            string
	AvgDailyCost         float64
	ProjectedMonthlyCost float64
	OptimizationScore    float64
}

// ActionRate returns the share of cycles that changed capacity, in percent
func (s *CycleStats) ActionRate() float64 {
	if s.TotalCycles == 0 {
		return 0
	}
	return float64(s.ScaleUps+s.ScaleDowns) / float64(s.TotalCycles) * 100
}
