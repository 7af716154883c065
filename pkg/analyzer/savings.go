package analyzer

import (
	"math"
	"strings"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// Priority of a savings opportunity
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Opportunity is a cost saving the optimizer cannot act on by itself
type Opportunity struct {
	Kind             string
	Priority         Priority
	Description      string
	PotentialSavings string
	Action           string
}

// Opportunities inspects the latest recommendation for savings beyond
// horizontal scaling
func Opportunities(rec *models.Recommendation) []Opportunity {
	var out []Opportunity

	if rec.PredictedCPU < 30 && rec.PredictedMemory < 30 {
		out = append(out, Opportunity{
			Kind:             "downsize",
			Priority:         PriorityHigh,
			Description:      "Resources are significantly under-utilized",
			PotentialSavings: "30-40%",
			Action:           "Consider a smaller instance type or a lower min_instances",
		})
	}
	if rec.PredictedCPU < 40 {
		out = append(out, Opportunity{
			Kind:             "schedule",
			Priority:         PriorityMedium,
			Description:      "Consistently low CPU usage, including the forecast",
			PotentialSavings: "20-30%",
			Action:           "Consider scheduled scaling or spot instances",
		})
	}
	if strings.HasPrefix(rec.InstanceType, "t2.") {
		out = append(out, Opportunity{
			Kind:             "instance_type",
			Priority:         PriorityLow,
			Description:      "T2 instances detected",
			PotentialSavings: "10-20%",
			Action:           "Consider T3 instances for better price-performance",
		})
	}
	if len(out) == 0 {
		out = append(out, Opportunity{
			Kind:             "reserved",
			Priority:         PriorityLow,
			Description:      "Stable workload detected",
			PotentialSavings: "30-50%",
			Action:           "Consider reserved instances for long-term savings",
		})
	}
	return out
}

// ROI compares a baseline monthly cost with the optimized one
type ROI struct {
	MonthlySavings     float64
	AnnualSavings      float64
	ImplementationCost float64
	// PaybackMonths is +Inf when there are no savings to pay back a cost
	PaybackMonths     float64
	ROIPercent        float64
	SavingsPercentage float64
}

func CalculateROI(baseline, optimized, implementationCost float64) ROI {
	roi := ROI{
		MonthlySavings:     round2(baseline - optimized),
		ImplementationCost: implementationCost,
		ROIPercent:         100,
	}
	monthly := baseline - optimized
	annual := monthly * 12
	roi.AnnualSavings = round2(annual)

	if implementationCost > 0 {
		roi.PaybackMonths = math.Inf(1)
		if monthly > 0 {
			roi.PaybackMonths = math.Round(implementationCost/monthly*10) / 10
		}
		roi.ROIPercent = round2((annual - implementationCost) / implementationCost * 100)
	}
	if baseline > 0 {
		roi.SavingsPercentage = round2(monthly / baseline * 100)
	}
	return roi
}
