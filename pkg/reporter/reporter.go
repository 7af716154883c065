package reporter

import (
	"fmt"
	"sort"
	"time"

	"github.com/opscart/capacity-optimizer/pkg/analyzer"
	"github.com/opscart/capacity-optimizer/pkg/models"
)

// ReportFormat represents the output format
type ReportFormat string

const (
	FormatMarkdown ReportFormat = "markdown"
	FormatCSV      ReportFormat = "csv"
)

// ParseFormat maps a user supplied name to a format
func ParseFormat(s string) (ReportFormat, error) {
	switch ReportFormat(s) {
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported report format: %s", s)
}

// Report contains all data for generating history reports
type Report struct {
	Pool            string
	GeneratedAt     time.Time
	Recommendations []*models.Recommendation
	// Outcomes maps recommendation IDs to their convergence report, when known
	Outcomes map[string]*models.ConvergenceReport

	CycleCount   int
	ChangeCount  int
	ActionStats  map[models.Action]*ActionStats
	StatusCounts map[models.ConvergenceStatus]int

	FirstMonthlyCost  float64
	LatestMonthlyCost float64
	PeakInstances     int

	CostTrend analyzer.TrendReport
	// LatestScore scores the newest recommendation; AverageScore all of them
	LatestScore   analyzer.Score
	AverageScore  float64
	ROI           analyzer.ROI
	Opportunities []analyzer.Opportunity
}

// ActionStats holds statistics per scaling action
type ActionStats struct {
	Action         models.Action
	Count          int
	InstancesMoved int
	AvgMonthlyCost float64
}

// CostChange is the monthly cost difference between the oldest and newest cycle
func (r *Report) CostChange() float64 {
	return r.LatestMonthlyCost - r.FirstMonthlyCost
}

// Reporter generates capacity history reports
type Reporter struct {
	format  ReportFormat
	weights analyzer.Weights
	now     func() time.Time
}

type Option func(*Reporter)

// WithWeights sets the cost/performance weights of the optimization score
func WithWeights(w analyzer.Weights) Option {
	return func(r *Reporter) { r.weights = w }
}

// New creates a new reporter
func New(format ReportFormat, opts ...Option) *Reporter {
	r := &Reporter{
		format:  format,
		weights: analyzer.DefaultWeights(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reporter) Format() ReportFormat {
	return r.format
}

// Generate builds a report from recommendations and the convergence reports
// that applied them. Recommendations may arrive in any order.
func (r *Reporter) Generate(recommendations []*models.Recommendation, outcomes []*models.ConvergenceReport, pool string) (*Report, error) {
	sorted := append([]*models.Recommendation(nil), recommendations...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	report := &Report{
		Pool:            pool,
		GeneratedAt:     r.now(),
		Recommendations: sorted,
		Outcomes:        make(map[string]*models.ConvergenceReport, len(outcomes)),
		ActionStats:     make(map[models.Action]*ActionStats),
		StatusCounts:    make(map[models.ConvergenceStatus]int),
	}
	for _, o := range outcomes {
		report.Outcomes[o.RecommendationID] = o
	}

	if err := r.weights.Validate(); err != nil {
		return nil, err
	}

	r.calculateStats(report)
	r.analyze(report)
	return report, nil
}

// analyze adds the cost trend, optimization scores and savings outlook
func (r *Reporter) analyze(report *Report) {
	report.CostTrend = analyzer.AnalyzeCostTrend(report.Recommendations)
	report.AverageScore = r.weights.AverageScore(report.Recommendations)
	report.ROI = analyzer.CalculateROI(report.FirstMonthlyCost, report.LatestMonthlyCost, 0)

	if n := len(report.Recommendations); n > 0 {
		latest := report.Recommendations[n-1]
		report.LatestScore = r.weights.ScoreRecommendation(latest)
		report.Opportunities = analyzer.Opportunities(latest)
	}
}

func (r *Reporter) calculateStats(report *Report) {
	costs := make(map[models.Action]float64)

	for i, rec := range report.Recommendations {
		report.CycleCount++
		if rec.Action != models.ActionMaintain {
			report.ChangeCount++
		}

		if i == 0 {
			report.FirstMonthlyCost = rec.EstimatedCost.Monthly
		}
		report.LatestMonthlyCost = rec.EstimatedCost.Monthly
		report.PeakInstances = max(report.PeakInstances, rec.RecommendedInstances)

		stat, ok := report.ActionStats[rec.Action]
		if !ok {
			stat = &ActionStats{Action: rec.Action}
			report.ActionStats[rec.Action] = stat
		}
		stat.Count++
		delta := rec.Delta()
		if delta < 0 {
			delta = -delta
		}
		stat.InstancesMoved += delta
		costs[rec.Action] += rec.EstimatedCost.Monthly

		if outcome, ok := report.Outcomes[rec.ID]; ok {
			report.StatusCounts[outcome.Status]++
		}
	}

	for action, stat := range report.ActionStats {
		stat.AvgMonthlyCost = costs[action] / float64(stat.Count)
	}
}

// orderedActions lists actions in a stable display order
func orderedActions(stats map[models.Action]*ActionStats) []*ActionStats {
	var out []*ActionStats
	for _, a := range []models.Action{models.ActionScaleUp, models.ActionScaleDown, models.ActionMaintain} {
		if s, ok := stats[a]; ok {
			out = append(out, s)
		}
	}
	return out
}

func outcomeStatus(report *Report, id string) string {
	if o, ok := report.Outcomes[id]; ok {
		return string(o.Status)
	}
	return "-"
}
