package reporter

import (
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

const markdownTemplate = `# Capacity Report{{if .Pool}}: {{.Pool}}{{end}}

Generated {{.GeneratedAt.UTC.Format "2006-01-02 15:04 MST"}}

## Summary

| Metric | Value |
|---|---|
| Cycles | {{.CycleCount}} |
| Capacity changes | {{.ChangeCount}} |
| Peak instances | {{.PeakInstances}} |
| Latest monthly cost | ${{printf "%.2f" .LatestMonthlyCost}} |
| Monthly cost change | ${{printf "%+.2f" .CostChange}} |
| Savings | {{printf "%.2f" .ROI.SavingsPercentage}}% (${{printf "%.2f" .ROI.AnnualSavings}}/year) |

## Cost Analysis

| Metric | Value |
|---|---|
| Cost trend | {{.CostTrend.Trend}} |
| Days analyzed | {{.CostTrend.DaysAnalyzed}} |
| Avg daily cost | ${{printf "%.2f" .CostTrend.AverageDailyCost}} |
| Projected monthly cost | ${{printf "%.2f" .CostTrend.ProjectedMonthlyCost}} |
| Optimization score | {{printf "%.2f" .LatestScore.Total}} (cost {{printf "%.0f" .LatestScore.Cost}}, performance {{printf "%.0f" .LatestScore.Performance}}) |
| Avg optimization score | {{printf "%.2f" .AverageScore}} |
{{- if .StatusCounts}}

## Convergence

| Status | Cycles |
|---|---|
{{- range $status, $n := .StatusCounts}}
| {{$status}} | {{$n}} |
{{- end}}
{{- end}}

## Actions

| Action | Cycles | Instances moved | Avg monthly cost |
|---|---|---|---|
{{- range actions .ActionStats}}
| {{.Action}} | {{.Count}} | {{.InstancesMoved}} | ${{printf "%.2f" .AvgMonthlyCost}} |
{{- end}}

## History

| Time | Action | Instances | CPU | Memory | Outcome | Reason |
|---|---|---|---|---|---|---|
{{- range .Recommendations}}
| {{timestamp .CreatedAt}} | {{.Action}} | {{.CurrentInstances}} → {{.RecommendedInstances}} | {{printf "%.1f" .PredictedCPU}}% | {{printf "%.1f" .PredictedMemory}}% | {{outcome .ID}} | {{cell .Reason}} |
{{- end}}
{{- if .Opportunities}}

## Savings Opportunities

| Type | Priority | Potential savings | Action |
|---|---|---|---|
{{- range .Opportunities}}
| {{.Kind}} | {{.Priority}} | {{.PotentialSavings}} | {{cell .Action}} |
{{- end}}
{{- end}}
`

// GenerateMarkdown creates a markdown report
func GenerateMarkdown(report *Report, writer io.Writer) error {
	funcs := template.FuncMap{
		"actions": func(stats map[models.Action]*ActionStats) []*ActionStats {
			return orderedActions(stats)
		},
		"outcome": func(id string) string {
			return outcomeStatus(report, id)
		},
		"timestamp": func(t time.Time) string {
			return t.UTC().Format("2006-01-02 15:04")
		},
		"cell": func(s string) string {
			return strings.ReplaceAll(s, "|", "\\|")
		},
	}

	tmpl, err := template.New("report").Funcs(funcs).Parse(markdownTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	if err := tmpl.Execute(writer, report); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

// Write renders report in the reporter's format
func (r *Reporter) Write(report *Report, writer io.Writer) error {
	switch r.format {
	case FormatCSV:
		return GenerateCSV(report, writer)
	case FormatMarkdown:
		return GenerateMarkdown(report, writer)
	}
	return fmt.Errorf("unsupported report format: %s", r.format)
}
