package evals

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quantpilot/quantpilot/internal/store"
)

// Grade maps a score onto a letter grade.
func Grade(score float64) string {
	switch {
	case score >= 0.9:
		return "A"
	case score >= 0.8:
		return "B"
	case score >= 0.7:
		return "C"
	case score >= 0.6:
		return "D"
	}
	return "F"
}

// CategorySummary aggregates one category's scores.
type CategorySummary struct {
	Category string  `json:"category"`
	Average  float64 `json:"average"`
	Grade    string  `json:"grade"`
	Count    int     `json:"count"`
}

// Failure is one below-threshold eval row for the dashboard.
type Failure struct {
	RunID    string   `json:"run_id"`
	EvalName string   `json:"eval_name"`
	Category string   `json:"category"`
	Score    float64  `json:"score"`
	Reasons  []string `json:"reasons"`
}

// Dashboard is the windowed aggregate view over eval rows.
type Dashboard struct {
	Window            string            `json:"window"`
	TotalEvals        int               `json:"total_evals"`
	OverallAverage    float64           `json:"overall_average"`
	OverallGrade      string            `json:"overall_grade"`
	Categories        []CategorySummary `json:"categories"`
	GradeDistribution map[string]int    `json:"grade_distribution"`
	TopFailures       []Failure         `json:"top_failures"`
}

// RunSummary is the per-run aggregate view.
type RunSummary struct {
	RunID          string            `json:"run_id"`
	TotalEvals     int               `json:"total_evals"`
	OverallAverage float64           `json:"overall_average"`
	OverallGrade   string            `json:"overall_grade"`
	Categories     []CategorySummary `json:"categories"`
	Failures       []Failure         `json:"failures"`
}

// SummarizeRun aggregates one run's eval rows.
func (r *Registry) SummarizeRun(ctx context.Context, runID string) (*RunSummary, error) {
	rows, err := r.store.ListEvalResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("eval rows load failed: %w", err)
	}
	summary := &RunSummary{RunID: runID, TotalEvals: len(rows)}
	summary.Categories, summary.OverallAverage = categorize(rows)
	summary.OverallGrade = Grade(summary.OverallAverage)
	summary.Failures = failuresOf(rows, len(rows))
	return summary, nil
}

// BuildDashboard aggregates eval rows over a window (24h, 48h or 7d).
func (r *Registry) BuildDashboard(ctx context.Context, window string) (*Dashboard, error) {
	d, err := windowDuration(window)
	if err != nil {
		return nil, err
	}
	rows, err := r.store.ListEvalResultsSince(ctx, time.Now().UTC().Add(-d))
	if err != nil {
		return nil, fmt.Errorf("eval rows load failed: %w", err)
	}

	dash := &Dashboard{
		Window:            window,
		TotalEvals:        len(rows),
		GradeDistribution: map[string]int{},
	}
	dash.Categories, dash.OverallAverage = categorize(rows)
	dash.OverallGrade = Grade(dash.OverallAverage)
	for _, row := range rows {
		dash.GradeDistribution[Grade(row.Score)]++
	}
	dash.TopFailures = failuresOf(rows, 10)
	return dash, nil
}

func categorize(rows []store.EvalResult) ([]CategorySummary, float64) {
	sums := map[string]float64{}
	counts := map[string]int{}
	var total float64
	for _, row := range rows {
		sums[row.Category] += row.Score
		counts[row.Category]++
		total += row.Score
	}

	categories := make([]CategorySummary, 0, len(sums))
	for category, sum := range sums {
		avg := sum / float64(counts[category])
		categories = append(categories, CategorySummary{
			Category: category,
			Average:  avg,
			Grade:    Grade(avg),
			Count:    counts[category],
		})
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Category < categories[j].Category })

	overall := 0.0
	if len(rows) > 0 {
		overall = total / float64(len(rows))
	}
	return categories, overall
}

// failuresOf returns below-1.0 rows sorted worst-first.
func failuresOf(rows []store.EvalResult, limit int) []Failure {
	var failures []Failure
	for _, row := range rows {
		if row.Score >= 1 {
			continue
		}
		failures = append(failures, Failure{
			RunID:    row.RunID,
			EvalName: row.EvalName,
			Category: row.Category,
			Score:    row.Score,
			Reasons:  row.Reasons,
		})
	}
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Score != failures[j].Score {
			return failures[i].Score < failures[j].Score
		}
		return failures[i].EvalName < failures[j].EvalName
	})
	if len(failures) > limit {
		failures = failures[:limit]
	}
	return failures
}

// ExplainRun backfills a plain-language explanation onto every eval row of a
// run. Explanations are derived from the recorded reasons; rows that already
// carry one are left alone.
func (r *Registry) ExplainRun(ctx context.Context, runID string) (int, error) {
	rows, err := r.store.ListEvalResults(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("eval rows load failed: %w", err)
	}
	explained := 0
	for _, row := range rows {
		if row.Explanation != nil && *row.Explanation != "" {
			continue
		}
		text := explain(row)
		if err := r.store.UpdateEvalExplanation(ctx, row.ID, text, "rule_based"); err != nil {
			return explained, fmt.Errorf("explanation persist failed: %w", err)
		}
		explained++
	}
	return explained, nil
}

func explain(row store.EvalResult) string {
	verdict := "passed"
	switch {
	case row.Score == 0:
		verdict = "failed"
	case row.Score < 1:
		verdict = fmt.Sprintf("scored %.2f", row.Score)
	}
	text := fmt.Sprintf("%s (%s) %s", row.EvalName, row.Category, verdict)
	if len(row.Reasons) > 0 {
		text += ": " + strings.Join(row.Reasons, "; ")
	}
	return text
}
