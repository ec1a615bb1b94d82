// Package report assembles the end-of-run summary: per-metric statistics,
// the adjustment trail, bottleneck findings and recent alerts.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/dispatchworks/printload/internal/adjuster"
	"github.com/dispatchworks/printload/internal/alerts"
	"github.com/dispatchworks/printload/internal/analysis"
)

type Statistics struct {
	Count             int     `json:"count"`
	Min               float64 `json:"min"`
	Max               float64 `json:"max"`
	Average           float64 `json:"average"`
	StandardDeviation float64 `json:"standardDeviation"`
}

type Report struct {
	RunID       string                 `json:"runId"`
	TestID      string                 `json:"testId"`
	StartedAt   time.Time              `json:"startedAt"`
	FinishedAt  time.Time              `json:"finishedAt"`
	Statistics  map[string]*Statistics `json:"statistics"`
	Adjustments []adjuster.Record      `json:"adjustments"`
	Bottlenecks analysis.Result        `json:"bottlenecks"`
	Alerts      []alerts.Alert         `json:"alerts"`
}

// New assembles a report from the full retained metric history plus the
// adjustment, analysis and alert records of the run.
func New(runID, testID string, startedAt, finishedAt time.Time,
	history map[string][]float64, adjustments []adjuster.Record,
	bottlenecks analysis.Result, recentAlerts []alerts.Alert,
) *Report {
	statistics := make(map[string]*Statistics, len(history))
	for name, values := range history {
		statistics[name] = Describe(values)
	}
	return &Report{
		RunID:       runID,
		TestID:      testID,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		Statistics:  statistics,
		Adjustments: adjustments,
		Bottlenecks: bottlenecks,
		Alerts:      recentAlerts,
	}
}

// Describe computes summary statistics over one metric series.
func Describe(values []float64) *Statistics {
	if len(values) == 0 {
		return &Statistics{}
	}
	min := math.Inf(1)
	max := math.Inf(-1)
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	statistics := &Statistics{
		Count:   len(values),
		Min:     min,
		Max:     max,
		Average: stat.Mean(values, nil),
	}
	if len(values) > 1 {
		statistics.StandardDeviation = stat.StdDev(values, nil)
	}
	return statistics
}

func (r *Report) Print(out io.Writer) {
	_, _ = fmt.Fprintf(out, "\nLoad test report %s (run %s):\n", r.TestID, r.RunID)
	_, _ = fmt.Fprintf(out, "duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))

	_, _ = fmt.Fprintf(out, "\nStatistics:\n")
	for metric, stats := range r.Statistics {
		_, _ = fmt.Fprintf(out, "\t* %s\n", metric)
		_, _ = fmt.Fprintf(out, "\t\t - count: %d\n", stats.Count)
		_, _ = fmt.Fprintf(out, "\t\t - min: %f\n", stats.Min)
		_, _ = fmt.Fprintf(out, "\t\t - max: %f\n", stats.Max)
		_, _ = fmt.Fprintf(out, "\t\t - avg: %f\n", stats.Average)
		_, _ = fmt.Fprintf(out, "\t\t - standard deviation: %f\n", stats.StandardDeviation)
	}

	_, _ = fmt.Fprintf(out, "\nAdjustments (%d):\n", len(r.Adjustments))
	for _, record := range r.Adjustments {
		_, _ = fmt.Fprintf(out, "\t%s: %d -> %d users (%s)\n",
			record.Time.Format(time.RFC3339), record.PreviousUsers, record.NewUsers, record.Reason)
	}

	_, _ = fmt.Fprintf(out, "\nBottleneck analysis:\n%s\n", r.Bottlenecks.Summary)
	for _, info := range r.Bottlenecks.Bottlenecks {
		for _, recommendation := range info.Recommendations {
			_, _ = fmt.Fprintf(out, "\t- [%s] %s\n", info.Name, recommendation)
		}
	}

	if len(r.Alerts) > 0 {
		_, _ = fmt.Fprintf(out, "\nAlerts (most recent first):\n")
		for _, alert := range r.Alerts {
			_, _ = fmt.Fprintf(out, "\t%s %s: %s (%.1f)\n",
				alert.Time.Format(time.RFC3339), alert.Level, alert.Message, alert.Value)
		}
	}
}

// WriteFile writes the report as indented JSON to a timestamped file in dir,
// creating dir if needed, and returns the file path.
func (r *Report) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.WithStack(err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.WithStack(err)
	}
	path := filepath.Join(dir, fmt.Sprintf("printload-%s-%s.json",
		r.TestID, r.FinishedAt.Format("20060102-150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.WithStack(err)
	}
	return path, nil
}
