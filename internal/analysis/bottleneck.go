// Package analysis inspects accumulated metric history to flag likely
// performance bottlenecks and explain them. It is a heuristic classifier with
// fixed, auditable thresholds, not a statistical model.
package analysis

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/dispatchworks/printload/internal/metrics"
)

type TrendDirection string

const (
	TrendRising  TrendDirection = "rising"
	TrendFalling TrendDirection = "falling"
	TrendStable  TrendDirection = "stable"
)

// Signal names reported in bottleneck findings.
const (
	SignalResponseTime = "responseTime"
	SignalErrorRate    = "errorRate"
	SignalThroughput   = "throughput"
)

const (
	// Number of samples inspected per signal, split into two halves to
	// estimate the trend.
	analysisWindow = 10
	trendWindow    = 5

	// Minimum combined sample count across all tracked signals before any
	// analysis is attempted.
	minCombinedSamples = 10
)

// BottleneckInfo describes one metric signal judged anomalous.
type BottleneckInfo struct {
	Name            string         `json:"name"`
	CurrentValue    float64        `json:"currentValue"`
	TrendDelta      float64        `json:"trendDelta"`
	Description     string         `json:"description"`
	Trend           TrendDirection `json:"trend"`
	Recommendations []string       `json:"recommendations"`
}

// Result is the outcome of one analysis invocation.
type Result struct {
	Bottlenecks []BottleneckInfo `json:"bottlenecks"`
	Summary     string           `json:"summary"`
}

var (
	responseTimeRecommendations = []string{
		"add dispatch service instances or increase CPU allocation",
		"check database query plans for the job lookup path and add missing indexes",
		"enable caching for hot printer-capability lookups",
	}
	errorRateRecommendations = []string{
		"inspect the dispatch API error log for the failing status codes",
		"verify downstream printer gateway availability",
		"reduce the injected load before retrying",
	}
	throughputRecommendations = []string{
		"check the dispatch service connection pool for exhaustion",
		"look for lock contention in the job submission path",
		"scale out the dispatch workers",
	}
)

// Analyzer evaluates metric history on demand, typically at test teardown.
// It holds no state between invocations and is safe for concurrent use.
type Analyzer struct {
	log *logrus.Entry
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{
		log: logrus.StandardLogger().WithField("service", "BottleneckAnalyzer"),
	}
}

// Analyze inspects the given history, keyed by metric name as recorded in the
// metrics store, and returns findings for every signal whose recent average or
// trend crosses its threshold. Too little data is not an error; it yields a
// result with an explanatory summary and no findings.
func (a *Analyzer) Analyze(history map[string][]float64) Result {
	responseTimes := history[metrics.MetricResponseTime]
	errorRates := deriveErrorRates(history[metrics.MetricSuccessRate])
	throughputs := history[metrics.MetricTPS]
	if len(throughputs) == 0 {
		throughputs = history["throughput"]
	}

	combined := len(responseTimes) + len(errorRates) + len(throughputs)
	if combined < minCombinedSamples {
		return Result{
			Summary: fmt.Sprintf(
				"insufficient data for bottleneck analysis: %d samples collected, at least %d required",
				combined, minCombinedSamples),
		}
	}

	var found []BottleneckInfo
	if info := evaluateResponseTime(responseTimes); info != nil {
		found = append(found, *info)
	}
	if info := evaluateErrorRate(errorRates); info != nil {
		found = append(found, *info)
	}
	if info := evaluateThroughput(throughputs); info != nil {
		found = append(found, *info)
	}

	result := Result{
		Bottlenecks: found,
		Summary:     summarize(found),
	}
	a.log.WithField("bottlenecks", len(found)).Info("bottleneck analysis complete")
	return result
}

// deriveErrorRates converts success-rate samples (percent) into error rates.
// The success flag itself is an opaque classification made upstream; nothing
// here re-derives which responses count as successful.
func deriveErrorRates(successRates []float64) []float64 {
	if len(successRates) == 0 {
		return nil
	}
	errorRates := make([]float64, len(successRates))
	for i, rate := range successRates {
		errorRates[i] = 100 - rate
	}
	return errorRates
}

// windowStats returns the average over the last analysisWindow samples and the
// trend, i.e., mean of the newer half minus mean of the older half. The second
// return value is false if the signal has too few samples to evaluate.
func windowStats(values []float64) (avg, trend float64, ok bool) {
	if len(values) < analysisWindow {
		return 0, 0, false
	}
	window := values[len(values)-analysisWindow:]
	older := stat.Mean(window[:trendWindow], nil)
	newer := stat.Mean(window[trendWindow:], nil)
	return stat.Mean(window, nil), newer - older, true
}

func trendDirection(trend float64) TrendDirection {
	switch {
	case trend > 0:
		return TrendRising
	case trend < 0:
		return TrendFalling
	default:
		return TrendStable
	}
}

func evaluateResponseTime(values []float64) *BottleneckInfo {
	avg, trend, ok := windowStats(values)
	if !ok {
		return nil
	}
	if avg > 2000 || (avg > 1000 && trend > 100) {
		return &BottleneckInfo{
			Name:         SignalResponseTime,
			CurrentValue: avg,
			TrendDelta:   trend,
			Description: fmt.Sprintf(
				"average response time %.0fms over the last %d samples, trend %+.0fms",
				avg, analysisWindow, trend),
			Trend:           trendDirection(trend),
			Recommendations: responseTimeRecommendations,
		}
	}
	return nil
}

func evaluateErrorRate(values []float64) *BottleneckInfo {
	avg, trend, ok := windowStats(values)
	if !ok {
		return nil
	}
	if avg > 5 || (avg > 1 && trend > 1) {
		return &BottleneckInfo{
			Name:         SignalErrorRate,
			CurrentValue: avg,
			TrendDelta:   trend,
			Description: fmt.Sprintf(
				"average error rate %.1f%% over the last %d samples, trend %+.1f%%",
				avg, analysisWindow, trend),
			Trend:           trendDirection(trend),
			Recommendations: errorRateRecommendations,
		}
	}
	return nil
}

func evaluateThroughput(values []float64) *BottleneckInfo {
	avg, trend, ok := windowStats(values)
	if !ok {
		return nil
	}
	if (avg < 50 && trend < 0) || avg < 20 {
		return &BottleneckInfo{
			Name:         SignalThroughput,
			CurrentValue: avg,
			TrendDelta:   trend,
			Description: fmt.Sprintf(
				"average throughput %.1f tps over the last %d samples, trend %+.1f tps",
				avg, analysisWindow, trend),
			Trend:           trendDirection(trend),
			Recommendations: throughputRecommendations,
		}
	}
	return nil
}

// summarize composes per-signal detail blocks followed by a conclusion chosen
// by fixed precedence: responseTime and throughput together outrank either
// alone, which outranks an error-rate-only finding.
func summarize(found []BottleneckInfo) string {
	if len(found) == 0 {
		return "no significant bottleneck found"
	}

	byName := make(map[string]bool, len(found))
	var sb strings.Builder
	for _, info := range found {
		byName[info.Name] = true
		sb.WriteString(fmt.Sprintf("[%s] %s\n", info.Name, info.Description))
	}

	switch {
	case byName[SignalResponseTime] && byName[SignalThroughput]:
		sb.WriteString("conclusion: response times are degrading while throughput falls; the dispatch service is likely saturated")
	case byName[SignalResponseTime]:
		sb.WriteString("conclusion: response times exceed the target envelope; the dispatch service is the likely bottleneck")
	case byName[SignalThroughput]:
		sb.WriteString("conclusion: throughput is below the expected floor; check dispatch worker capacity")
	default:
		sb.WriteString("conclusion: elevated error rate; inspect dispatch API failures before scaling load further")
	}
	return sb.String()
}
