// Package metrics provides bounded, concurrency-safe accumulation of numeric
// time series keyed by (test, metric name). It is the primary data feed for
// the load adjuster and the bottleneck analyzer.
package metrics

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dispatchworks/printload/internal/common/logging"
)

// Standard metric names recorded by the harness. Callers are free to record
// additional metrics under their own names.
const (
	MetricResponseTime = "responseTime"
	MetricSuccessRate  = "successRate"
	MetricTPS          = "tps"
	MetricCPU          = "cpuUsage"
	MetricMemory       = "memoryUsage"
)

// DefaultSeriesCapacity is the number of samples retained per (test, metric)
// series unless overridden.
const DefaultSeriesCapacity = 2000

// Sample is a single timestamped measurement. Samples are immutable once
// appended to a series.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Sink receives live metric updates, e.g., to mirror them to a dashboard.
// Pushes are best-effort; a failing sink never fails the originating Record.
type Sink interface {
	PushMetric(testID, name string, value float64) error
}

// Store holds rolling metric series for any number of tests. All methods are
// safe for concurrent use. Locking is per test, so writes for unrelated tests
// do not contend.
type Store struct {
	capacity int
	log      *logrus.Entry

	mu    sync.RWMutex
	tests map[string]*testSeries
	sinks []Sink
}

type testSeries struct {
	mu     sync.Mutex
	series map[string][]Sample
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultSeriesCapacity
	}
	return &Store{
		capacity: capacity,
		log:      logrus.StandardLogger().WithField("service", "MetricsStore"),
		tests:    make(map[string]*testSeries),
	}
}

// AddSink registers a live sink. Sinks registered after samples have been
// recorded only see subsequent updates.
func (s *Store) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Record appends a sample to the series for (testID, name), evicting the
// oldest sample if the series is at capacity, and forwards the update to any
// registered sinks. Sink failures are logged and swallowed.
func (s *Store) Record(testID, name string, value float64) {
	ts := s.testSeriesFor(testID)

	ts.mu.Lock()
	samples := append(ts.series[name], Sample{Time: time.Now(), Value: value})
	if len(samples) > s.capacity {
		samples = samples[len(samples)-s.capacity:]
	}
	ts.series[name] = samples
	ts.mu.Unlock()

	s.mu.RLock()
	sinks := s.sinks
	s.mu.RUnlock()
	for _, sink := range sinks {
		if err := sink.PushMetric(testID, name, value); err != nil {
			logging.WithStacktrace(s.log, err).
				WithField("metric", name).
				Warn("failed to push metric update to sink")
		}
	}
}

// RecentValues returns up to the last count values for (testID, name) in
// insertion order. An unknown test or metric yields an empty slice.
func (s *Store) RecentValues(testID, name string, count int) []float64 {
	ts := s.lookup(testID)
	if ts == nil || count <= 0 {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	samples := ts.series[name]
	if len(samples) > count {
		samples = samples[len(samples)-count:]
	}
	values := make([]float64, len(samples))
	for i, sample := range samples {
		values[i] = sample.Value
	}
	return values
}

// Latest returns the most recent value of every metric recorded for testID.
func (s *Store) Latest(testID string) map[string]float64 {
	ts := s.lookup(testID)
	if ts == nil {
		return map[string]float64{}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	latest := make(map[string]float64, len(ts.series))
	for name, samples := range ts.series {
		if len(samples) > 0 {
			latest[name] = samples[len(samples)-1].Value
		}
	}
	return latest
}

// All returns a copy of the full retained history for every metric recorded
// for testID.
func (s *Store) All(testID string) map[string][]float64 {
	ts := s.lookup(testID)
	if ts == nil {
		return map[string][]float64{}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	all := make(map[string][]float64, len(ts.series))
	for name, samples := range ts.series {
		values := make([]float64, len(samples))
		for i, sample := range samples {
			values[i] = sample.Value
		}
		all[name] = values
	}
	return all
}

func (s *Store) lookup(testID string) *testSeries {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tests[testID]
}

func (s *Store) testSeriesFor(testID string) *testSeries {
	if ts := s.lookup(testID); ts != nil {
		return ts
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.tests[testID]; ok {
		return ts
	}
	ts := &testSeries{series: make(map[string][]Sample)}
	s.tests[testID] = ts
	return ts
}
