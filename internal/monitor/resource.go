// Package monitor periodically samples host CPU and memory usage, feeds the
// values into the metrics store, and raises alerts when any configured
// threshold is breached, including the response-time and error-rate health
// signals of the running test.
package monitor

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/dispatchworks/printload/internal/alerts"
	"github.com/dispatchworks/printload/internal/common/logging"
	"github.com/dispatchworks/printload/internal/common/task"
	"github.com/dispatchworks/printload/internal/metrics"
)

// DefaultSampleInterval is how often host resources are sampled.
const DefaultSampleInterval = 5 * time.Second

// Headroom (in percentage points) above the warning threshold at which a
// resource alert escalates to CRITICAL.
const criticalHeadroom = 10

// Number of recent samples averaged when evaluating the load health signals,
// so one slow request or one failure does not raise an alert.
const healthWindow = 20

// Sampler produces one CPU/memory usage observation, both in percent.
type Sampler interface {
	Sample() (cpuPercent, memPercent float64, err error)
}

// HostSampler samples the local host via gopsutil.
type HostSampler struct{}

func (HostSampler) Sample() (float64, float64, error) {
	cpuPercents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return cpuPercent, vm.UsedPercent, nil
}

// ResourceMonitor runs the sampling loop for one test.
type ResourceMonitor struct {
	testID   string
	store    *metrics.Store
	alerts   *alerts.Manager
	sampler  Sampler
	interval time.Duration
	tasks    *task.BackgroundTaskManager
	log      *logrus.Entry
}

func New(testID string, store *metrics.Store, alertManager *alerts.Manager, tasks *task.BackgroundTaskManager) *ResourceMonitor {
	return &ResourceMonitor{
		testID:   testID,
		store:    store,
		alerts:   alertManager,
		sampler:  HostSampler{},
		interval: DefaultSampleInterval,
		tasks:    tasks,
		log:      logrus.StandardLogger().WithField("service", "ResourceMonitor").WithField("test", testID),
	}
}

// WithSampler replaces the host sampler, e.g., with a deterministic one in tests.
func (m *ResourceMonitor) WithSampler(sampler Sampler) *ResourceMonitor {
	m.sampler = sampler
	return m
}

// WithInterval replaces the sampling interval.
func (m *ResourceMonitor) WithInterval(interval time.Duration) *ResourceMonitor {
	m.interval = interval
	return m
}

// Start registers the sampling loop with the background task manager. The
// first sample is taken immediately.
func (m *ResourceMonitor) Start() {
	m.tasks.Register(m.sampleOnce, m.interval, "resource_sample")
	m.log.WithField("interval", m.interval).Info("started")
}

// sampleOnce takes one observation. A failed sample is logged and skipped;
// resource monitoring must never interfere with the running test.
func (m *ResourceMonitor) sampleOnce() {
	cpuPercent, memPercent, err := m.sampler.Sample()
	if err != nil {
		logging.WithStacktrace(m.log, err).Warn("failed to sample host resources")
		return
	}
	m.store.Record(m.testID, metrics.MetricCPU, cpuPercent)
	m.store.Record(m.testID, metrics.MetricMemory, memPercent)

	thresholds := m.alerts.ThresholdsFor(m.testID)
	m.checkThreshold("CPU usage", cpuPercent, thresholds.CPUPercent, criticalHeadroom)
	m.checkThreshold("memory usage", memPercent, thresholds.MemoryPercent, criticalHeadroom)
	m.checkHealth(thresholds)
}

// checkHealth evaluates the test's response-time and error-rate signals
// against the configured thresholds. A response-time alert escalates to
// CRITICAL at 1.5x the threshold, the error rate at the usual headroom.
func (m *ResourceMonitor) checkHealth(thresholds alerts.Thresholds) {
	if responseTimes := m.store.RecentValues(m.testID, metrics.MetricResponseTime, healthWindow); len(responseTimes) > 0 {
		m.checkThreshold("response time", stat.Mean(responseTimes, nil),
			thresholds.ResponseTimeMs, thresholds.ResponseTimeMs/2)
	}
	if successRates := m.store.RecentValues(m.testID, metrics.MetricSuccessRate, healthWindow); len(successRates) > 0 {
		m.checkThreshold("error rate", 100-stat.Mean(successRates, nil),
			thresholds.ErrorRatePercent, criticalHeadroom)
	}
}

func (m *ResourceMonitor) checkThreshold(what string, value, threshold, headroom float64) {
	if threshold <= 0 || value < threshold {
		return
	}
	level := alerts.LevelWarning
	if value >= threshold+headroom {
		level = alerts.LevelCritical
	}
	m.alerts.SendAlert(m.testID, "high "+what, value, level)
}
