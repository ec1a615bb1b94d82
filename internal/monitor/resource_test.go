package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchworks/printload/internal/alerts"
	"github.com/dispatchworks/printload/internal/common/task"
	"github.com/dispatchworks/printload/internal/metrics"
)

type fakeSampler struct {
	cpu float64
	mem float64
	err error
}

func (s fakeSampler) Sample() (float64, float64, error) {
	return s.cpu, s.mem, s.err
}

func newTestMonitor(sampler Sampler) (*ResourceMonitor, *metrics.Store, *alerts.Manager, *task.BackgroundTaskManager) {
	store := metrics.NewStore(100)
	alertManager := alerts.NewManager(100)
	tasks := task.NewBackgroundTaskManager("test_", prometheus.NewRegistry())
	m := New("test", store, alertManager, tasks).WithSampler(sampler)
	return m, store, alertManager, tasks
}

func TestSampleRecordsMetrics(t *testing.T) {
	m, store, alertManager, _ := newTestMonitor(fakeSampler{cpu: 40, mem: 50})
	m.sampleOnce()

	latest := store.Latest("test")
	assert.Equal(t, 40.0, latest[metrics.MetricCPU])
	assert.Equal(t, 50.0, latest[metrics.MetricMemory])
	assert.Empty(t, alertManager.RecentAlerts("test", 10))
}

func TestCPUBreachRaisesWarning(t *testing.T) {
	// Default CPU threshold is 80; 85 is a breach but under the critical band.
	m, _, alertManager, _ := newTestMonitor(fakeSampler{cpu: 85, mem: 50})
	m.sampleOnce()

	recent := alertManager.RecentAlerts("test", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, alerts.LevelWarning, recent[0].Level)
	assert.Equal(t, "high CPU usage", recent[0].Message)
	assert.Equal(t, 85.0, recent[0].Value)
}

func TestCPUBreachEscalatesToCritical(t *testing.T) {
	m, _, alertManager, _ := newTestMonitor(fakeSampler{cpu: 95, mem: 50})
	m.sampleOnce()

	recent := alertManager.RecentAlerts("test", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, alerts.LevelCritical, recent[0].Level)
}

func TestMemoryBreachRaisesAlert(t *testing.T) {
	m, _, alertManager, _ := newTestMonitor(fakeSampler{cpu: 10, mem: 99})
	m.sampleOnce()

	recent := alertManager.RecentAlerts("test", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, "high memory usage", recent[0].Message)
}

func TestResponseTimeBreachRaisesAlert(t *testing.T) {
	// Default response-time threshold is 2000ms; 2500 breaches it but stays
	// under the 3000ms critical line.
	m, store, alertManager, _ := newTestMonitor(fakeSampler{cpu: 10, mem: 10})
	for i := 0; i < 10; i++ {
		store.Record("test", metrics.MetricResponseTime, 2500)
	}
	m.sampleOnce()

	recent := alertManager.RecentAlerts("test", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, alerts.LevelWarning, recent[0].Level)
	assert.Equal(t, "high response time", recent[0].Message)
	assert.Equal(t, 2500.0, recent[0].Value)
}

func TestResponseTimeBreachEscalatesToCritical(t *testing.T) {
	m, store, alertManager, _ := newTestMonitor(fakeSampler{cpu: 10, mem: 10})
	for i := 0; i < 10; i++ {
		store.Record("test", metrics.MetricResponseTime, 3500)
	}
	m.sampleOnce()

	recent := alertManager.RecentAlerts("test", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, alerts.LevelCritical, recent[0].Level)
}

func TestErrorRateBreachRaisesAlert(t *testing.T) {
	// 90% success = 10% errors, above the 5% threshold but under the critical
	// line at 15%.
	m, store, alertManager, _ := newTestMonitor(fakeSampler{cpu: 10, mem: 10})
	for i := 0; i < 10; i++ {
		store.Record("test", metrics.MetricSuccessRate, 90)
	}
	m.sampleOnce()

	recent := alertManager.RecentAlerts("test", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, alerts.LevelWarning, recent[0].Level)
	assert.Equal(t, "high error rate", recent[0].Message)
	assert.InDelta(t, 10, recent[0].Value, 1e-9)
}

func TestErrorRateBreachEscalatesToCritical(t *testing.T) {
	m, store, alertManager, _ := newTestMonitor(fakeSampler{cpu: 10, mem: 10})
	for i := 0; i < 10; i++ {
		store.Record("test", metrics.MetricSuccessRate, 80)
	}
	m.sampleOnce()

	recent := alertManager.RecentAlerts("test", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, alerts.LevelCritical, recent[0].Level)
}

func TestHealthySignalsRaiseNoAlerts(t *testing.T) {
	m, store, alertManager, _ := newTestMonitor(fakeSampler{cpu: 10, mem: 10})
	for i := 0; i < 10; i++ {
		store.Record("test", metrics.MetricResponseTime, 150)
		store.Record("test", metrics.MetricSuccessRate, 100)
	}
	m.sampleOnce()

	assert.Empty(t, alertManager.RecentAlerts("test", 10))
}

func TestSamplerFailureIsSkipped(t *testing.T) {
	m, store, alertManager, _ := newTestMonitor(fakeSampler{err: fmt.Errorf("no procfs")})

	assert.NotPanics(t, m.sampleOnce)
	assert.Empty(t, store.All("test"))
	assert.Empty(t, alertManager.RecentAlerts("test", 10))
}

func TestStartSamplesPeriodically(t *testing.T) {
	m, store, _, tasks := newTestMonitor(fakeSampler{cpu: 10, mem: 10})
	m.WithInterval(20 * time.Millisecond)

	m.Start()
	time.Sleep(70 * time.Millisecond)
	timedOut := tasks.StopAll(time.Second)

	assert.False(t, timedOut)
	assert.GreaterOrEqual(t, len(store.All("test")[metrics.MetricCPU]), 2)
}
