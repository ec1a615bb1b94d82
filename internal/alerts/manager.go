// Package alerts provides a capped, per-test alert journal with level tagging.
// Alerts are written by any component detecting a threshold breach and read
// back by reporting code.
package alerts

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dispatchworks/printload/internal/common/logging"
)

type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// DefaultRetention is the number of alerts retained per test.
const DefaultRetention = 100

// DefaultRecentLimit is the number of alerts returned by RecentAlerts when no
// limit is given.
const DefaultRecentLimit = 20

// Alert is a single threshold-breach record. Read-only after creation.
type Alert struct {
	Time    time.Time `json:"time"`
	TestID  string    `json:"testId"`
	Message string    `json:"message"`
	Value   float64   `json:"value"`
	Level   Level     `json:"level"`
}

// Thresholds holds the breach levels monitored for a test.
type Thresholds struct {
	CPUPercent       float64 `json:"cpuPercent" yaml:"cpuPercent"`
	MemoryPercent    float64 `json:"memoryPercent" yaml:"memoryPercent"`
	ErrorRatePercent float64 `json:"errorRatePercent" yaml:"errorRatePercent"`
	ResponseTimeMs   float64 `json:"responseTimeMs" yaml:"responseTimeMs"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:       80,
		MemoryPercent:    85,
		ErrorRatePercent: 5,
		ResponseTimeMs:   2000,
	}
}

// Sink receives live alert updates, e.g., to mirror them to a dashboard.
// Pushes are best-effort; a failing sink never fails the originating SendAlert.
type Sink interface {
	PushAlert(alert Alert) error
}

// Manager keeps a size-capped FIFO alert list per test. All methods are safe
// for concurrent use; mutations are serialized per test.
type Manager struct {
	retention int
	log       *logrus.Entry

	mu    sync.RWMutex
	tests map[string]*testAlerts
	sinks []Sink
}

type testAlerts struct {
	mu         sync.Mutex
	alerts     []Alert
	thresholds Thresholds
}

func NewManager(retention int) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		retention: retention,
		log:       logrus.StandardLogger().WithField("service", "AlertManager"),
		tests:     make(map[string]*testAlerts),
	}
}

// AddSink registers a live sink for subsequent alerts.
func (m *Manager) AddSink(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Initialize ensures an empty alert list and default thresholds exist for
// testID. Calling it for an already initialized test is a no-op.
func (m *Manager) Initialize(testID string) {
	m.testAlertsFor(testID)
}

// SetThresholds replaces the stored thresholds for testID.
func (m *Manager) SetThresholds(testID string, thresholds Thresholds) {
	ta := m.testAlertsFor(testID)
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.thresholds = thresholds
}

// ThresholdsFor returns the thresholds currently stored for testID.
func (m *Manager) ThresholdsFor(testID string) Thresholds {
	ta := m.testAlertsFor(testID)
	ta.mu.Lock()
	defer ta.mu.Unlock()
	return ta.thresholds
}

// SendAlert records an alert for testID, trimming the journal to the retention
// cap, and mirrors it to any registered sinks. The alert is always also
// written to the process log. Sink failures are logged and swallowed.
func (m *Manager) SendAlert(testID, message string, value float64, level Level) Alert {
	alert := Alert{
		Time:    time.Now(),
		TestID:  testID,
		Message: message,
		Value:   value,
		Level:   level,
	}

	ta := m.testAlertsFor(testID)
	ta.mu.Lock()
	ta.alerts = append(ta.alerts, alert)
	if len(ta.alerts) > m.retention {
		ta.alerts = ta.alerts[len(ta.alerts)-m.retention:]
	}
	ta.mu.Unlock()

	entry := m.log.WithField("test", testID).WithField("value", value)
	switch level {
	case LevelCritical, LevelError:
		entry.Error(message)
	case LevelWarning:
		entry.Warn(message)
	default:
		entry.Info(message)
	}

	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, sink := range sinks {
		if err := sink.PushAlert(alert); err != nil {
			logging.WithStacktrace(m.log, err).Warn("failed to push alert to sink")
		}
	}
	return alert
}

// RecentAlerts returns up to limit alerts for testID, most recent first.
// A non-positive limit selects DefaultRecentLimit.
func (m *Manager) RecentAlerts(testID string, limit int) []Alert {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	ta := m.lookup(testID)
	if ta == nil {
		return nil
	}
	ta.mu.Lock()
	defer ta.mu.Unlock()
	if limit > len(ta.alerts) {
		limit = len(ta.alerts)
	}
	recent := make([]Alert, 0, limit)
	for i := len(ta.alerts) - 1; i >= len(ta.alerts)-limit; i-- {
		recent = append(recent, ta.alerts[i])
	}
	return recent
}

// Clear drops all alerts for testID. Thresholds are retained.
func (m *Manager) Clear(testID string) {
	ta := m.lookup(testID)
	if ta == nil {
		return
	}
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.alerts = nil
}

func (m *Manager) lookup(testID string) *testAlerts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tests[testID]
}

func (m *Manager) testAlertsFor(testID string) *testAlerts {
	if ta := m.lookup(testID); ta != nil {
		return ta
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ta, ok := m.tests[testID]; ok {
		return ta
	}
	ta := &testAlerts{thresholds: DefaultThresholds()}
	m.tests[testID] = ta
	return ta
}
