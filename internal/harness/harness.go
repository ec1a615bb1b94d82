// Package harness wires the core components together for one load test run.
// Every run owns its own store, alert manager, adjuster and monitor; nothing
// is process-global, so multiple runs can coexist in one process.
package harness

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/dispatchworks/printload/internal/adjuster"
	"github.com/dispatchworks/printload/internal/alerts"
	"github.com/dispatchworks/printload/internal/analysis"
	"github.com/dispatchworks/printload/internal/common/task"
	"github.com/dispatchworks/printload/internal/metrics"
	"github.com/dispatchworks/printload/internal/monitor"
	"github.com/dispatchworks/printload/internal/report"
	"github.com/dispatchworks/printload/internal/runner"
)

const (
	taskStopTimeout  = 5 * time.Second
	reportAlertLimit = 20
)

// Harness executes one load test run described by a Plan.
type Harness struct {
	// Plan describes the run. Must be validated before use.
	Plan *Plan
	// Registerer receives the run's prometheus metrics.
	// Defaults to the process-wide default registerer.
	Registerer prometheus.Registerer
	// Classifier decides response success. Defaults to accepting any 2xx.
	Classifier runner.Classifier
	// Sampler provides host resource observations. Defaults to gopsutil.
	Sampler monitor.Sampler

	runID string
	log   *logrus.Entry
}

func New(plan *Plan) (*Harness, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	runID := uuid.New().String()
	return &Harness{
		Plan:  plan,
		runID: runID,
		log:   logrus.StandardLogger().WithField("service", "Harness").WithField("run", runID),
	}, nil
}

func (h *Harness) RunID() string {
	return h.runID
}

// Run executes the full test lifecycle: start the resource monitor and the
// adjuster, drive load for the configured duration, stop everything, and
// assemble the report. An early ctx cancellation ends the run cleanly.
func (h *Harness) Run(ctx context.Context) (*report.Report, error) {
	plan := h.Plan
	testID := plan.Name

	registerer := h.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	store := metrics.NewStore(metrics.DefaultSeriesCapacity)
	store.AddSink(metrics.NewPrometheusSink(registerer))

	alertManager := alerts.NewManager(alerts.DefaultRetention)
	alertManager.Initialize(testID)
	alertManager.SetThresholds(testID, plan.thresholds())

	tasks := task.NewBackgroundTaskManager("printload_", registerer)
	resourceMonitor := monitor.New(testID, store, alertManager, tasks)
	if h.Sampler != nil {
		resourceMonitor.WithSampler(h.Sampler)
	}

	loadRunner, err := runner.New(runner.Config{
		TestID:         testID,
		URL:            plan.Target.URL,
		Method:         plan.Target.Method,
		Body:           []byte(plan.Target.Body),
		RequestTimeout: time.Duration(plan.Target.TimeoutSeconds) * time.Second,
	}, store, h.Classifier)
	if err != nil {
		return nil, err
	}

	loadAdjuster, err := adjuster.New(adjuster.Config{
		TestID:               testID,
		InitialUsers:         plan.Load.InitialUsers,
		MaxUsers:             plan.Load.MaxUsers,
		StepSize:             plan.Load.StepSize,
		TargetResponseTimeMs: plan.Load.TargetResponseTimeMs,
		AdjustmentInterval:   plan.Load.AdjustmentInterval(),
	}, store, loadRunner.SetConcurrency)
	if err != nil {
		return nil, err
	}

	h.log.WithField("test", testID).
		WithField("duration", plan.Load.Duration()).
		Info("starting load test run")
	startedAt := time.Now()

	resourceMonitor.Start()
	loadAdjuster.Start()

	runCtx, cancel := context.WithTimeout(ctx, plan.Load.Duration())
	defer cancel()
	runErr := loadRunner.Run(runCtx, plan.Load.InitialUsers)

	loadAdjuster.Stop()
	if timedOut := tasks.StopAll(taskStopTimeout); timedOut {
		h.log.Warn("timed out waiting for background tasks to stop")
	}
	finishedAt := time.Now()

	history := store.All(testID)
	result := analysis.NewAnalyzer().Analyze(history)
	rep := report.New(
		h.runID, testID, startedAt, finishedAt,
		history, loadAdjuster.History(), result,
		alertManager.RecentAlerts(testID, reportAlertLimit),
	)
	h.log.Info("load test run finished")
	return rep, runErr
}
