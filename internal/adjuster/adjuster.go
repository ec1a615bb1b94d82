// Package adjuster implements the feedback control loop that keeps observed
// response times near a configured target by adjusting the virtual user count
// within bounds on a fixed schedule.
package adjuster

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/dispatchworks/printload/internal/common/loaderrors"
	"github.com/dispatchworks/printload/internal/metrics"
)

const (
	// Number of recent response-time samples averaged per tick.
	sampleWindow = 5

	// Ratio tiers. Large deviations get large corrective steps, small
	// deviations get incremental steps; within [decreaseRatio, increaseRatio]
	// no adjustment is made. Averaging over sampleWindow samples keeps one
	// noisy observation from triggering a correction.
	sharpDecreaseRatio = 1.5
	decreaseRatio      = 1.2
	sharpIncreaseRatio = 0.5
	increaseRatio      = 0.8

	// Fraction of the current level removed or added on a sharp correction.
	sharpDecreaseFraction = 0.3
	sharpIncreaseFraction = 0.2

	// How long Stop waits for an in-flight tick before giving up.
	stopTimeout = 10 * time.Second
)

// NotifyFunc is invoked synchronously whenever the adjuster changes the user
// count. External code translates this into an actual change to the injected
// load; the adjuster itself does not control the load generator.
type NotifyFunc func(newUsers int, reason string)

// Config holds the immutable parameters of one adjuster instance.
type Config struct {
	TestID               string
	InitialUsers         int
	MaxUsers             int
	StepSize             int
	TargetResponseTimeMs float64
	AdjustmentInterval   time.Duration
}

func (c Config) Validate() error {
	if c.TestID == "" {
		return errors.WithStack(&loaderrors.ErrInvalidArgument{
			Name: "TestID", Value: c.TestID, Message: "not provided",
		})
	}
	if c.InitialUsers <= 0 {
		return errors.WithStack(&loaderrors.ErrInvalidArgument{
			Name: "InitialUsers", Value: c.InitialUsers, Message: "must be positive",
		})
	}
	if c.MaxUsers < c.InitialUsers {
		return errors.WithStack(&loaderrors.ErrInvalidArgument{
			Name: "MaxUsers", Value: c.MaxUsers, Message: "must be at least InitialUsers",
		})
	}
	if c.StepSize <= 0 {
		return errors.WithStack(&loaderrors.ErrInvalidArgument{
			Name: "StepSize", Value: c.StepSize, Message: "must be positive",
		})
	}
	if c.TargetResponseTimeMs <= 0 {
		return errors.WithStack(&loaderrors.ErrInvalidArgument{
			Name: "TargetResponseTimeMs", Value: c.TargetResponseTimeMs, Message: "must be positive",
		})
	}
	if c.AdjustmentInterval <= 0 {
		return errors.WithStack(&loaderrors.ErrInvalidArgument{
			Name: "AdjustmentInterval", Value: c.AdjustmentInterval, Message: "must be positive",
		})
	}
	return nil
}

// Record documents one accepted adjustment decision. Records are appended by
// the control loop only and never mutated afterwards.
type Record struct {
	Time          time.Time `json:"time"`
	PreviousUsers int       `json:"previousUsers"`
	NewUsers      int       `json:"newUsers"`
	ObservedAvgMs float64   `json:"observedAvgResponseTimeMs"`
	TargetMs      float64   `json:"targetResponseTimeMs"`
	Reason        string    `json:"reason"`
}

// LoadAdjuster is the periodic control loop. Ticks run on a dedicated
// goroutine and never overlap; every failure mode inside a tick degrades to
// "no adjustment this cycle".
type LoadAdjuster struct {
	config Config
	store  *metrics.Store
	notify NotifyFunc
	log    *logrus.Entry

	mu           sync.Mutex
	currentUsers int
	running      bool
	stop         chan struct{}
	done         chan struct{}
	history      []Record
}

func New(config Config, store *metrics.Store, notify NotifyFunc) (*LoadAdjuster, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &LoadAdjuster{
		config:       config,
		store:        store,
		notify:       notify,
		log:          logrus.StandardLogger().WithField("service", "LoadAdjuster").WithField("test", config.TestID),
		currentUsers: config.InitialUsers,
	}, nil
}

// Start schedules the control loop, with the first tick one full interval from
// now. Calling Start on a running adjuster is a no-op.
func (a *LoadAdjuster) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		a.log.Warn("start called on a running adjuster; ignoring")
		return
	}
	a.running = true
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.run(a.stop, a.done)
	a.log.WithField("interval", a.config.AdjustmentInterval).Info("started")
}

// Stop cancels the schedule, waits up to stopTimeout for an in-flight tick to
// finish, and flushes the adjustment history to the log. It is idempotent and
// safe to call on an adjuster that was never started. After Stop returns no
// new tick will start.
func (a *LoadAdjuster) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stop)
	done := a.done
	a.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		a.log.Warn("timed out waiting for in-flight adjustment to finish")
	}
	a.flushHistory()
}

// Running reports whether the control loop is currently scheduled.
func (a *LoadAdjuster) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// CurrentUsers returns the concurrency level the adjuster currently targets.
func (a *LoadAdjuster) CurrentUsers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentUsers
}

// History returns a copy of all accepted adjustment records in order.
func (a *LoadAdjuster) History() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	history := make([]Record, len(a.history))
	copy(history, a.history)
	return history
}

func (a *LoadAdjuster) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.config.AdjustmentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick executes one adjustment decision. A panic anywhere inside is treated as
// a skipped cycle; the schedule must survive any single bad cycle.
func (a *LoadAdjuster) tick() {
	defer func() {
		if r := recover(); r != nil {
			a.log.WithField("panic", r).Error("adjustment cycle failed; skipping")
		}
	}()

	samples := a.store.RecentValues(a.config.TestID, metrics.MetricResponseTime, sampleWindow)
	if len(samples) == 0 {
		a.log.Debug("no response-time samples yet; skipping adjustment")
		return
	}
	avg := stat.Mean(samples, nil)
	ratio := avg / a.config.TargetResponseTimeMs

	a.mu.Lock()
	previous := a.currentUsers
	a.mu.Unlock()

	next := a.decide(previous, ratio)
	if next == previous {
		return
	}

	reason := fmt.Sprintf("average response time %.0fms vs target %.0fms (ratio %.2f)",
		avg, a.config.TargetResponseTimeMs, ratio)
	record := Record{
		Time:          time.Now(),
		PreviousUsers: previous,
		NewUsers:      next,
		ObservedAvgMs: avg,
		TargetMs:      a.config.TargetResponseTimeMs,
		Reason:        reason,
	}

	a.mu.Lock()
	a.currentUsers = next
	a.history = append(a.history, record)
	a.mu.Unlock()

	a.log.WithField("previousUsers", previous).
		WithField("newUsers", next).
		Info(reason)
	a.invokeNotify(next, reason)
}

// decide selects the new user count for the observed ratio. Tiers are
// evaluated in fixed priority order; the first match wins. The floor is at
// least one user, so a sustained breach can never drive the load to zero and
// starve the loop of samples.
func (a *LoadAdjuster) decide(current int, ratio float64) int {
	floor := maxInt(a.config.InitialUsers/2, 1)
	switch {
	case ratio > sharpDecreaseRatio:
		step := maxInt(int(sharpDecreaseFraction*float64(current)), a.config.StepSize)
		return maxInt(current-step, floor)
	case ratio > decreaseRatio:
		return maxInt(current-a.config.StepSize, floor)
	case ratio < sharpIncreaseRatio:
		step := maxInt(int(sharpIncreaseFraction*float64(current)), a.config.StepSize)
		return minInt(current+step, a.config.MaxUsers)
	case ratio < increaseRatio:
		return minInt(current+a.config.StepSize, a.config.MaxUsers)
	default:
		return current
	}
}

// invokeNotify calls the registered hook, if any. A panicking hook must not
// kill the schedule, so it is caught and logged here.
func (a *LoadAdjuster) invokeNotify(newUsers int, reason string) {
	if a.notify == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.WithField("panic", r).Error("adjustment notification hook failed")
		}
	}()
	a.notify(newUsers, reason)
}

func (a *LoadAdjuster) flushHistory() {
	history := a.History()
	a.log.WithField("adjustments", len(history)).Info("stopped")
	for _, record := range history {
		a.log.WithField("time", record.Time).
			WithField("users", fmt.Sprintf("%d -> %d", record.PreviousUsers, record.NewUsers)).
			Info(record.Reason)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
