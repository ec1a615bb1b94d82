package adjuster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchworks/printload/internal/metrics"
)

type notifyRecorder struct {
	mu    sync.Mutex
	calls []int
}

func (r *notifyRecorder) notify(newUsers int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, newUsers)
}

func (r *notifyRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testConfig() Config {
	return Config{
		TestID:               "test",
		InitialUsers:         100,
		MaxUsers:             200,
		StepSize:             10,
		TargetResponseTimeMs: 2000,
		AdjustmentInterval:   time.Second,
	}
}

func newTestAdjuster(t *testing.T, responseTimes []float64) (*LoadAdjuster, *notifyRecorder) {
	store := metrics.NewStore(100)
	for _, v := range responseTimes {
		store.Record("test", metrics.MetricResponseTime, v)
	}
	recorder := &notifyRecorder{}
	a, err := New(testConfig(), store, recorder.notify)
	require.NoError(t, err)
	return a, recorder
}

func TestSharpDecrease(t *testing.T) {
	// avg 3200 / target 2000 = ratio 1.6: decrease by max(30% of 100, 10) = 30.
	a, recorder := newTestAdjuster(t, []float64{3200, 3200, 3200, 3200, 3200})
	a.tick()

	assert.Equal(t, 70, a.CurrentUsers())
	assert.Equal(t, []int{70}, recorder.calls)

	history := a.History()
	require.Len(t, history, 1)
	assert.Equal(t, 100, history[0].PreviousUsers)
	assert.Equal(t, 70, history[0].NewUsers)
	assert.InDelta(t, 3200, history[0].ObservedAvgMs, 1e-9)
	assert.InDelta(t, 2000, history[0].TargetMs, 1e-9)
	assert.NotEmpty(t, history[0].Reason)
}

func TestGradualDecrease(t *testing.T) {
	// ratio 1.3: decrease by stepSize.
	a, _ := newTestAdjuster(t, []float64{2600, 2600, 2600, 2600, 2600})
	a.tick()

	assert.Equal(t, 90, a.CurrentUsers())
}

func TestSharpIncrease(t *testing.T) {
	// avg 900 / target 2000 = ratio 0.45: increase by max(20% of 100, 10) = 20.
	a, recorder := newTestAdjuster(t, []float64{900, 900, 900, 900, 900})
	a.tick()

	assert.Equal(t, 120, a.CurrentUsers())
	assert.Equal(t, []int{120}, recorder.calls)
}

func TestGradualIncrease(t *testing.T) {
	// ratio 0.75: increase by stepSize.
	a, _ := newTestAdjuster(t, []float64{1500, 1500, 1500, 1500, 1500})
	a.tick()

	assert.Equal(t, 110, a.CurrentUsers())
}

func TestNoOpNearTarget(t *testing.T) {
	a, recorder := newTestAdjuster(t, []float64{2000, 2000, 2000, 2000, 2000})
	a.tick()

	assert.Equal(t, 100, a.CurrentUsers())
	assert.Empty(t, a.History())
	assert.Zero(t, recorder.callCount())
}

func TestDecreaseFlooredAtHalfInitialUsers(t *testing.T) {
	a, _ := newTestAdjuster(t, []float64{9000, 9000, 9000, 9000, 9000})
	a.currentUsers = 55

	a.tick()
	assert.Equal(t, 50, a.CurrentUsers())

	// Already at the floor: a further breach produces no new record.
	a.tick()
	assert.Equal(t, 50, a.CurrentUsers())
	assert.Len(t, a.History(), 1)
}

func TestFloorNeverReachesZero(t *testing.T) {
	// With a single initial user the halved floor would round to zero and a
	// sustained breach would stall the run; the floor clamps at one.
	store := metrics.NewStore(100)
	for i := 0; i < 5; i++ {
		store.Record("test", metrics.MetricResponseTime, 3200)
	}
	config := testConfig()
	config.InitialUsers = 1
	config.MaxUsers = 10
	config.StepSize = 1
	a, err := New(config, store, nil)
	require.NoError(t, err)

	a.tick()
	assert.Equal(t, 1, a.CurrentUsers())
	assert.Empty(t, a.History())
}

func TestIncreaseCappedAtMaxUsers(t *testing.T) {
	a, _ := newTestAdjuster(t, []float64{100, 100, 100, 100, 100})
	a.currentUsers = 195

	a.tick()
	assert.Equal(t, 200, a.CurrentUsers())
}

func TestAveragesOverLastFiveSamples(t *testing.T) {
	// Older samples beyond the window must not influence the decision:
	// last five average 2000, exactly on target.
	a, recorder := newTestAdjuster(t, []float64{9000, 9000, 2000, 2000, 2000, 2000, 2000})
	a.tick()

	assert.Equal(t, 100, a.CurrentUsers())
	assert.Zero(t, recorder.callCount())
}

func TestInsufficientDataSkipsCycle(t *testing.T) {
	a, recorder := newTestAdjuster(t, nil)
	a.tick()

	assert.Equal(t, 100, a.CurrentUsers())
	assert.Empty(t, a.History())
	assert.Zero(t, recorder.callCount())
}

func TestNotifyPanicDoesNotKillLoop(t *testing.T) {
	store := metrics.NewStore(100)
	for i := 0; i < 5; i++ {
		store.Record("test", metrics.MetricResponseTime, 3200)
	}
	a, err := New(testConfig(), store, func(newUsers int, reason string) {
		panic("bad hook")
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() { a.tick() })
	assert.Len(t, a.History(), 1)

	// The loop keeps adjusting on subsequent ticks.
	assert.NotPanics(t, func() { a.tick() })
	assert.Len(t, a.History(), 2)
}

func TestStopIsIdempotent(t *testing.T) {
	a, _ := newTestAdjuster(t, nil)

	// Stop before any Start is a safe no-op.
	a.Stop()

	a.Start()
	assert.True(t, a.Running())
	a.Stop()
	a.Stop()
	assert.False(t, a.Running())
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	a, _ := newTestAdjuster(t, nil)
	a.Start()
	a.Start()

	assert.True(t, a.Running())
	// A single Stop suffices to halt the schedule.
	a.Stop()
	assert.False(t, a.Running())
}

func TestControlLoopTicksOnSchedule(t *testing.T) {
	store := metrics.NewStore(100)
	for i := 0; i < 5; i++ {
		store.Record("test", metrics.MetricResponseTime, 900)
	}
	recorder := &notifyRecorder{}
	config := testConfig()
	config.AdjustmentInterval = 20 * time.Millisecond
	a, err := New(config, store, recorder.notify)
	require.NoError(t, err)

	a.Start()
	time.Sleep(110 * time.Millisecond)
	a.Stop()

	calls := recorder.callCount()
	assert.Greater(t, calls, 0)
	// No ticks after Stop returns.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, recorder.callCount())
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig()
	assert.NoError(t, valid.Validate())

	invalid := testConfig()
	invalid.InitialUsers = 0
	assert.Error(t, invalid.Validate())

	invalid = testConfig()
	invalid.MaxUsers = 50
	assert.Error(t, invalid.Validate())

	invalid = testConfig()
	invalid.TargetResponseTimeMs = 0
	assert.Error(t, invalid.Validate())
}
