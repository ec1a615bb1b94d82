package report

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchworks/printload/internal/adjuster"
	"github.com/dispatchworks/printload/internal/alerts"
	"github.com/dispatchworks/printload/internal/analysis"
)

func TestDescribe(t *testing.T) {
	stats := Describe([]float64{1, 2, 3, 4})

	assert.Equal(t, 4, stats.Count)
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 4.0, stats.Max)
	assert.InDelta(t, 2.5, stats.Average, 1e-9)
	assert.InDelta(t, 1.29099, stats.StandardDeviation, 1e-4)
}

func TestDescribeEmpty(t *testing.T) {
	stats := Describe(nil)

	assert.Zero(t, stats.Count)
	assert.Zero(t, stats.Average)
}

func testReport() *Report {
	started := time.Now().Add(-time.Minute)
	return New(
		"run-1", "test", started, time.Now(),
		map[string][]float64{"responseTime": {100, 200, 300}},
		[]adjuster.Record{{
			Time:          started,
			PreviousUsers: 100,
			NewUsers:      70,
			ObservedAvgMs: 3200,
			TargetMs:      2000,
			Reason:        "average response time 3200ms vs target 2000ms (ratio 1.60)",
		}},
		analysis.Result{Summary: "no significant bottleneck found"},
		[]alerts.Alert{{Time: started, TestID: "test", Message: "high CPU usage", Value: 92, Level: alerts.LevelWarning}},
	)
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	testReport().Print(&buf)

	output := buf.String()
	assert.Contains(t, output, "responseTime")
	assert.Contains(t, output, "100 -> 70 users")
	assert.Contains(t, output, "no significant bottleneck found")
	assert.Contains(t, output, "high CPU usage")
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path, err := testReport().WriteFile(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	restored := &Report{}
	require.NoError(t, json.Unmarshal(data, restored))
	assert.Equal(t, "run-1", restored.RunID)
	assert.Equal(t, "test", restored.TestID)
	assert.Equal(t, 3, restored.Statistics["responseTime"].Count)
	require.Len(t, restored.Adjustments, 1)
	assert.Equal(t, 70, restored.Adjustments[0].NewUsers)
}
