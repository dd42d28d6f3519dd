package emitter

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/analyzer"
	"github.com/yairfalse/vigil/baseline"
	"github.com/yairfalse/vigil/telemetry"
)

func TestLogEmitter_Emit(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(telemetry.NewLoggerTo(&buf, "emitter"), 7)

	err := e.Emit(context.Background(), Cycle{
		Insights: []analyzer.ResourceInsights{{
			ResourceID: "db-1",
			Forecasts: map[string]*analyzer.CapacityForecast{
				"cpu":  {ResourceID: "db-1", Metric: "cpu", DaysLeft: 1.2, ETA: time.Now()},
				"disk": {ResourceID: "db-1", Metric: "disk", DaysLeft: 40},
			},
		}},
		Anomalies: []baseline.Anomaly{{
			ResourceID: "web-1", Metric: "cpu", Severity: baseline.SeverityWarning,
			ZScore: 2.4, Description: "cpu is 2.4σ above baseline (mean 50.0, now 74.0)",
		}},
		Learned:  2,
		Duration: time.Second,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3, "anomaly, one forecast inside the horizon, summary")
	assert.Contains(t, lines[0], `"level":"warn"`)
	assert.Contains(t, lines[0], "2.4σ above baseline")
	assert.Contains(t, lines[1], `"metric":"cpu"`)
	assert.Contains(t, lines[1], "capacity forecast")
	assert.Contains(t, lines[2], `"learned":2`)
	assert.Contains(t, lines[2], "learning cycle complete")

	assert.NoError(t, e.Close())
}
