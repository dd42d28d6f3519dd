package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yairfalse/vigil/analyzer"
	"github.com/yairfalse/vigil/baseline"
	"github.com/yairfalse/vigil/internal/emitter"
	"github.com/yairfalse/vigil/internal/filter"
	"github.com/yairfalse/vigil/memory"
	"github.com/yairfalse/vigil/patterns"
	"github.com/yairfalse/vigil/policy"
	"github.com/yairfalse/vigil/providers"
	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		goleak.IgnoreTopFunction("os/signal.signal_recv"),
		goleak.IgnoreAnyFunction("os/signal.loop"),
	)
}

var testNow = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

type fakeMetrics struct {
	mu      sync.Mutex
	ids     []string
	series  map[string][]types.Sample
	failFor map[string]bool
	// failMetric fails single "resource/metric" queries
	failMetric map[string]bool
}

func (f *fakeMetrics) GetMetrics(_ context.Context, resourceID, metric string, _ time.Duration) ([]types.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[resourceID] || f.failMetric[resourceID+"/"+metric] {
		return nil, errors.New("query failed")
	}
	return f.series[resourceID+"/"+metric], nil
}

func (f *fakeMetrics) GetResourceIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...), nil
}

func (f *fakeMetrics) setIDs(ids ...string) {
	f.mu.Lock()
	f.ids = ids
	f.mu.Unlock()
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snaps []types.ResourceSnapshot
	err   error
}

func (f *fakeSnapshots) Name() string { return "fake" }

func (f *fakeSnapshots) Snapshot(context.Context) ([]types.ResourceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ResourceSnapshot(nil), f.snaps...), f.err
}

func (f *fakeSnapshots) set(snaps ...types.ResourceSnapshot) {
	f.mu.Lock()
	f.snaps = snaps
	f.mu.Unlock()
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []providers.Alert
	since  []time.Time
}

func (f *fakeAlerts) FetchAlerts(_ context.Context, since time.Time) ([]providers.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	var out []providers.Alert
	for _, a := range f.alerts {
		if a.FiredAt.After(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	cycles []emitter.Cycle
}

func (c *captureEmitter) Emit(_ context.Context, cycle emitter.Cycle) error {
	c.mu.Lock()
	c.cycles = append(c.cycles, cycle)
	c.mu.Unlock()
	return nil
}

func (c *captureEmitter) Close() error { return nil }

func (c *captureEmitter) last() emitter.Cycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles[len(c.cycles)-1]
}

// steady returns n samples alternating 40/60 every 5 minutes ending at end,
// with the newest sample replaced by last.
func steady(n int, end time.Time, last float64) []types.Sample {
	out := make([]types.Sample, n)
	for i := range out {
		v := 40.0
		if i%2 == 1 {
			v = 60.0
		}
		out[i] = types.Sample{Timestamp: end.Add(-time.Duration(n-1-i) * 5 * time.Minute), Value: v}
	}
	out[n-1].Value = last
	return out
}

type harness struct {
	daemon    *Daemon
	clock     *clockwork.FakeClock
	metrics   *fakeMetrics
	snapshots *fakeSnapshots
	alerts    *fakeAlerts
	emitter   *captureEmitter
	c         Components
}

func newHarness(t *testing.T, kv storage.KV) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	logger := telemetry.Nop()

	engine, err := policy.NewEngine(context.Background(), logger)
	require.NoError(t, err)

	h := &harness{
		clock: clock,
		metrics: &fakeMetrics{
			series:     make(map[string][]types.Sample),
			failFor:    make(map[string]bool),
			failMetric: make(map[string]bool),
		},
		snapshots: &fakeSnapshots{},
		alerts:    &fakeAlerts{},
		emitter:   &captureEmitter{},
	}
	h.c = Components{
		MetricSource: h.metrics,
		Snapshots:    h.snapshots,
		Alerts:       h.alerts,
		Baselines:    baseline.NewStore(baseline.Config{Clock: clock, Logger: logger}, kv),
		Patterns:     patterns.NewDetector(patterns.Config{Clock: clock, Logger: logger}, kv),
		Changes:      memory.NewChangeDetector(memory.ChangeDetectorConfig{Clock: clock, Logger: logger}, kv),
		Remediations: memory.NewRemediationLog(memory.RemediationLogConfig{Clock: clock, Logger: logger}, kv),
		Insights:     analyzer.NewCache(),
		Policy:       engine,
		Filter:       filter.New([]string{"lambda"}, nil, nil, []string{"test-*"}),
		Emitter:      h.emitter,
	}

	insights := analyzer.DefaultInsightConfig()
	insights.Limits = map[string]float64{types.MetricCPU: 100}

	h.daemon, err = NewDaemon(Config{
		LearningInterval: time.Hour,
		ChangeInterval:   5 * time.Minute,
		MetricNames:      []string{types.MetricCPU, types.MetricMemory},
		Insights:         insights,
		Clock:            clock,
		Logger:           logger,
	}, h.c)
	require.NoError(t, err)
	return h
}

func TestNewDaemon_RequiresStores(t *testing.T) {
	_, err := NewDaemon(Config{}, Components{})
	require.Error(t, err)

	_, err = NewDaemon(Config{}, Components{
		Baselines: baseline.NewStore(baseline.Config{}, nil),
		Patterns:  patterns.NewDetector(patterns.Config{}, nil),
		Insights:  analyzer.NewCache(),
		Snapshots: &fakeSnapshots{},
	})
	require.Error(t, err, "snapshots without a change detector")
}

func TestRunLearningCycle(t *testing.T) {
	h := newHarness(t, nil)
	h.metrics.setIDs("web-1", "web-2", "db-1", "test-box")
	h.metrics.series["web-1/cpu"] = steady(150, testNow, 95)
	h.metrics.series["web-2/cpu"] = steady(150, testNow, 50)
	h.metrics.series["test-box/cpu"] = steady(150, testNow, 50)
	h.metrics.failFor["db-1"] = true

	require.NoError(t, h.daemon.RunLearningCycle(context.Background()))

	assert.Equal(t, []string{"web-1", "web-2"}, h.c.Insights.ResourceIDs())
	ins, ok := h.c.Insights.Get("web-1")
	require.True(t, ok)
	assert.Equal(t, 95.0, ins.Latest[types.MetricCPU])
	assert.Contains(t, ins.Trends, types.MetricCPU)
	assert.NotContains(t, ins.Latest, types.MetricMemory)

	_, ok = h.c.Baselines.GetBaseline("web-1", types.MetricCPU)
	assert.True(t, ok, "150 samples make a mature baseline")

	cycle := h.emitter.last()
	assert.Equal(t, 2, cycle.Learned)
	assert.Equal(t, 1, cycle.Failed)
	assert.Equal(t, testNow, cycle.At)
	require.Len(t, cycle.Anomalies, 1)
	assert.Equal(t, "web-1", cycle.Anomalies[0].ResourceID)
	assert.Equal(t, baseline.SeverityCritical, cycle.Anomalies[0].Severity)
	assert.Equal(t, int64(1), h.daemon.LearningCount())
}

func TestRunLearningCycle_ForgetsVanishedResources(t *testing.T) {
	h := newHarness(t, nil)
	h.metrics.setIDs("web-1", "web-2")
	h.metrics.series["web-1/cpu"] = steady(150, testNow, 50)
	h.metrics.series["web-2/cpu"] = steady(150, testNow, 50)
	require.NoError(t, h.daemon.RunLearningCycle(context.Background()))
	require.Equal(t, 2, h.c.Insights.Len())

	h.metrics.setIDs("web-1")
	require.NoError(t, h.daemon.RunLearningCycle(context.Background()))

	assert.Equal(t, []string{"web-1"}, h.c.Insights.ResourceIDs())
	_, ok := h.c.Baselines.GetBaseline("web-2", types.MetricCPU)
	assert.False(t, ok)
}

func TestRunLearningCycle_FailedFetchKeepsPreviousBaseline(t *testing.T) {
	h := newHarness(t, nil)
	h.metrics.setIDs("web-1")
	h.metrics.series["web-1/cpu"] = steady(150, testNow, 50)
	h.metrics.series["web-1/memory"] = steady(150, testNow, 60)
	require.NoError(t, h.daemon.RunLearningCycle(context.Background()))

	before, ok := h.c.Baselines.GetBaseline("web-1", types.MetricMemory)
	require.True(t, ok)

	h.clock.Advance(time.Hour)
	h.metrics.series["web-1/cpu"] = steady(150, h.clock.Now(), 55)
	h.metrics.failMetric["web-1/memory"] = true
	require.NoError(t, h.daemon.RunLearningCycle(context.Background()))

	after, ok := h.c.Baselines.GetBaseline("web-1", types.MetricMemory)
	require.True(t, ok, "one failed fetch keeps the previous baseline")
	assert.Equal(t, before, after)

	ins, ok := h.c.Insights.Get("web-1")
	require.True(t, ok)
	assert.Equal(t, 55.0, ins.Latest[types.MetricCPU])
	assert.Equal(t, 60.0, ins.Latest[types.MetricMemory])
	assert.Contains(t, ins.Trends, types.MetricMemory)
}

func vm(id, node, status string) types.ResourceSnapshot {
	return types.ResourceSnapshot{
		ID:          id,
		Name:        id,
		Type:        "vm",
		Node:        node,
		Status:      status,
		CPUCores:    2,
		MemoryBytes: 4 << 30,
	}
}

func TestRunChangeCycle_RecordsPolicyEvents(t *testing.T) {
	h := newHarness(t, nil)
	fn := types.ResourceSnapshot{ID: "fn-1", Type: "lambda", Status: "running"}

	h.snapshots.set(vm("web-1", "node-a", "running"), vm("web-2", "node-a", "stopped"), fn)
	require.NoError(t, h.daemon.RunChangeCycle(context.Background()))
	assert.Equal(t, 2, h.c.Changes.Len(), "filtered lambda is never tracked")

	h.clock.Advance(5 * time.Minute)
	h.snapshots.set(vm("web-1", "node-b", "running"), vm("web-2", "node-a", "running"), fn)
	require.NoError(t, h.daemon.RunChangeCycle(context.Background()))

	migrations := h.c.Patterns.Events("web-1", types.EventMigration)
	require.Len(t, migrations, 1)
	assert.Equal(t, types.SourceChange, migrations[0].Source)
	assert.Equal(t, testNow.Add(5*time.Minute), migrations[0].Timestamp)

	restarts := h.c.Patterns.Events("web-2", types.EventRestart)
	assert.Len(t, restarts, 1)
	assert.Equal(t, int64(2), h.daemon.ChangeCount())
}

func TestRunChangeCycle_ProviderError(t *testing.T) {
	h := newHarness(t, nil)
	h.snapshots.err = errors.New("throttled")

	err := h.daemon.RunChangeCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
	assert.Equal(t, 0, h.c.Changes.Len())
}

func TestPollAlerts(t *testing.T) {
	h := newHarness(t, nil)
	h.alerts.alerts = []providers.Alert{
		{ResourceID: "db-1", AlertType: "memory_warning", FiredAt: testNow.Add(time.Minute)},
		{ResourceID: "db-1", AlertType: "certificate_expiry", FiredAt: testNow.Add(2 * time.Minute)},
		{ResourceID: "db-1", AlertType: "high_memory", FiredAt: testNow.Add(-time.Hour)},
	}

	require.NoError(t, h.daemon.PollAlerts(context.Background()))
	events := h.c.Patterns.Events("db-1", types.EventHighMemory)
	require.Len(t, events, 1)
	assert.Equal(t, types.SourceAlert, events[0].Source)

	require.NoError(t, h.daemon.PollAlerts(context.Background()))
	require.Len(t, h.alerts.since, 2)
	assert.Equal(t, testNow, h.alerts.since[0])
	assert.Equal(t, testNow.Add(2*time.Minute), h.alerts.since[1])
	assert.Len(t, h.c.Patterns.Events("db-1", types.EventHighMemory), 1)
}

func TestRunMaintenance_PersistsStores(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, store)
	ctx := context.Background()

	for _, off := range []time.Duration{-21, -14, -7} {
		h.c.Patterns.RecordEvent("db-1", types.EventOOM, testNow.Add(off*24*time.Hour), types.SourceAlert)
	}
	h.c.Patterns.RecordEvent("db-1", types.EventOOM, testNow.Add(-200*24*time.Hour), types.SourceAlert)
	h.snapshots.set(vm("web-1", "node-a", "running"))
	require.NoError(t, h.daemon.RunChangeCycle(ctx))
	require.NoError(t, h.c.Remediations.Log(types.RemediationRecord{
		ResourceID: "db-1",
		Problem:    "oom",
		Action:     "raised memory limit",
		Outcome:    types.OutcomeResolved,
	}))

	require.NoError(t, h.daemon.RunMaintenance(ctx))

	detector := patterns.NewDetector(patterns.Config{Clock: h.clock}, store)
	n, err := detector.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "events beyond retention are pruned before persisting")

	changes := memory.NewChangeDetector(memory.ChangeDetectorConfig{Clock: h.clock}, store)
	_, err = changes.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changes.Len())

	log := memory.NewRemediationLog(memory.RemediationLogConfig{Clock: h.clock}, store)
	_, err = log.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, log.Len())
}

func TestStart_RunsLoopsUntilCancelled(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Snapshots = nil
	h.c.Alerts = nil
	d, err := NewDaemon(Config{
		LearningInterval:    time.Hour,
		MaintenanceInterval: 10 * time.Minute,
		Clock:               h.clock,
	}, Components{
		MetricSource: h.metrics,
		Baselines:    h.c.Baselines,
		Patterns:     h.c.Patterns,
		Insights:     h.c.Insights,
	})
	require.NoError(t, err)

	h.metrics.setIDs("web-1")
	h.metrics.series["web-1/cpu"] = steady(150, testNow, 50)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	require.Eventually(t, func() bool { return d.LearningCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer blockCancel()
	require.NoError(t, h.clock.BlockUntilContext(blockCtx, 2))

	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return d.LearningCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Equal(t, 1, h.c.Insights.Len())
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	h.clock.Advance(90 * time.Second)

	health := h.daemon.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, int64(90), health.Uptime)
	assert.Zero(t, health.LearningCycles)
}
