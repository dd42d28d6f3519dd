package baseline

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/types"
)

var testEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// alternating produces n samples every 10 minutes alternating low/high
func alternating(n int, low, high float64) []types.Sample {
	out := make([]types.Sample, n)
	for i := range out {
		v := low
		if i%2 == 1 {
			v = high
		}
		out[i] = types.Sample{Timestamp: testEpoch.Add(time.Duration(i) * 10 * time.Minute), Value: v}
	}
	return out
}

func constant(n int, v float64) []types.Sample {
	out := make([]types.Sample, n)
	for i := range out {
		out[i] = types.Sample{Timestamp: testEpoch.Add(time.Duration(i) * 10 * time.Minute), Value: v}
	}
	return out
}

func newTestStore(t *testing.T, kv storage.KV) *Store {
	t.Helper()
	return NewStore(Config{Clock: clockwork.NewFakeClockAt(testEpoch.Add(48 * time.Hour))}, kv)
}

func TestLearn_Immaturity(t *testing.T) {
	s := newTestStore(t, nil)

	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": alternating(99, 40, 60)}))
	_, ok := s.GetBaseline("vm-1", "cpu")
	assert.False(t, ok, "99 samples is immature")

	anomalous, z := s.IsAnomaly("vm-1", "cpu", 1000)
	assert.False(t, anomalous, "immature baselines never produce verdicts")
	assert.Zero(t, z)

	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": alternating(100, 40, 60)}))
	b, ok := s.GetBaseline("vm-1", "cpu")
	require.True(t, ok)
	assert.Equal(t, 100, b.SampleCount)
	assert.InDelta(t, 50.0, b.Mean, 1e-9)
	assert.InDelta(t, 10.0, b.StdDev, 1e-9)
}

func TestLearn_Deterministic(t *testing.T) {
	history := map[string][]types.Sample{"cpu": alternating(200, 30, 70)}

	s1 := newTestStore(t, nil)
	s2 := newTestStore(t, nil)
	require.NoError(t, s1.Learn("vm-1", history))
	require.NoError(t, s2.Learn("vm-1", history))

	b1, ok := s1.GetBaseline("vm-1", "cpu")
	require.True(t, ok)
	b2, ok := s2.GetBaseline("vm-1", "cpu")
	require.True(t, ok)
	assert.Equal(t, b1, b2)
}

func TestLearn_Percentiles(t *testing.T) {
	samples := make([]types.Sample, 101)
	for i := range samples {
		samples[i] = types.Sample{Timestamp: testEpoch.Add(time.Duration(i) * time.Minute), Value: float64(i)}
	}

	s := newTestStore(t, nil)
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"memory": samples}))

	b, ok := s.GetBaseline("vm-1", "memory")
	require.True(t, ok)
	assert.InDelta(t, 50.0, b.Mean, 1e-9)
	assert.LessOrEqual(t, b.Percentiles.P5, b.Percentiles.P25)
	assert.LessOrEqual(t, b.Percentiles.P25, b.Percentiles.P50)
	assert.LessOrEqual(t, b.Percentiles.P50, b.Percentiles.P75)
	assert.LessOrEqual(t, b.Percentiles.P75, b.Percentiles.P95)
	assert.InDelta(t, 50.0, b.Percentiles.P50, 1.0)
	assert.InDelta(t, 95.0, b.Percentiles.P95, 1.0)
}

func TestLearn_HourlyProfile(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": alternating(144, 40, 60)}))

	b, ok := s.GetBaseline("vm-1", "cpu")
	require.True(t, ok)
	for h := 0; h < 24; h++ {
		mean, ok := b.HourMean(h)
		require.True(t, ok, "hour %d", h)
		assert.InDelta(t, 50.0, mean, 1e-9)
		assert.Equal(t, 6, b.HourlyCount[h])
	}
	_, ok = b.HourMean(24)
	assert.False(t, ok)
}

func TestLearn_WindowTrimmed(t *testing.T) {
	s := NewStore(Config{Window: time.Hour, MinSamples: 5}, nil)

	// 10 minute spacing: only the last 7 samples fall within one hour of the newest
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": constant(50, 10)}))
	b, ok := s.GetBaseline("vm-1", "cpu")
	require.True(t, ok)
	assert.Equal(t, 7, b.SampleCount)
}

func TestLearn_DropsNonFinite(t *testing.T) {
	samples := alternating(100, 40, 60)
	samples = append(samples,
		types.Sample{Timestamp: testEpoch.Add(-time.Minute), Value: math.NaN()},
		types.Sample{Timestamp: testEpoch.Add(-2 * time.Minute), Value: math.Inf(1)},
	)

	s := newTestStore(t, nil)
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": samples}))
	b, ok := s.GetBaseline("vm-1", "cpu")
	require.True(t, ok)
	assert.Equal(t, 100, b.SampleCount)
	assert.InDelta(t, 50.0, b.Mean, 1e-9)
}

func TestLearn_Errors(t *testing.T) {
	s := newTestStore(t, nil)
	assert.Error(t, s.Learn("", map[string][]types.Sample{"cpu": constant(100, 1)}))
	assert.Error(t, s.Learn("vm-1", nil))
}

func TestIsAnomaly_ThresholdBoundaries(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": alternating(100, 40, 60)}))

	tests := []struct {
		name      string
		value     float64
		severity  Severity
		anomalous bool
	}{
		{"at mean", 50, SeverityNone, false},
		{"just below warning", 69.9, SeverityNone, false},
		{"exactly warning", 70, SeverityWarning, true},
		{"between", 75, SeverityWarning, true},
		{"exactly critical", 80, SeverityCritical, true},
		{"below mean warning", 30, SeverityWarning, true},
		{"below mean critical", 19, SeverityCritical, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anomalous, z := s.IsAnomaly("vm-1", "cpu", tt.value)
			assert.Equal(t, tt.anomalous, anomalous)
			assert.InDelta(t, (tt.value-50)/10, z, 1e-9)

			a, ok := s.CheckAnomaly("vm-1", "cpu", tt.value)
			require.True(t, ok)
			assert.Equal(t, tt.severity, a.Severity)
			assert.Equal(t, tt.anomalous, a.IsAnomalous())
		})
	}
}

func TestCheckAnomaly_Description(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": alternating(100, 40, 60)}))

	a, ok := s.CheckAnomaly("vm-1", "cpu", 82)
	require.True(t, ok)
	assert.Equal(t, "cpu is 3.2σ above baseline (mean 50.0, now 82.0)", a.Description)
	assert.Equal(t, testEpoch.Add(48*time.Hour), a.DetectedAt)

	a, ok = s.CheckAnomaly("vm-1", "cpu", 25)
	require.True(t, ok)
	assert.Contains(t, a.Description, "below baseline")

	_, ok = s.CheckAnomaly("vm-1", "memory", 25)
	assert.False(t, ok)
}

func TestIsAnomaly_ZeroVariance(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": constant(120, 42)}))

	anomalous, z := s.IsAnomaly("vm-1", "cpu", 99)
	assert.False(t, anomalous)
	assert.Zero(t, z)
}

func TestPersistAndLoad(t *testing.T) {
	kv, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = kv.Close() }()
	ctx := context.Background()

	s := newTestStore(t, kv)
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": alternating(100, 40, 60)}))
	require.NoError(t, s.Learn("vm-2", map[string][]types.Sample{"memory": constant(150, 70)}))
	require.NoError(t, s.Persist(ctx))

	restored := newTestStore(t, kv)
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	orig, _ := s.GetBaseline("vm-1", "cpu")
	got, ok := restored.GetBaseline("vm-1", "cpu")
	require.True(t, ok)
	assert.Equal(t, orig.Mean, got.Mean)
	assert.Equal(t, orig.StdDev, got.StdDev)
	assert.Equal(t, orig.Percentiles, got.Percentiles)
	assert.True(t, orig.LearnedAt.Equal(got.LearnedAt))
}

func TestPersist_ReplacesForgotten(t *testing.T) {
	kv, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = kv.Close() }()
	ctx := context.Background()

	s := newTestStore(t, kv)
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": alternating(100, 40, 60)}))
	require.NoError(t, s.Learn("vm-2", map[string][]types.Sample{"cpu": alternating(100, 40, 60)}))
	require.NoError(t, s.Persist(ctx))

	s.Forget("vm-1")
	require.NoError(t, s.Persist(ctx))

	restored := newTestStore(t, kv)
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := restored.GetBaseline("vm-1", "cpu")
	assert.False(t, ok)
}

// blockingKV holds the first ReplaceAll until release is closed
type blockingKV struct {
	storage.KV
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingKV(kv storage.KV) *blockingKV {
	return &blockingKV{KV: kv, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingKV) ReplaceAll(ctx context.Context, bucket string, records map[string][]byte) error {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return b.KV.ReplaceAll(ctx, bucket, records)
}

func TestPersist_LearnDuringFlushIsNotLost(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	kv := newBlockingKV(db)
	s := newTestStore(t, kv)
	require.NoError(t, s.Learn("vm-a", map[string][]types.Sample{"cpu": alternating(100, 40, 60)}))

	done := make(chan error, 1)
	go func() { done <- s.Persist(ctx) }()
	<-kv.entered

	require.NoError(t, s.Learn("vm-b", map[string][]types.Sample{"cpu": alternating(100, 40, 60)}))
	close(kv.release)
	require.NoError(t, <-done)

	require.NoError(t, s.Persist(ctx))

	restored := newTestStore(t, db)
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok := restored.GetBaseline("vm-a", "cpu")
	assert.True(t, ok)
	_, ok = restored.GetBaseline("vm-b", "cpu")
	assert.True(t, ok, "baseline learned while a flush was in flight must reach disk")
}

func TestPersist_SkipsWhenClean(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	s := newTestStore(t, db)
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": alternating(100, 40, 60)}))
	require.NoError(t, s.Persist(ctx))
	before, ok, err := db.LastWrite(ctx, storage.BucketBaselines)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Persist(ctx))
	after, _, err := db.LastWrite(ctx, storage.BucketBaselines)
	require.NoError(t, err)
	assert.True(t, before.Equal(after))
}

func TestLearn_PartialHistoryKeepsOtherMetrics(t *testing.T) {
	s := newTestStore(t, nil)

	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{
		"cpu":    alternating(100, 40, 60),
		"memory": constant(120, 70),
	}))
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{
		"cpu": alternating(100, 20, 40),
	}))

	cpu, ok := s.GetBaseline("vm-1", "cpu")
	require.True(t, ok)
	assert.InDelta(t, 30.0, cpu.Mean, 1e-9)

	mem, ok := s.GetBaseline("vm-1", "memory")
	require.True(t, ok, "a metric missing from one pass keeps its baseline")
	assert.InDelta(t, 70.0, mem.Mean, 1e-9)
	assert.Equal(t, []string{"cpu", "memory"}, s.Metrics("vm-1"))

	s.Forget("vm-1")
	_, ok = s.GetBaseline("vm-1", "memory")
	assert.False(t, ok)
}

func TestLoad_DropsCorruptRecords(t *testing.T) {
	kv, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = kv.Close() }()
	ctx := context.Background()

	s := newTestStore(t, kv)
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": alternating(100, 40, 60)}))
	require.NoError(t, s.Persist(ctx))

	require.NoError(t, kv.Put(ctx, storage.BucketBaselines, "vm-2/cpu", []byte("{not json")))
	require.NoError(t, kv.Put(ctx, storage.BucketBaselines, "vm-3/cpu",
		[]byte(`{"resource_id":"vm-3","metric":"cpu","mean":1,"stddev":1,"sample_count":-5}`)))

	restored := newTestStore(t, kv)
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := restored.GetBaseline("vm-1", "cpu")
	assert.True(t, ok)
	_, ok = restored.GetBaseline("vm-3", "cpu")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	good := MetricBaseline{ResourceID: "vm-1", Metric: "cpu", Mean: 1, StdDev: 1, SampleCount: 100}
	require.NoError(t, good.validate())

	bad := good
	bad.StdDev = -1
	assert.ErrorIs(t, bad.validate(), ErrCorruptRecord)

	bad = good
	bad.Mean = math.NaN()
	assert.ErrorIs(t, bad.validate(), ErrCorruptRecord)

	bad = good
	bad.Metric = ""
	assert.ErrorIs(t, bad.validate(), ErrCorruptRecord)
}

func TestConcurrentReadDuringLearn(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"cpu": alternating(100, 40, 60)}))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			high := 60.0
			if i%2 == 0 {
				high = 80.0
			}
			_ = s.Learn("vm-1", map[string][]types.Sample{"cpu": alternating(100, 40, high)})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				b, ok := s.GetBaseline("vm-1", "cpu")
				if !ok {
					t.Error("baseline disappeared during relearn")
					return
				}
				// each complete record is either (50, 10) or (60, 20)
				if !(near(b.Mean, 50) && near(b.StdDev, 10)) && !(near(b.Mean, 60) && near(b.StdDev, 20)) {
					t.Errorf("inconsistent baseline mean=%v stddev=%v", b.Mean, b.StdDev)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSnapshotAndMetrics(t *testing.T) {
	s := NewStore(Config{MinSamples: 10}, nil)
	require.NoError(t, s.Learn("vm-2", map[string][]types.Sample{"cpu": constant(20, 1), "disk": constant(3, 1)}))
	require.NoError(t, s.Learn("vm-1", map[string][]types.Sample{"memory": constant(20, 1)}))

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "vm-1", snap[0].ResourceID)
	assert.Equal(t, "cpu", snap[1].Metric)
	assert.Equal(t, "disk", snap[2].Metric)
	assert.False(t, s.Mature(snap[2]))

	assert.Equal(t, []string{"cpu"}, s.Metrics("vm-2"))
}
