package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// ChangeDetectorConfig controls change retention and sensitivity
type ChangeDetectorConfig struct {
	MaxRetained     int
	MemoryThreshold float64

	Clock   clockwork.Clock
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

func (c *ChangeDetectorConfig) applyDefaults() {
	if c.MaxRetained <= 0 {
		c.MaxRetained = 1000
	}
	if c.MemoryThreshold <= 0 {
		c.MemoryThreshold = 0.05
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = telemetry.Nop()
	}
}

// ChangeDetector diffs successive infrastructure snapshots into Changes
type ChangeDetector struct {
	mu       sync.RWMutex
	previous map[string]types.ResourceSnapshot
	changes  []types.Change

	// unsaved counts the newest changes not yet appended to kv
	unsaved int
	// snapshotVersion counts Detect calls; snapshotSaved is the last one written
	snapshotVersion uint64
	snapshotSaved   uint64
	persistMu       sync.Mutex

	kv     storage.KV
	config ChangeDetectorConfig
}

// NewChangeDetector creates a detector. kv may be nil for an in-memory detector.
func NewChangeDetector(config ChangeDetectorConfig, kv storage.KV) *ChangeDetector {
	config.applyDefaults()
	return &ChangeDetector{
		previous: make(map[string]types.ResourceSnapshot),
		kv:       kv,
		config:   config,
	}
}

// Detect diffs current against the previously seen snapshot set and returns
// the new Changes. The stored previous set is always replaced with current.
func (d *ChangeDetector) Detect(ctx context.Context, current []types.ResourceSnapshot) []types.Change {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.config.Clock.Now()
	next := make(map[string]types.ResourceSnapshot, len(current))
	for _, snap := range current {
		if snap.ID == "" {
			continue
		}
		next[snap.ID] = snap
	}

	var detected []types.Change
	for _, id := range sortedIDs(next) {
		cur := next[id]
		prev, existed := d.previous[id]
		if !existed {
			after := cur
			detected = append(detected, newChange(cur, types.ChangeCreated, nil, &after, now,
				fmt.Sprintf("%s '%s' created", cur.Type, cur.DisplayName())))
			continue
		}
		detected = append(detected, d.diff(prev, cur, now)...)
	}

	for _, id := range sortedIDs(d.previous) {
		if _, ok := next[id]; ok {
			continue
		}
		prev := d.previous[id]
		before := prev
		detected = append(detected, newChange(prev, types.ChangeDeleted, &before, nil, now,
			fmt.Sprintf("%s '%s' deleted", prev.Type, prev.DisplayName())))
	}

	d.previous = next
	d.snapshotVersion++

	if len(detected) > 0 {
		d.changes = append(d.changes, detected...)
		d.unsaved += len(detected)
		if excess := len(d.changes) - d.config.MaxRetained; excess > 0 {
			d.changes = append([]types.Change(nil), d.changes[excess:]...)
		}
		if d.unsaved > len(d.changes) {
			d.unsaved = len(d.changes)
		}
	}

	span := trace.SpanFromContext(ctx)
	for _, c := range detected {
		d.config.Metrics.RecordChange(ctx, string(c.Type))
		telemetry.RecordChangeDetectedEvent(span, c)
	}
	return detected
}

func (d *ChangeDetector) diff(prev, cur types.ResourceSnapshot, now time.Time) []types.Change {
	var out []types.Change
	name := cur.DisplayName()
	before, after := prev, cur

	if prev.Status != cur.Status {
		out = append(out, newChange(cur, types.ChangeStatus, &before, &after, now,
			fmt.Sprintf("'%s' status changed: %s → %s", name, prev.Status, cur.Status)))
	}

	if prev.Node != "" && cur.Node != "" && prev.Node != cur.Node {
		out = append(out, newChange(cur, types.ChangeMigrated, &before, &after, now,
			fmt.Sprintf("'%s' migrated from %s to %s", name, prev.Node, cur.Node)))
	}

	if prev.CPUCores > 0 && cur.CPUCores > 0 && prev.CPUCores != cur.CPUCores {
		out = append(out, newChange(cur, types.ChangeConfig, &before, &after, now,
			fmt.Sprintf("'%s' CPU %s: %d → %d cores", name, direction(prev.CPUCores > cur.CPUCores), prev.CPUCores, cur.CPUCores)))
	}

	if prev.MemoryBytes > 0 && cur.MemoryBytes > 0 {
		rel := float64(cur.MemoryBytes-prev.MemoryBytes) / float64(prev.MemoryBytes)
		if math.Abs(rel) > d.config.MemoryThreshold {
			out = append(out, newChange(cur, types.ChangeConfig, &before, &after, now,
				fmt.Sprintf("'%s' memory %s: %s → %s", name, direction(rel < 0), formatBytes(prev.MemoryBytes), formatBytes(cur.MemoryBytes))))
		}
	}
	return out
}

func newChange(snap types.ResourceSnapshot, kind types.ChangeType, before, after *types.ResourceSnapshot, at time.Time, desc string) types.Change {
	return types.Change{
		ID:           uuid.NewString(),
		ResourceID:   snap.ID,
		ResourceType: snap.Type,
		ResourceName: snap.DisplayName(),
		Type:         kind,
		Before:       before,
		After:        after,
		DetectedAt:   at,
		Description:  desc,
	}
}

func direction(decreased bool) string {
	if decreased {
		return "decreased"
	}
	return "increased"
}

func sortedIDs(m map[string]types.ResourceSnapshot) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetChangesForResource returns up to limit changes for one resource, newest first
func (d *ChangeDetector) GetChangesForResource(resourceID string, limit int) []types.Change {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []types.Change
	for i := len(d.changes) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if d.changes[i].ResourceID == resourceID {
			out = append(out, d.changes[i])
		}
	}
	return out
}

// GetRecentChanges returns up to limit changes detected after since, newest first
func (d *ChangeDetector) GetRecentChanges(limit int, since time.Time) []types.Change {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []types.Change
	for i := len(d.changes) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if d.changes[i].DetectedAt.After(since) {
			out = append(out, d.changes[i])
		}
	}
	return out
}

// Summary formats recent changes one per line with their age
func (d *ChangeDetector) Summary(since time.Time, limit int) string {
	changes := d.GetRecentChanges(limit, since)
	if len(changes) == 0 {
		return ""
	}
	now := d.config.Clock.Now()

	var b strings.Builder
	for _, c := range changes {
		fmt.Fprintf(&b, "- %s (%s)\n", c.Description, FormatAge(now.Sub(c.DetectedAt)))
	}
	return b.String()
}

// Len returns the number of retained changes
func (d *ChangeDetector) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.changes)
}

// Known returns the number of resources in the stored previous snapshot
func (d *ChangeDetector) Known() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.previous)
}

// Persist appends changes not yet written, trims the durable log to the
// retention bound and replaces the stored snapshot set.
func (d *ChangeDetector) Persist(ctx context.Context) error {
	if d.kv == nil {
		return nil
	}

	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	d.mu.RLock()
	pending := append([]types.Change(nil), d.changes[len(d.changes)-d.unsaved:]...)
	version := d.snapshotVersion
	var snapshots map[string]types.ResourceSnapshot
	if version != d.snapshotSaved {
		snapshots = make(map[string]types.ResourceSnapshot, len(d.previous))
		for id, s := range d.previous {
			snapshots[id] = s
		}
	}
	d.mu.RUnlock()

	if len(pending) > 0 {
		if err := storage.AppendJSON(ctx, d.kv, storage.BucketChanges, pending); err != nil {
			return fmt.Errorf("failed to persist changes: %w", err)
		}
		d.mu.Lock()
		d.unsaved = max(d.unsaved-len(pending), 0)
		d.mu.Unlock()

		if _, err := d.kv.Trim(ctx, storage.BucketChanges, d.config.MaxRetained); err != nil {
			return fmt.Errorf("failed to trim changes: %w", err)
		}
	}
	if snapshots != nil {
		if err := storage.ReplaceJSON(ctx, d.kv, storage.BucketSnapshots, snapshots); err != nil {
			return fmt.Errorf("failed to persist snapshots: %w", err)
		}
		d.mu.Lock()
		d.snapshotSaved = version
		d.mu.Unlock()
	}
	return nil
}

// Load restores the change log and the previous snapshot set
func (d *ChangeDetector) Load(ctx context.Context) (int, error) {
	if d.kv == nil {
		return 0, nil
	}
	onCorrupt := func(bucket string) func(string, error) {
		return func(key string, err error) {
			d.config.Logger.LogCorruptRecord(ctx, bucket, key, err)
		}
	}

	var changes []types.Change
	err := storage.DecodeAll(ctx, d.kv, storage.BucketChanges, func(_ string, c types.Change) error {
		changes = append(changes, c)
		return nil
	}, onCorrupt(storage.BucketChanges))
	if err != nil {
		return 0, fmt.Errorf("failed to load changes: %w", err)
	}

	previous := make(map[string]types.ResourceSnapshot)
	err = storage.DecodeAll(ctx, d.kv, storage.BucketSnapshots, func(_ string, s types.ResourceSnapshot) error {
		if s.ID != "" {
			previous[s.ID] = s
		}
		return nil
	}, onCorrupt(storage.BucketSnapshots))
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshots: %w", err)
	}

	if excess := len(changes) - d.config.MaxRetained; excess > 0 {
		changes = changes[excess:]
	}

	d.mu.Lock()
	d.changes = changes
	d.previous = previous
	d.unsaved = 0
	d.snapshotSaved = d.snapshotVersion
	d.mu.Unlock()

	d.config.Logger.LogLoaded(ctx, storage.BucketChanges, len(changes))
	return len(changes), nil
}
