package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// ErrInvalidRecord is returned by Log for records missing a problem or an
// action, or carrying an unknown outcome.
var ErrInvalidRecord = errors.New("invalid remediation record")

// RemediationLogConfig bounds the log
type RemediationLogConfig struct {
	MaxRecords int

	Clock  clockwork.Clock
	Logger *telemetry.Logger
}

func (c *RemediationLogConfig) applyDefaults() {
	if c.MaxRecords <= 0 {
		c.MaxRecords = 500
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = telemetry.Nop()
	}
}

// RemediationStats counts remediations by outcome
type RemediationStats struct {
	Total     int `json:"total"`
	Resolved  int `json:"resolved"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
	Unknown   int `json:"unknown"`
	Automatic int `json:"automatic"`
	Manual    int `json:"manual"`
}

// SuccessRate is the share of resolved or partial outcomes among known outcomes
func (s RemediationStats) SuccessRate() float64 {
	known := s.Resolved + s.Partial + s.Failed
	if known == 0 {
		return 0
	}
	return float64(s.Resolved+s.Partial) / float64(known)
}

// RemediationLog is an append-only, bounded record of actions and outcomes
type RemediationLog struct {
	mu      sync.RWMutex
	records []types.RemediationRecord
	// unsaved counts the newest records not yet appended to kv
	unsaved   int
	persistMu sync.Mutex

	kv     storage.KV
	config RemediationLogConfig
}

// NewRemediationLog creates a log. kv may be nil for an in-memory log.
func NewRemediationLog(config RemediationLogConfig, kv storage.KV) *RemediationLog {
	config.applyDefaults()
	return &RemediationLog{kv: kv, config: config}
}

// Log appends a record. Missing id, timestamp and outcome are filled in.
// Existing records are never modified or deduplicated.
func (l *RemediationLog) Log(record types.RemediationRecord) error {
	record.Problem = strings.TrimSpace(record.Problem)
	record.Action = strings.TrimSpace(record.Action)
	if record.Problem == "" {
		return fmt.Errorf("%w: problem is required", ErrInvalidRecord)
	}
	if record.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidRecord)
	}
	if record.Outcome == "" {
		record.Outcome = types.OutcomeUnknown
	}
	if !record.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidRecord, record.Outcome)
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = l.config.Clock.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, record)
	l.unsaved++
	if excess := len(l.records) - l.config.MaxRecords; excess > 0 {
		l.records = append([]types.RemediationRecord(nil), l.records[excess:]...)
	}
	if l.unsaved > len(l.records) {
		l.unsaved = len(l.records)
	}
	return nil
}

// GetForResource returns up to limit records for a resource, most recent
// timestamp first. Records with equal timestamps come newest logged first.
func (l *RemediationLog) GetForResource(resourceID string, limit int) []types.RemediationRecord {
	return l.newestWhere(limit, func(r types.RemediationRecord) bool {
		return r.ResourceID == resourceID
	})
}

// GetRecent returns up to limit records logged after since, most recent first
func (l *RemediationLog) GetRecent(limit int, since time.Time) []types.RemediationRecord {
	return l.newestWhere(limit, func(r types.RemediationRecord) bool {
		return r.Timestamp.After(since)
	})
}

func (l *RemediationLog) newestWhere(limit int, keep func(types.RemediationRecord) bool) []types.RemediationRecord {
	l.mu.RLock()

	var out []types.RemediationRecord
	for i := len(l.records) - 1; i >= 0; i-- {
		if keep(l.records[i]) {
			out = append(out, l.records[i])
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetSimilar ranks records by how many of the problem's keywords appear in
// their problem or action text. Ties go to the more recent record.
func (l *RemediationLog) GetSimilar(problem string, limit int) []types.RemediationRecord {
	return l.ranked(problem, limit, nil)
}

// GetSuccessful is GetSimilar restricted to resolved and partial outcomes.
// An empty problem returns the most recent successful records.
func (l *RemediationLog) GetSuccessful(problem string, limit int) []types.RemediationRecord {
	successful := func(r types.RemediationRecord) bool { return r.Outcome.Successful() }
	if len(keywords(problem)) == 0 {
		return l.newestWhere(limit, successful)
	}
	return l.ranked(problem, limit, successful)
}

type scored struct {
	record types.RemediationRecord
	score  float64
	index  int
}

func (l *RemediationLog) ranked(problem string, limit int, keep func(types.RemediationRecord) bool) []types.RemediationRecord {
	query := keywords(problem)
	if len(query) == 0 {
		return nil
	}

	l.mu.RLock()
	var matches []scored
	for i, r := range l.records {
		if keep != nil && !keep(r) {
			continue
		}
		if s := overlap(query, keywords(r.Problem+" "+r.Action)); s > 0 {
			matches = append(matches, scored{record: r, score: s, index: i})
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if !matches[i].record.Timestamp.Equal(matches[j].record.Timestamp) {
			return matches[i].record.Timestamp.After(matches[j].record.Timestamp)
		}
		return matches[i].index > matches[j].index
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]types.RemediationRecord, len(matches))
	for i, m := range matches {
		out[i] = m.record
	}
	return out
}

// overlap is the share of query keywords present in doc
func overlap(query, doc map[string]struct{}) float64 {
	hits := 0
	for w := range query {
		if _, ok := doc[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "was": {}, "with": {}, "from": {},
	"that": {}, "this": {}, "into": {}, "after": {}, "not": {}, "are": {},
}

// keywords lowercases text and keeps alphanumeric tokens of 3+ characters
func keywords(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

// Stats counts records logged at or after since
func (l *RemediationLog) Stats(since time.Time) RemediationStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var s RemediationStats
	for _, r := range l.records {
		if r.Timestamp.Before(since) {
			continue
		}
		s.Total++
		switch r.Outcome {
		case types.OutcomeResolved:
			s.Resolved++
		case types.OutcomePartial:
			s.Partial++
		case types.OutcomeFailed:
			s.Failed++
		default:
			s.Unknown++
		}
		if r.Automatic {
			s.Automatic++
		} else {
			s.Manual++
		}
	}
	return s
}

// Len returns the number of retained records
func (l *RemediationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// FormatForContext renders the most recent remediations for a resource
func (l *RemediationLog) FormatForContext(resourceID string, limit int) string {
	records := l.GetForResource(resourceID, limit)
	if len(records) == 0 {
		return ""
	}
	now := l.config.Clock.Now()

	var b strings.Builder
	fmt.Fprintf(&b, "Past remediations for %s:\n", resourceID)
	for _, r := range records {
		writeRemediation(&b, r, now)
	}
	return b.String()
}

func writeRemediation(b *strings.Builder, r types.RemediationRecord, now time.Time) {
	mode := "manual"
	if r.Automatic {
		mode = "automatic"
	}
	fmt.Fprintf(b, "- %s: %s → %s (%s, %s)\n", FormatAge(now.Sub(r.Timestamp)), r.Problem, r.Action, r.Outcome, mode)
	if r.Note != "" {
		fmt.Fprintf(b, "  Note: %s\n", r.Note)
	}
}

// Persist appends records not yet written and trims the durable log
func (l *RemediationLog) Persist(ctx context.Context) error {
	if l.kv == nil {
		return nil
	}

	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.RLock()
	pending := append([]types.RemediationRecord(nil), l.records[len(l.records)-l.unsaved:]...)
	l.mu.RUnlock()
	if len(pending) == 0 {
		return nil
	}

	if err := storage.AppendJSON(ctx, l.kv, storage.BucketRemediations, pending); err != nil {
		return fmt.Errorf("failed to persist remediations: %w", err)
	}
	l.mu.Lock()
	l.unsaved = max(l.unsaved-len(pending), 0)
	l.mu.Unlock()

	if _, err := l.kv.Trim(ctx, storage.BucketRemediations, l.config.MaxRecords); err != nil {
		return fmt.Errorf("failed to trim remediations: %w", err)
	}
	return nil
}

// Load restores the log. Records failing validation are dropped.
func (l *RemediationLog) Load(ctx context.Context) (int, error) {
	if l.kv == nil {
		return 0, nil
	}

	var records []types.RemediationRecord
	err := storage.DecodeAll(ctx, l.kv, storage.BucketRemediations, func(key string, r types.RemediationRecord) error {
		if r.Problem == "" || r.Action == "" || !r.Outcome.Valid() {
			l.config.Logger.LogCorruptRecord(ctx, storage.BucketRemediations, key, ErrInvalidRecord)
			return nil
		}
		records = append(records, r)
		return nil
	}, func(key string, err error) {
		l.config.Logger.LogCorruptRecord(ctx, storage.BucketRemediations, key, err)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load remediations: %w", err)
	}
	if excess := len(records) - l.config.MaxRecords; excess > 0 {
		records = records[excess:]
	}

	l.mu.Lock()
	l.records = records
	l.unsaved = 0
	l.mu.Unlock()

	l.config.Logger.LogLoaded(ctx, storage.BucketRemediations, len(records))
	return len(records), nil
}
