package assembler

import (
	"errors"
	"time"

	"github.com/yairfalse/vigil/analyzer"
	"github.com/yairfalse/vigil/baseline"
	"github.com/yairfalse/vigil/notes"
	"github.com/yairfalse/vigil/patterns"
	"github.com/yairfalse/vigil/types"
)

// ErrSectionUnavailable marks a section whose source failed or missed its deadline.
// It is recorded in the section, never returned from a build.
var ErrSectionUnavailable = errors.New("section unavailable")

// SectionStatus says whether a section carries data
type SectionStatus string

const (
	StatusAvailable   SectionStatus = "available"
	StatusEmpty       SectionStatus = "empty"
	StatusUnavailable SectionStatus = "unavailable"
)

// Section names used in logs, metrics and formatted output
const (
	SectionTrends       = "trends"
	SectionAnomalies    = "anomalies"
	SectionPredictions  = "predictions"
	SectionChanges      = "changes"
	SectionRemediations = "remediations"
	SectionNotes        = "notes"
)

// Section is the status header shared by every context section
type Section struct {
	Status SectionStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// Available reports whether the section has data
func (s Section) Available() bool { return s.Status == StatusAvailable }

// Unavailable reports whether the section could not be read
func (s Section) Unavailable() bool { return s.Status == StatusUnavailable }

// MetricTrend is a trend for one resource metric
type MetricTrend struct {
	ResourceID string         `json:"resource_id"`
	Metric     string         `json:"metric"`
	Trend      analyzer.Trend `json:"trend"`
}

// TrendSection carries precomputed trends and capacity forecasts
type TrendSection struct {
	Section
	Trends    []MetricTrend               `json:"trends,omitempty"`
	Forecasts []analyzer.CapacityForecast `json:"forecasts,omitempty"`
}

// AnomalySection carries latest values classified against mature baselines
type AnomalySection struct {
	Section
	// Checked counts metrics that had a mature baseline
	Checked   int                `json:"checked"`
	Anomalies []baseline.Anomaly `json:"anomalies,omitempty"`
	Healthy   int                `json:"healthy,omitempty"`
	Warning   int                `json:"warning,omitempty"`
	Critical  int                `json:"critical,omitempty"`
}

// PredictionSection carries recurring event predictions
type PredictionSection struct {
	Section
	Predictions []patterns.Prediction `json:"predictions,omitempty"`
}

// ChangeSection carries recent infrastructure changes, newest first
type ChangeSection struct {
	Section
	Changes []types.Change `json:"changes,omitempty"`
}

// RemediationSection carries past remediations, newest first
type RemediationSection struct {
	Section
	Records []types.RemediationRecord `json:"records,omitempty"`
}

// NotesSection carries upstream findings and user notes verbatim
type NotesSection struct {
	Section
	Findings []types.Finding `json:"findings,omitempty"`
	Notes    []notes.Note    `json:"notes,omitempty"`
}

// ResourceContext is everything known about one resource
type ResourceContext struct {
	ResourceID   string             `json:"resource_id"`
	GeneratedAt  time.Time          `json:"generated_at"`
	Trends       TrendSection       `json:"trends"`
	Anomalies    AnomalySection     `json:"anomalies"`
	Predictions  PredictionSection  `json:"predictions"`
	Changes      ChangeSection      `json:"changes"`
	Remediations RemediationSection `json:"remediations"`
	Notes        NotesSection       `json:"notes"`
	// Degraded is true when any section is unavailable
	Degraded    bool     `json:"degraded"`
	Unavailable []string `json:"unavailable,omitempty"`
}

// InfrastructureContext summarizes every known resource
type InfrastructureContext struct {
	GeneratedAt  time.Time          `json:"generated_at"`
	Resources    int                `json:"resources"`
	Trends       TrendSection       `json:"trends"`
	Anomalies    AnomalySection     `json:"anomalies"`
	Predictions  PredictionSection  `json:"predictions"`
	Changes      ChangeSection      `json:"changes"`
	Remediations RemediationSection `json:"remediations"`
	Degraded     bool               `json:"degraded"`
	Unavailable  []string           `json:"unavailable,omitempty"`
}

// InsightReader reads precomputed per-resource insights
type InsightReader interface {
	Get(resourceID string) (analyzer.ResourceInsights, bool)
	All() []analyzer.ResourceInsights
}

// BaselineReader classifies values against learned baselines
type BaselineReader interface {
	CheckAnomaly(resourceID, metric string, value float64) (baseline.Anomaly, bool)
}

// PatternReader reads recurring event predictions
type PatternReader interface {
	Predictions(resourceID string) []patterns.Prediction
	AllPredictions() []patterns.Prediction
}

// ChangeReader reads detected changes
type ChangeReader interface {
	GetChangesForResource(resourceID string, limit int) []types.Change
	GetRecentChanges(limit int, since time.Time) []types.Change
}

// RemediationReader reads the remediation log
type RemediationReader interface {
	GetForResource(resourceID string, limit int) []types.RemediationRecord
	GetRecent(limit int, since time.Time) []types.RemediationRecord
}

// NotesReader reads findings and user notes
type NotesReader interface {
	Findings(resourceID string, limit int) []types.Finding
	Notes(resourceID string, limit int) []notes.Note
}

// Sources are the stores a context is assembled from. A nil source leaves its
// section empty.
type Sources struct {
	Insights     InsightReader
	Baselines    BaselineReader
	Patterns     PatternReader
	Changes      ChangeReader
	Remediations RemediationReader
	Notes        NotesReader
}
