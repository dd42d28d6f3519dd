package types

import "time"

// EventKind names a recurring discrete event, e.g. high_memory or oom
type EventKind string

const (
	EventHighMemory   EventKind = "high_memory"
	EventHighCPU      EventKind = "high_cpu"
	EventDiskFull     EventKind = "disk_full"
	EventOOM          EventKind = "oom"
	EventRestart      EventKind = "restart"
	EventUnresponsive EventKind = "unresponsive"
	EventBackupFailed EventKind = "backup_failed"
)

// EventSource identifies the feed an event came from
type EventSource string

const (
	SourceAlert       EventSource = "alert"
	SourceChange      EventSource = "change"
	SourceRemediation EventSource = "remediation"
	SourceManual      EventSource = "manual"
)

// HistoricalEvent is a single occurrence of an event kind on a resource.
type HistoricalEvent struct {
	ResourceID string      `json:"resource_id"`
	Kind       EventKind   `json:"kind"`
	Timestamp  time.Time   `json:"timestamp"`
	Source     EventSource `json:"source"`
}

// Event kinds derived from changes by the default policy
const (
	EventStopped      EventKind = "stopped"
	EventMigration    EventKind = "migration"
	EventConfigChange EventKind = "config_change"
)
