package types

import "time"

// ResourceSnapshot captures the attributes of one resource at one point in time.
// Snapshots are compared pairwise by the change detector.
type ResourceSnapshot struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Type        string            `json:"type" yaml:"type"`
	Provider    string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	Region      string            `json:"region,omitempty" yaml:"region,omitempty"`
	Status      string            `json:"status" yaml:"status"`
	Node        string            `json:"node,omitempty" yaml:"node,omitempty"`
	CPUCores    int               `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	MemoryBytes int64             `json:"memory_bytes,omitempty" yaml:"memory_bytes,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	CapturedAt  time.Time         `json:"captured_at" yaml:"captured_at"`
}

// DisplayName returns the name when set, otherwise the id.
func (r ResourceSnapshot) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// IsRunning reports whether the snapshot status is a running state
func (r ResourceSnapshot) IsRunning() bool {
	switch r.Status {
	case "running", "available", "online":
		return true
	}
	return false
}

// Label returns a label value, empty when absent
func (r ResourceSnapshot) Label(key string) string {
	if r.Labels == nil {
		return ""
	}
	return r.Labels[key]
}
