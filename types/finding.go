package types

import "time"

// Finding is an externally produced observation about a resource.
type Finding struct {
	ID         string    `json:"id" yaml:"id"`
	ResourceID string    `json:"resource_id" yaml:"resource_id"`
	Severity   string    `json:"severity" yaml:"severity"`
	Title      string    `json:"title" yaml:"title"`
	Detail     string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	DetectedAt time.Time `json:"detected_at" yaml:"detected_at"`
}
