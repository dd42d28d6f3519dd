package types

import "time"

// ChangeType classifies a detected infrastructure change
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeDeleted  ChangeType = "deleted"
	ChangeConfig   ChangeType = "config"
	ChangeStatus   ChangeType = "status"
	ChangeMigrated ChangeType = "migrated"
)

// Change is one detected difference between two successive snapshots of a resource.
type Change struct {
	ID           string            `json:"id"`
	ResourceID   string            `json:"resource_id"`
	ResourceType string            `json:"resource_type"`
	ResourceName string            `json:"resource_name"`
	Type         ChangeType        `json:"change_type"`
	Before       *ResourceSnapshot `json:"before,omitempty"`
	After        *ResourceSnapshot `json:"after,omitempty"`
	DetectedAt   time.Time         `json:"detected_at"`
	Description  string            `json:"description"`
}
