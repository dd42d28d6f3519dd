package types

import "time"

// Outcome is the result of a remediation action
type Outcome string

const (
	OutcomeResolved Outcome = "resolved"
	OutcomePartial  Outcome = "partial"
	OutcomeFailed   Outcome = "failed"
	OutcomeUnknown  Outcome = "unknown"
)

// Valid reports whether o is one of the known outcomes
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeResolved, OutcomePartial, OutcomeFailed, OutcomeUnknown:
		return true
	}
	return false
}

// Successful reports whether the outcome fixed the problem at least partially
func (o Outcome) Successful() bool {
	return o == OutcomeResolved || o == OutcomePartial
}

// RemediationRecord records an action taken against a problem and what happened.
type RemediationRecord struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	ResourceID string        `json:"resource_id"`
	FindingID  string        `json:"finding_id,omitempty"`
	Problem    string        `json:"problem"`
	Action     string        `json:"action"`
	Outcome    Outcome       `json:"outcome"`
	Duration   time.Duration `json:"duration,omitempty"`
	Note       string        `json:"note,omitempty"`
	Automatic  bool          `json:"automatic"`
}
