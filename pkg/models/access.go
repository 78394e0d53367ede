package models

import "time"

// Attempt is one password attempt against a resource.
type Attempt struct {
	Identity   string
	ResourceID string
	At         time.Time
	Success    bool
}

// Access outcomes recorded in the access log.
const (
	OutcomeGranted   = "granted"
	OutcomeDenied    = "denied"
	OutcomeTamper    = "tamper"
	OutcomeLocked    = "locked_out"
	OutcomeExpired   = "expired"
	OutcomeExhausted = "exhausted"
)

// AccessEvent records a single redemption attempt. Fingerprint is the hashed
// session fingerprint, never the raw identity.
type AccessEvent struct {
	ID          int64     `json:"id"`
	RequestID   string    `json:"request_id,omitempty"`
	ResourceID  string    `json:"resource_id"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	Counted     bool      `json:"counted"`
	ViewCount   int       `json:"view_count"`
}
