package models

import "time"

// LedgerRecord is the server-side view-accounting row for one
// server-custody container. Once it exists it is authoritative over the
// counters embedded in the container bytes.
type LedgerRecord struct {
	ResourceID        string
	BlobKey           string
	Filename          string
	CreatedAt         time.Time
	ExpiresAt         *time.Time
	MaxViews          int // 0 = unlimited
	CurrentViews      int
	ViewRefresh       time.Duration
	PasswordProtected bool
	ViewOnly          bool
	WebhookURL        string
	Destroyed         bool
	DestroyedAt       *time.Time
	ErasedAt          *time.Time
	LastAccessedAt    *time.Time
}

// IsExpired returns true if the record has passed its expiry time.
func (r *LedgerRecord) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// IsExhausted returns true if a view limit is set and reached.
func (r *LedgerRecord) IsExhausted() bool {
	return r.MaxViews > 0 && r.CurrentViews >= r.MaxViews
}

// ViewsRemaining returns the views left, or -1 when unlimited.
func (r *LedgerRecord) ViewsRemaining() int {
	if r.MaxViews == 0 {
		return -1
	}
	if r.CurrentViews >= r.MaxViews {
		return 0
	}
	return r.MaxViews - r.CurrentViews
}

// ViewOutcome is the result of one atomic view increment.
type ViewOutcome struct {
	NewCount       int
	ViewsRemaining int // -1 = unlimited
	ShouldDestroy  bool
	// Counted is false when the access fell inside the refresh window of an
	// earlier view from the same session and the counter was left alone.
	Counted bool
}
