// Package ledger is the authoritative view accounting for server-custody
// containers. The counter embedded in a container is advisory once a ledger
// record exists.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/internal/crypto"
	"github.com/org/barvault/pkg/models"
)

// Store is the slice of the storage backend the ledger needs.
type Store interface {
	CreateRecord(ctx context.Context, rec *models.LedgerRecord) error
	GetRecord(ctx context.Context, resourceID string) (*models.LedgerRecord, error)
	IncrementView(ctx context.Context, resourceID, fingerprint string, now time.Time) (*models.ViewOutcome, error)
	ListExpired(ctx context.Context, now time.Time) ([]*models.LedgerRecord, error)
	ListExhausted(ctx context.Context) ([]*models.LedgerRecord, error)
	BeginDestroy(ctx context.Context, resourceID string, at time.Time) error
	MarkDestroyed(ctx context.Context, resourceID string, at time.Time) error
	PurgeDestroyed(ctx context.Context, before time.Time) (int64, error)
}

// Ledger tracks per-container view counts.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a Ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Session identifies the caller for refresh-window purposes. Only its
// fingerprint is ever stored.
type Session struct {
	Identity  string
	UserAgent string
}

// Fingerprint returns the opaque session fingerprint for resourceID.
func (s Session) Fingerprint(resourceID string) string {
	if s.Identity == "" && s.UserAgent == "" {
		return ""
	}
	return crypto.Fingerprint(resourceID, s.Identity, s.UserAgent)
}

// Create registers a new server-custody container.
func (l *Ledger) Create(ctx context.Context, rec *models.LedgerRecord) error {
	if rec.ResourceID == "" {
		return fmt.Errorf("%w: resource id is required", barerr.ErrInvalidInput)
	}
	if rec.MaxViews < 0 {
		return fmt.Errorf("%w: max views must not be negative", barerr.ErrInvalidInput)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	return l.store.CreateRecord(ctx, rec)
}

// Get returns the record for resourceID. Destroyed records are reported as
// not found.
func (l *Ledger) Get(ctx context.Context, resourceID string) (*models.LedgerRecord, error) {
	rec, err := l.store.GetRecord(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if rec.Destroyed {
		return nil, barerr.ErrNotFound
	}
	return rec, nil
}

// IncrementView records one view and reports whether the container must now
// be destroyed. The decision comes from the same atomic store operation that
// incremented the counter, so concurrent callers can never both see the last
// view.
func (l *Ledger) IncrementView(ctx context.Context, resourceID string, session Session) (*models.ViewOutcome, error) {
	o, err := l.store.IncrementView(ctx, resourceID, session.Fingerprint(resourceID), l.now())
	if err != nil {
		if !isPolicyError(err) {
			return nil, fmt.Errorf("incrementing view for %s: %w", resourceID, err)
		}
		return nil, err
	}
	if o.ShouldDestroy {
		log.Info().Str("resource_id", resourceID).Int("views", o.NewCount).Msg("view limit reached")
	}
	return o, nil
}

func isPolicyError(err error) bool {
	return errors.Is(err, barerr.ErrNotFound) || errors.Is(err, barerr.ErrExpired) || errors.Is(err, barerr.ErrExhausted)
}

// ListExpired returns records past their expiry whose bytes are not yet erased.
func (l *Ledger) ListExpired(ctx context.Context) ([]*models.LedgerRecord, error) {
	return l.store.ListExpired(ctx, l.now())
}

// ListExhausted returns records at their view limit whose bytes are not yet erased.
func (l *Ledger) ListExhausted(ctx context.Context) ([]*models.LedgerRecord, error) {
	return l.store.ListExhausted(ctx)
}

// BeginDestroy flags the record destroyed ahead of erasing its bytes, so no
// redemption is admitted while the overwrite runs.
func (l *Ledger) BeginDestroy(ctx context.Context, resourceID string) error {
	return l.store.BeginDestroy(ctx, resourceID, l.now().UTC())
}

// MarkDestroyed flags the record destroyed and its bytes erased.
func (l *Ledger) MarkDestroyed(ctx context.Context, resourceID string) error {
	return l.store.MarkDestroyed(ctx, resourceID, l.now().UTC())
}

// PurgeDestroyed deletes destroyed records erased more than retention ago.
func (l *Ledger) PurgeDestroyed(ctx context.Context, retention time.Duration) (int64, error) {
	return l.store.PurgeDestroyed(ctx, l.now().Add(-retention))
}
