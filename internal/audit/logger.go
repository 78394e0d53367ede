package audit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/internal/storage"
	"github.com/org/barvault/pkg/models"
)

// Store persists access events.
type Store interface {
	WriteAccessEvent(ctx context.Context, ev *models.AccessEvent) error
	QueryAccessLog(ctx context.Context, filter storage.AccessFilter) ([]*models.AccessEvent, error)
}

// Logger writes the redemption access log.
type Logger struct {
	store Store
	now   func() time.Time
}

// NewLogger creates an access Logger.
func NewLogger(store Store) *Logger {
	return &Logger{store: store, now: time.Now}
}

// Record stores ev. Plaintext, passwords and raw client identities must
// never be passed here; Fingerprint is already hashed.
func (l *Logger) Record(ctx context.Context, ev *models.AccessEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	// Access logging must not change the redemption outcome.
	if err := l.store.WriteAccessEvent(context.WithoutCancel(ctx), ev); err != nil {
		log.Error().Err(err).Str("resource_id", ev.ResourceID).Msg("writing access event")
	}
}

// Query retrieves paginated access events, newest first.
func (l *Logger) Query(ctx context.Context, filter storage.AccessFilter) ([]*models.AccessEvent, error) {
	return l.store.QueryAccessLog(ctx, filter)
}

// Outcome maps a redemption error to the access log outcome and reason.
func Outcome(err error) (string, string) {
	if err == nil {
		return models.OutcomeGranted, ""
	}
	reason := string(barerr.KindOf(err))
	switch {
	case barerr.IsSecurityEvent(err):
		return models.OutcomeTamper, reason
	case errors.Is(err, barerr.ErrLockedOut):
		return models.OutcomeLocked, reason
	case errors.Is(err, barerr.ErrExpired):
		return models.OutcomeExpired, reason
	case errors.Is(err, barerr.ErrExhausted):
		return models.OutcomeExhausted, reason
	default:
		return models.OutcomeDenied, reason
	}
}
