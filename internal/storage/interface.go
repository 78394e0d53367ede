package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = barerr.ErrNotFound

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// Backend defines the persistence interface for barvault.
type Backend interface {
	// View ledger
	CreateRecord(ctx context.Context, rec *models.LedgerRecord) error
	GetRecord(ctx context.Context, resourceID string) (*models.LedgerRecord, error)
	// IncrementView counts one view as a single atomic unit. It fails with
	// barerr.ErrNotFound, ErrExpired or ErrExhausted without changing state,
	// and sets Destroyed in the same unit when the limit is reached.
	IncrementView(ctx context.Context, resourceID, fingerprint string, now time.Time) (*models.ViewOutcome, error)
	ListExpired(ctx context.Context, now time.Time) ([]*models.LedgerRecord, error)
	ListExhausted(ctx context.Context) ([]*models.LedgerRecord, error)
	// BeginDestroy flags a record destroyed before its bytes are erased. The
	// record stays listed for sweeping until MarkDestroyed records the erase.
	BeginDestroy(ctx context.Context, resourceID string, at time.Time) error
	MarkDestroyed(ctx context.Context, resourceID string, at time.Time) error
	PurgeDestroyed(ctx context.Context, before time.Time) (int64, error)

	// Credential attempts
	AppendAttempt(ctx context.Context, a *models.Attempt) error
	// ListAttempts returns attempts at or after since, oldest first. An empty
	// identity matches every identity for the resource.
	ListAttempts(ctx context.Context, identity, resourceID string, since time.Time) ([]models.Attempt, error)
	ClearAttempts(ctx context.Context, identity, resourceID string) error
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)

	// Access log
	WriteAccessEvent(ctx context.Context, ev *models.AccessEvent) error
	QueryAccessLog(ctx context.Context, filter AccessFilter) ([]*models.AccessEvent, error)

	// Metrics helpers
	CountActive(ctx context.Context) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close()
}

// AccessFilter specifies query parameters for access log retrieval.
type AccessFilter struct {
	ResourceID string
	Since      *time.Time
	Limit      int
	Offset     int
}
