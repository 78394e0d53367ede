package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// --- View ledger ---

const recordColumns = `resource_id, blob_key, filename, created_at, expires_at, max_views, current_views,
	view_refresh_seconds, password_protected, view_only, webhook_url, destroyed, destroyed_at,
	erased_at, last_accessed_at`

func (p *PostgresBackend) CreateRecord(ctx context.Context, rec *models.LedgerRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO bar_files (resource_id, blob_key, filename, created_at, expires_at, max_views,
		                        current_views, view_refresh_seconds, password_protected, view_only, webhook_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ResourceID, rec.BlobKey, rec.Filename, rec.CreatedAt, rec.ExpiresAt, rec.MaxViews,
		rec.CurrentViews, int64(rec.ViewRefresh.Seconds()), rec.PasswordProtected, rec.ViewOnly, rec.WebhookURL,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetRecord(ctx context.Context, resourceID string) (*models.LedgerRecord, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM bar_files WHERE resource_id = $1`,
		resourceID,
	)
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (*models.LedgerRecord, error) {
	var r models.LedgerRecord
	var refreshSec int64
	err := row.Scan(&r.ResourceID, &r.BlobKey, &r.Filename, &r.CreatedAt, &r.ExpiresAt, &r.MaxViews,
		&r.CurrentViews, &refreshSec, &r.PasswordProtected, &r.ViewOnly, &r.WebhookURL, &r.Destroyed,
		&r.DestroyedAt, &r.ErasedAt, &r.LastAccessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.ViewRefresh = time.Duration(refreshSec) * time.Second
	return &r, nil
}

// IncrementView locks the row, applies the refresh-window rule and then
// increments with a conditional UPDATE, all in one transaction. Two callers
// racing for the last view serialise on the row lock; the loser sees the
// updated count and gets ErrExhausted.
func (p *PostgresBackend) IncrementView(ctx context.Context, resourceID, fingerprint string, now time.Time) (*models.ViewOutcome, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		current, limit int
		refreshSec     int64
		expiresAt      *time.Time
		destroyed      bool
	)
	err = tx.QueryRow(ctx,
		`SELECT current_views, max_views, view_refresh_seconds, expires_at, destroyed
		 FROM bar_files WHERE resource_id = $1 FOR UPDATE`,
		resourceID,
	).Scan(&current, &limit, &refreshSec, &expiresAt, &destroyed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("locking ledger record: %w", err)
	}
	switch {
	case destroyed:
		return nil, ErrNotFound
	case expiresAt != nil && now.After(*expiresAt):
		return nil, barerr.ErrExpired
	case limit > 0 && current >= limit:
		return nil, barerr.ErrExhausted
	}

	if refreshSec > 0 && fingerprint != "" {
		var lastSeen time.Time
		err := tx.QueryRow(ctx,
			`SELECT last_seen FROM view_sessions WHERE resource_id = $1 AND fingerprint = $2`,
			resourceID, fingerprint,
		).Scan(&lastSeen)
		switch {
		case err == nil && now.Sub(lastSeen) < time.Duration(refreshSec)*time.Second:
			if _, err := tx.Exec(ctx,
				`UPDATE view_sessions SET last_seen = $3 WHERE resource_id = $1 AND fingerprint = $2`,
				resourceID, fingerprint, now,
			); err != nil {
				return nil, fmt.Errorf("refreshing view session: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE bar_files SET last_accessed_at = $2 WHERE resource_id = $1`,
				resourceID, now,
			); err != nil {
				return nil, fmt.Errorf("touching ledger record: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			return outcome(current, limit, false), nil
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("reading view session: %w", err)
		}
	}

	var newCount int
	err = tx.QueryRow(ctx,
		`UPDATE bar_files
		 SET current_views = current_views + 1,
		     last_accessed_at = $2,
		     destroyed = (max_views > 0 AND current_views + 1 >= max_views),
		     destroyed_at = CASE WHEN max_views > 0 AND current_views + 1 >= max_views THEN $2 ELSE NULL END
		 WHERE resource_id = $1 AND NOT destroyed AND (max_views = 0 OR current_views < max_views)
		 RETURNING current_views`,
		resourceID, now,
	).Scan(&newCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, barerr.ErrExhausted
		}
		return nil, fmt.Errorf("incrementing view count: %w", err)
	}

	if refreshSec > 0 && fingerprint != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO view_sessions (resource_id, fingerprint, first_seen, last_seen)
			 VALUES ($1, $2, $3, $3)
			 ON CONFLICT (resource_id, fingerprint) DO UPDATE SET last_seen = EXCLUDED.last_seen`,
			resourceID, fingerprint, now,
		); err != nil {
			return nil, fmt.Errorf("recording view session: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return outcome(newCount, limit, true), nil
}

func outcome(count, limit int, counted bool) *models.ViewOutcome {
	o := &models.ViewOutcome{NewCount: count, ViewsRemaining: -1, Counted: counted}
	if limit > 0 {
		o.ViewsRemaining = limit - count
		if o.ViewsRemaining < 0 {
			o.ViewsRemaining = 0
		}
		o.ShouldDestroy = counted && count >= limit
	}
	return o
}

func (p *PostgresBackend) ListExpired(ctx context.Context, now time.Time) ([]*models.LedgerRecord, error) {
	return p.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM bar_files
		 WHERE erased_at IS NULL AND expires_at IS NOT NULL AND expires_at < $1
		 ORDER BY expires_at`,
		now,
	)
}

func (p *PostgresBackend) ListExhausted(ctx context.Context) ([]*models.LedgerRecord, error) {
	return p.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM bar_files
		 WHERE erased_at IS NULL AND max_views > 0 AND current_views >= max_views
		 ORDER BY resource_id`,
	)
}

func (p *PostgresBackend) queryRecords(ctx context.Context, query string, args ...any) ([]*models.LedgerRecord, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []*models.LedgerRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (p *PostgresBackend) BeginDestroy(ctx context.Context, resourceID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE bar_files
		 SET destroyed = TRUE, destroyed_at = COALESCE(destroyed_at, $2)
		 WHERE resource_id = $1`,
		resourceID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) MarkDestroyed(ctx context.Context, resourceID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE bar_files
		 SET destroyed = TRUE, destroyed_at = COALESCE(destroyed_at, $2), erased_at = COALESCE(erased_at, $2)
		 WHERE resource_id = $1`,
		resourceID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) PurgeDestroyed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM bar_files WHERE destroyed AND erased_at IS NOT NULL AND erased_at < $1`,
		before,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Credential attempts ---

func (p *PostgresBackend) AppendAttempt(ctx context.Context, a *models.Attempt) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO password_attempts (identity, resource_id, attempted_at, success) VALUES ($1, $2, $3, $4)`,
		a.Identity, a.ResourceID, a.At, a.Success,
	)
	return err
}

func (p *PostgresBackend) ListAttempts(ctx context.Context, identity, resourceID string, since time.Time) ([]models.Attempt, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT identity, resource_id, attempted_at, success FROM password_attempts
		 WHERE resource_id = $1 AND ($2 = '' OR identity = $2) AND attempted_at >= $3
		 ORDER BY attempted_at`,
		resourceID, identity, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Attempt
	for rows.Next() {
		var a models.Attempt
		if err := rows.Scan(&a.Identity, &a.ResourceID, &a.At, &a.Success); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) ClearAttempts(ctx context.Context, identity, resourceID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM password_attempts WHERE identity = $1 AND resource_id = $2`,
		identity, resourceID,
	)
	return err
}

func (p *PostgresBackend) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM password_attempts WHERE attempted_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Access log ---

func (p *PostgresBackend) WriteAccessEvent(ctx context.Context, ev *models.AccessEvent) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO access_log (request_id, resource_id, timestamp, fingerprint, outcome, reason, counted, view_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.RequestID, ev.ResourceID, ev.Timestamp, ev.Fingerprint, ev.Outcome, ev.Reason, ev.Counted, ev.ViewCount,
	)
	return err
}

func (p *PostgresBackend) QueryAccessLog(ctx context.Context, filter AccessFilter) ([]*models.AccessEvent, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, resource_id, timestamp, fingerprint, outcome, reason, counted, view_count FROM access_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.ResourceID != "" {
		fmt.Fprintf(&query, ` AND resource_id = $%d`, n)
		args = append(args, filter.ResourceID)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.AccessEvent
	for rows.Next() {
		var e models.AccessEvent
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ResourceID, &e.Timestamp, &e.Fingerprint,
			&e.Outcome, &e.Reason, &e.Counted, &e.ViewCount); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Metrics ---

func (p *PostgresBackend) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bar_files WHERE NOT destroyed`).Scan(&count)
	return count, err
}
