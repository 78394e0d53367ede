// Package guard throttles password guessing per (identity, resource) pair.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/pkg/models"
)

// AttemptStore persists password attempts.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, a *models.Attempt) error
	ListAttempts(ctx context.Context, identity, resourceID string, since time.Time) ([]models.Attempt, error)
	ClearAttempts(ctx context.Context, identity, resourceID string) error
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config holds the guard knobs.
type Config struct {
	// MaxAttempts is the number of failures per (identity, resource) within
	// LockoutWindow that triggers a lockout.
	MaxAttempts int
	// ResourceMaxAttempts caps failures against one resource across all
	// identities. Zero disables the ceiling.
	ResourceMaxAttempts int
	LockoutWindow       time.Duration
	// DelayCap bounds the progressive delay.
	DelayCap time.Duration
}

// DefaultConfig returns 5 attempts, a 60 minute window, a 30s delay cap and
// a per-resource ceiling of 50.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         5,
		ResourceMaxAttempts: 50,
		LockoutWindow:       60 * time.Minute,
		DelayCap:            30 * time.Second,
	}
}

// Guard implements progressive delay and lockout. Attempts that have been
// admitted but not yet resolved count as failures, so parallel guesses see
// each other.
type Guard struct {
	store AttemptStore
	cfg   Config
	sleep Sleeper
	now   func() time.Time

	mu         sync.Mutex
	locks      map[string]*resourceLock
	pending    map[pairKey]int
	resPending map[string]int
}

type pairKey struct {
	identity   string
	resourceID string
}

type resourceLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Guard. Zero config fields fall back to DefaultConfig.
func New(store AttemptStore, cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = def.LockoutWindow
	}
	if cfg.DelayCap <= 0 {
		cfg.DelayCap = def.DelayCap
	}
	if cfg.ResourceMaxAttempts < 0 {
		cfg.ResourceMaxAttempts = 0
	}
	return &Guard{
		store:      store,
		cfg:        cfg,
		sleep:      sleepContext,
		now:        time.Now,
		locks:      make(map[string]*resourceLock),
		pending:    make(map[pairKey]int),
		resPending: make(map[string]int),
	}
}

// WithSleeper replaces the wait function. Tests use it to observe delays.
func (g *Guard) WithSleeper(s Sleeper) *Guard {
	g.sleep = s
	return g
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay returns the progressive delay after failures failed attempts:
// min(2^(failures-1) seconds, cap).
func Delay(failures int, limit time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 31 {
		return limit
	}
	d := time.Duration(1<<(failures-1)) * time.Second
	if d > limit {
		return limit
	}
	return d
}

// Reserve admits one password attempt for the pair. It fails with a
// *barerr.LockoutError once the pair or the resource is locked out, counting
// attempts still in flight as failures. Otherwise it books the attempt and
// waits out the progressive delay; the per-resource lock is released before
// waiting. The caller must resolve the reservation exactly once.
func (g *Guard) Reserve(ctx context.Context, identity, resourceID string) (*Reservation, error) {
	unlock := g.lock(resourceID)
	failures, err := g.check(ctx, identity, resourceID)
	if err != nil {
		unlock()
		return nil, err
	}
	key := pairKey{identity, resourceID}
	g.mu.Lock()
	g.pending[key]++
	g.resPending[resourceID]++
	g.mu.Unlock()
	unlock()

	r := &Reservation{g: g, key: key, Failures: failures}
	if d := Delay(failures, g.cfg.DelayCap); d > 0 {
		if err := g.sleep(ctx, d); err != nil {
			r.Release()
			return nil, err
		}
	}
	return r, nil
}

// check counts recent failures for the pair, including reservations in
// flight, and enforces both lockout thresholds. Callers hold the resource lock.
func (g *Guard) check(ctx context.Context, identity, resourceID string) (int, error) {
	now := g.now()
	since := now.Add(-g.cfg.LockoutWindow)

	g.mu.Lock()
	inflight := g.pending[pairKey{identity, resourceID}]
	inflightRes := g.resPending[resourceID]
	g.mu.Unlock()

	pair, err := g.store.ListAttempts(ctx, identity, resourceID, since)
	if err != nil {
		return 0, fmt.Errorf("listing attempts: %w", err)
	}
	failures, oldest := countFailures(pair, now)
	failures += inflight
	if failures >= g.cfg.MaxAttempts {
		return failures, g.lockout(identity, resourceID, failures, oldest, now)
	}

	if g.cfg.ResourceMaxAttempts > 0 {
		all, err := g.store.ListAttempts(ctx, "", resourceID, since)
		if err != nil {
			return 0, fmt.Errorf("listing attempts: %w", err)
		}
		total, oldestAll := countFailures(all, now)
		total += inflightRes
		if total >= g.cfg.ResourceMaxAttempts {
			return failures, g.lockout("*", resourceID, total, oldestAll, now)
		}
	}
	return failures, nil
}

func (g *Guard) lock(resourceID string) func() {
	g.mu.Lock()
	l, ok := g.locks[resourceID]
	if !ok {
		l = &resourceLock{}
		g.locks[resourceID] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, resourceID)
		}
		g.mu.Unlock()
	}
}

func (g *Guard) release(key pairKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[key]--; g.pending[key] <= 0 {
		delete(g.pending, key)
	}
	if g.resPending[key.resourceID]--; g.resPending[key.resourceID] <= 0 {
		delete(g.resPending, key.resourceID)
	}
}

// Reservation is an admitted attempt. Until resolved it counts as a failure.
type Reservation struct {
	g   *Guard
	key pairKey
	// Failures is the failure count, in-flight attempts included, the
	// attempt was admitted at.
	Failures int
	once     sync.Once
}

// Succeeded clears the pair's failure history and releases the reservation.
func (r *Reservation) Succeeded(ctx context.Context) error {
	return r.resolve(func() error {
		return r.g.RecordAttempt(context.WithoutCancel(ctx), r.key.identity, r.key.resourceID, true)
	})
}

// Failed records a failed attempt and releases the reservation. The failure
// is stored before the reservation stops counting.
func (r *Reservation) Failed(ctx context.Context) error {
	return r.resolve(func() error {
		return r.g.RecordAttempt(context.WithoutCancel(ctx), r.key.identity, r.key.resourceID, false)
	})
}

// Release drops the reservation without recording an outcome, for attempts
// that never reached the password check.
func (r *Reservation) Release() {
	_ = r.resolve(nil)
}

func (r *Reservation) resolve(record func() error) error {
	var err error
	r.once.Do(func() {
		if record != nil {
			err = record()
		}
		r.g.release(r.key)
	})
	return err
}

func (g *Guard) lockout(identity, resourceID string, failures int, oldest, now time.Time) error {
	retry := oldest.Add(g.cfg.LockoutWindow).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	log.Warn().
		Str("resource_id", resourceID).
		Str("identity", identity).
		Int("failures", failures).
		Dur("retry_after", retry).
		Msg("password attempts locked out")
	return &barerr.LockoutError{Failures: failures, RetryAfter: retry}
}

// countFailures counts failed attempts and returns the oldest one's time,
// or now when there are none. Attempts are expected oldest first.
func countFailures(attempts []models.Attempt, now time.Time) (int, time.Time) {
	var n int
	oldest := now
	for _, a := range attempts {
		if a.Success {
			continue
		}
		if n == 0 {
			oldest = a.At
		}
		n++
	}
	return n, oldest
}

// RecordAttempt stores the outcome of a password check. A success clears
// the pair's failure history.
func (g *Guard) RecordAttempt(ctx context.Context, identity, resourceID string, success bool) error {
	if success {
		if err := g.store.ClearAttempts(ctx, identity, resourceID); err != nil {
			return fmt.Errorf("clearing attempts: %w", err)
		}
		return nil
	}
	if err := g.store.AppendAttempt(ctx, &models.Attempt{
		Identity:   identity,
		ResourceID: resourceID,
		At:         g.now(),
		Success:    false,
	}); err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	return nil
}

// Prune drops attempts older than the lockout window.
func (g *Guard) Prune(ctx context.Context) (int64, error) {
	return g.store.PruneAttempts(ctx, g.now().Add(-g.cfg.LockoutWindow))
}
