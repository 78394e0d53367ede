package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/pkg/models"
)

// MemoryBackend is a Backend held entirely in process memory. It is used
// when no database is configured and by tests. Every method runs under one
// mutex, which makes IncrementView trivially atomic.
type MemoryBackend struct {
	mu       sync.Mutex
	records  map[string]*models.LedgerRecord
	sessions map[sessionKey]time.Time
	attempts []models.Attempt
	events   []*models.AccessEvent
	nextID   int64
}

type sessionKey struct {
	resourceID  string
	fingerprint string
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records:  make(map[string]*models.LedgerRecord),
		sessions: make(map[sessionKey]time.Time),
	}
}

func (m *MemoryBackend) Close() {}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func cloneRecord(r *models.LedgerRecord) *models.LedgerRecord {
	c := *r
	return &c
}

func (m *MemoryBackend) CreateRecord(_ context.Context, rec *models.LedgerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ResourceID]; ok {
		return ErrAlreadyExists
	}
	m.records[rec.ResourceID] = cloneRecord(rec)
	return nil
}

func (m *MemoryBackend) GetRecord(_ context.Context, resourceID string) (*models.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[resourceID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryBackend) IncrementView(_ context.Context, resourceID, fingerprint string, now time.Time) (*models.ViewOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[resourceID]
	switch {
	case !ok || r.Destroyed:
		return nil, ErrNotFound
	case r.IsExpired(now):
		return nil, barerr.ErrExpired
	case r.IsExhausted():
		return nil, barerr.ErrExhausted
	}

	t := now
	key := sessionKey{resourceID, fingerprint}
	if r.ViewRefresh > 0 && fingerprint != "" {
		if last, seen := m.sessions[key]; seen && now.Sub(last) < r.ViewRefresh {
			m.sessions[key] = now
			r.LastAccessedAt = &t
			return outcome(r.CurrentViews, r.MaxViews, false), nil
		}
	}

	r.CurrentViews++
	r.LastAccessedAt = &t
	if r.IsExhausted() {
		r.Destroyed = true
		r.DestroyedAt = &t
	}
	if r.ViewRefresh > 0 && fingerprint != "" {
		m.sessions[key] = now
	}
	return outcome(r.CurrentViews, r.MaxViews, true), nil
}

func (m *MemoryBackend) ListExpired(_ context.Context, now time.Time) ([]*models.LedgerRecord, error) {
	return m.filter(func(r *models.LedgerRecord) bool {
		return r.ErasedAt == nil && r.IsExpired(now)
	}), nil
}

func (m *MemoryBackend) ListExhausted(context.Context) ([]*models.LedgerRecord, error) {
	return m.filter(func(r *models.LedgerRecord) bool {
		return r.ErasedAt == nil && r.IsExhausted()
	}), nil
}

func (m *MemoryBackend) filter(keep func(*models.LedgerRecord) bool) []*models.LedgerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerRecord
	for _, r := range m.records {
		if keep(r) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

func (m *MemoryBackend) BeginDestroy(_ context.Context, resourceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[resourceID]
	if !ok {
		return ErrNotFound
	}
	r.Destroyed = true
	if r.DestroyedAt == nil {
		r.DestroyedAt = &at
	}
	return nil
}

func (m *MemoryBackend) MarkDestroyed(_ context.Context, resourceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[resourceID]
	if !ok {
		return ErrNotFound
	}
	r.Destroyed = true
	if r.DestroyedAt == nil {
		r.DestroyedAt = &at
	}
	if r.ErasedAt == nil {
		r.ErasedAt = &at
	}
	return nil
}

func (m *MemoryBackend) PurgeDestroyed(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.records {
		if r.Destroyed && r.ErasedAt != nil && r.ErasedAt.Before(before) {
			delete(m.records, id)
			for k := range m.sessions {
				if k.resourceID == id {
					delete(m.sessions, k)
				}
			}
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) AppendAttempt(_ context.Context, a *models.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *a)
	return nil
}

func (m *MemoryBackend) ListAttempts(_ context.Context, identity, resourceID string, since time.Time) ([]models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Attempt
	for _, a := range m.attempts {
		if a.ResourceID != resourceID || (identity != "" && a.Identity != identity) || a.At.Before(since) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (m *MemoryBackend) ClearAttempts(_ context.Context, identity, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.attempts[:0]
	for _, a := range m.attempts {
		if a.Identity == identity && a.ResourceID == resourceID {
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return nil
}

func (m *MemoryBackend) PruneAttempts(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.attempts[:0]
	var n int64
	for _, a := range m.attempts {
		if a.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return n, nil
}

func (m *MemoryBackend) WriteAccessEvent(_ context.Context, ev *models.AccessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c := *ev
	c.ID = m.nextID
	m.events = append(m.events, &c)
	return nil
}

func (m *MemoryBackend) QueryAccessLog(_ context.Context, filter AccessFilter) ([]*models.AccessEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AccessEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryBackend) CountActive(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if !r.Destroyed {
			n++
		}
	}
	return n, nil
}
