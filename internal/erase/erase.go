// Package erase destroys stored container bytes so they resist trivial
// recovery: several random passes, a zero pass, then removal.
package erase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/org/barvault/internal/blob"
)

// DefaultPasses is the number of random overwrite passes before the zero pass.
const DefaultPasses = 3

// Eraser securely erases objects in a blob store.
type Eraser struct {
	store  blob.Store
	passes int
	random io.Reader

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New returns an Eraser doing passes random passes. passes <= 0 uses DefaultPasses.
func New(store blob.Store, passes int) *Eraser {
	if passes <= 0 {
		passes = DefaultPasses
	}
	return &Eraser{store: store, passes: passes, random: rand.Reader, locks: make(map[string]*keyLock)}
}

func (e *Eraser) lock(key string) func() {
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &keyLock{}
		e.locks[key] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, key)
		}
		e.mu.Unlock()
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// Erase overwrites and removes the object at key while holding an exclusive
// per-key lock. Erasing an absent object is a no-op. If any pass fails the
// object is deleted anyway; an error is returned only when that delete also
// fails.
func (e *Eraser) Erase(ctx context.Context, key string) error {
	unlock := e.lock(key)
	defer unlock()

	size, err := e.store.Size(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil
	}
	if err != nil {
		return e.fallback(ctx, key, fmt.Errorf("sizing object: %w", err))
	}

	for i := 0; i < e.passes; i++ {
		if err := e.store.Overwrite(ctx, key, io.LimitReader(e.random, size), size); err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				return nil
			}
			return e.fallback(ctx, key, fmt.Errorf("random pass %d: %w", i+1, err))
		}
	}
	if err := e.store.Overwrite(ctx, key, io.LimitReader(zeroReader{}, size), size); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil
		}
		return e.fallback(ctx, key, fmt.Errorf("zero pass: %w", err))
	}

	if err := e.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	log.Debug().Str("key", key).Int("passes", e.passes+1).Int64("bytes", size).Msg("object erased")
	return nil
}

func (e *Eraser) fallback(ctx context.Context, key string, cause error) error {
	log.Warn().Err(cause).Str("key", key).Msg("secure erase failed, falling back to plain delete")
	if err := e.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		return fmt.Errorf("secure erase of %s failed (%v) and delete failed: %w", key, cause, err)
	}
	return nil
}
