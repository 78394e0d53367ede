// Package blob stores container bytes for server custody. Keys are opaque,
// flat names generated by the vault; stores never interpret them.
package blob

import (
	"context"
	"fmt"
	"io"
	"regexp"

	"github.com/org/barvault/internal/barerr"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = barerr.ErrNotFound

// Store persists objects by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Size returns the object length, or ErrNotFound.
	Size(ctx context.Context, key string) (int64, error)
	// Overwrite replaces the object's full extent with size bytes read from
	// src and returns once the write is durable.
	Overwrite(ctx context.Context, key string, src io.Reader, size int64) error
	// Delete removes the object. Deleting an absent object is not an error.
	Delete(ctx context.Context, key string) error
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,254}$`)

// ValidateKey rejects keys that could escape a directory or bucket prefix.
func ValidateKey(key string) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("%w: invalid blob key %q", barerr.ErrInvalidInput, key)
	}
	return nil
}
