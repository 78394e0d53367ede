// Package auth issues the share tokens that address server-custody
// containers. Only the token hash is persisted; the plaintext is shown once.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/org/barvault/internal/barerr"
)

const tokenPrefix = "bar_"

// tokenBytes is the entropy of a share token.
const tokenBytes = 32

// Share is a freshly issued share token.
type Share struct {
	// Token is the plaintext handed to the sealer. Never stored.
	Token string
	// ResourceID keys the ledger: the SHA-256 of Token.
	ResourceID string
	// BlobKey names the stored container bytes. It is unrelated to Token so
	// a listing of the blob store reveals nothing about share links.
	BlobKey string
}

// NewShare generates a random share token and its storage identifiers.
func NewShare() (*Share, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	plaintext := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return &Share{
		Token:      plaintext,
		ResourceID: HashToken(plaintext),
		BlobKey:    uuid.NewString() + ".bar",
	}, nil
}

// HashToken returns the hex SHA-256 of a plaintext token.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// ResourceID validates a presented token and returns its ledger key.
func ResourceID(token string) (string, error) {
	rest, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return "", fmt.Errorf("%w: malformed share token", barerr.ErrNotFound)
	}
	raw, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil || len(raw) != tokenBytes {
		return "", fmt.Errorf("%w: malformed share token", barerr.ErrNotFound)
	}
	return HashToken(token), nil
}
