package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/internal/blob"
)

func TestNewShare(t *testing.T) {
	s, err := NewShare()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.Token, tokenPrefix))
	assert.Equal(t, HashToken(s.Token), s.ResourceID)
	assert.NotContains(t, s.ResourceID, s.Token)
	assert.NoError(t, blob.ValidateKey(s.BlobKey))

	other, err := NewShare()
	require.NoError(t, err)
	assert.NotEqual(t, s.Token, other.Token)
	assert.NotEqual(t, s.BlobKey, other.BlobKey)
}

func TestResourceID(t *testing.T) {
	s, err := NewShare()
	require.NoError(t, err)

	id, err := ResourceID(s.Token)
	require.NoError(t, err)
	assert.Equal(t, s.ResourceID, id)

	for _, bad := range []string{"", "bar_", "svt_abc", "bar_!!!", "bar_" + strings.Repeat("A", 10)} {
		_, err := ResourceID(bad)
		assert.ErrorIs(t, err, barerr.ErrNotFound, bad)
	}
}
