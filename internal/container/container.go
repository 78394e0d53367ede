// Package container seals files into self-describing BAR envelopes and opens
// them again. An envelope carries cleartext, signed metadata (so access policy
// can be evaluated without the key), the AES-GCM ciphertext, the key material
// for its encryption mode and an HMAC integrity tag over everything else.
package container

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/org/barvault/internal/barerr"
)

// Mode selects how the content key is recovered at open time.
type Mode string

const (
	// ModeRandomKey embeds the random content key in the envelope. Legacy, not recommended.
	ModeRandomKey Mode = "key_stored"
	// ModePasswordDerived stores only a salt; the key is re-derived from the password.
	ModePasswordDerived Mode = "password_derived"
)

// Custody records who holds the container bytes.
type Custody string

const (
	CustodyClient Custody = "client"
	CustodyServer Custody = "server"
)

// Limits applied to seal parameters.
const (
	MaxFilenameLength     = 255
	MaxViewsLimit         = 100
	MaxExpiryMinutes      = 43200
	MaxViewRefreshMinutes = 1440
)

// Metadata is the cleartext part of an envelope. It is covered by the
// integrity tag but never encrypted.
type Metadata struct {
	ContainerID        string     `json:"container_id,omitempty"`
	Filename           string     `json:"filename"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          *time.Time `json:"expires_at"`
	MaxViews           int        `json:"max_views"`
	CurrentViews       int        `json:"current_views"`
	PasswordProtected  bool       `json:"password_protected"`
	PasswordHash       string     `json:"password_hash,omitempty"`
	ViewOnly           bool       `json:"view_only"`
	StorageMode        Custody    `json:"storage_mode"`
	FileHash           string     `json:"file_hash"`
	WebhookURL         string     `json:"webhook_url,omitempty"`
	ViewRefreshMinutes int        `json:"view_refresh_minutes,omitempty"`
}

// Expired reports whether now is past the expiry, if one is set.
func (m *Metadata) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Exhausted reports whether the embedded counter has reached a set view limit.
func (m *Metadata) Exhausted() bool {
	return m.MaxViews > 0 && m.CurrentViews >= m.MaxViews
}

// Params are the caller-supplied seal inputs.
type Params struct {
	Filename           string
	MaxViews           int // 0 = unlimited
	ExpiryMinutes      int // 0 = never
	ViewOnly           bool
	Custody            Custody
	WebhookURL         string
	ViewRefreshMinutes int
	ContainerID        string
	Now                time.Time // zero = time.Now
}

// Validate normalises p in place and rejects out-of-range values.
func (p *Params) Validate() error {
	p.Filename = SanitizeFilename(p.Filename)
	if p.Filename == "" {
		return fmt.Errorf("%w: filename is empty after sanitising", barerr.ErrInvalidInput)
	}
	if p.MaxViews < 0 || p.MaxViews > MaxViewsLimit {
		return fmt.Errorf("%w: max_views must be between 0 and %d", barerr.ErrInvalidInput, MaxViewsLimit)
	}
	if p.ExpiryMinutes < 0 || p.ExpiryMinutes > MaxExpiryMinutes {
		return fmt.Errorf("%w: expiry must be between 0 and %d minutes", barerr.ErrInvalidInput, MaxExpiryMinutes)
	}
	if p.ViewRefreshMinutes < 0 || p.ViewRefreshMinutes > MaxViewRefreshMinutes {
		return fmt.Errorf("%w: view refresh must be between 0 and %d minutes", barerr.ErrInvalidInput, MaxViewRefreshMinutes)
	}
	switch p.Custody {
	case "":
		p.Custody = CustodyClient
	case CustodyClient, CustodyServer:
	default:
		return fmt.Errorf("%w: unknown storage mode %q", barerr.ErrInvalidInput, p.Custody)
	}
	if p.WebhookURL != "" && !strings.HasPrefix(p.WebhookURL, "https://") && !strings.HasPrefix(p.WebhookURL, "http://") {
		return fmt.Errorf("%w: webhook url must be http(s)", barerr.ErrInvalidInput)
	}
	return nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^\w\-.]`)

// SanitizeFilename strips directories, NUL bytes and anything outside
// [A-Za-z0-9_.-], and truncates to MaxFilenameLength keeping the extension.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, " ", "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, ".")
	if len(name) > MaxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) >= MaxFilenameLength {
			ext = ""
		}
		name = name[:MaxFilenameLength-len(ext)] + ext
	}
	return name
}

func (p *Params) metadata() Metadata {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	m := Metadata{
		ContainerID:        p.ContainerID,
		Filename:           p.Filename,
		CreatedAt:          now,
		MaxViews:           p.MaxViews,
		ViewOnly:           p.ViewOnly,
		StorageMode:        p.Custody,
		WebhookURL:         p.WebhookURL,
		ViewRefreshMinutes: p.ViewRefreshMinutes,
	}
	if p.ExpiryMinutes > 0 {
		exp := now.Add(time.Duration(p.ExpiryMinutes) * time.Minute)
		m.ExpiresAt = &exp
	}
	return m
}
