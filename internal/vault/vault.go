// Package vault ties the codec, ledger, blob store and policy engine into the
// seal and redeem operations exposed to callers.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/barvault/internal/audit"
	"github.com/org/barvault/internal/auth"
	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/internal/blob"
	"github.com/org/barvault/internal/container"
	"github.com/org/barvault/internal/ledger"
	"github.com/org/barvault/internal/notify"
	"github.com/org/barvault/internal/policy"
	"github.com/org/barvault/pkg/models"
)

// Notifier delivers webhook events.
type Notifier interface {
	Notify(url string, p notify.Payload)
}

// Deps wires a Service.
type Deps struct {
	Codec    *container.Codec
	Engine   *policy.Engine
	Ledger   *ledger.Ledger
	Blobs    blob.Store
	Audit    *audit.Logger
	Notifier Notifier
}

// Service implements sealing and redemption for both custody modes.
type Service struct {
	codec    *container.Codec
	engine   *policy.Engine
	ledger   *ledger.Ledger
	blobs    blob.Store
	audit    *audit.Logger
	notifier Notifier
	now      func() time.Time
}

// New creates a Service. Audit and Notifier are optional.
func New(d Deps) *Service {
	return &Service{
		codec:    d.Codec,
		engine:   d.Engine,
		ledger:   d.Ledger,
		blobs:    d.Blobs,
		audit:    d.Audit,
		notifier: d.Notifier,
		now:      time.Now,
	}
}

// SealRequest is the input to both seal operations.
type SealRequest struct {
	Plaintext []byte
	Params    container.Params
	Password  string
}

// ServerSeal is the result of a server-custody seal. Token is shown once.
type ServerSeal struct {
	Token      string
	ResourceID string
	Metadata   container.Metadata
}

// SealServer seals the file, stores the container and registers it with the
// ledger. The returned token is the only way to address it.
func (s *Service) SealServer(ctx context.Context, req SealRequest) (*ServerSeal, error) {
	share, err := auth.NewShare()
	if err != nil {
		return nil, err
	}
	p := req.Params
	p.Custody = container.CustodyServer
	p.ContainerID = uuid.NewString()

	sealed, err := s.codec.Seal(req.Plaintext, p, req.Password)
	if err != nil {
		return nil, err
	}
	if err := s.blobs.Put(ctx, share.BlobKey, sealed.Data); err != nil {
		return nil, fmt.Errorf("storing container: %w", err)
	}

	m := sealed.Metadata
	rec := &models.LedgerRecord{
		ResourceID:        share.ResourceID,
		BlobKey:           share.BlobKey,
		Filename:          m.Filename,
		CreatedAt:         m.CreatedAt,
		ExpiresAt:         m.ExpiresAt,
		MaxViews:          m.MaxViews,
		ViewRefresh:       time.Duration(m.ViewRefreshMinutes) * time.Minute,
		PasswordProtected: m.PasswordProtected,
		ViewOnly:          m.ViewOnly,
		WebhookURL:        m.WebhookURL,
	}
	if err := s.ledger.Create(ctx, rec); err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), share.BlobKey); derr != nil {
			log.Error().Err(derr).Str("blob_key", share.BlobKey).Msg("removing orphaned container")
		}
		return nil, fmt.Errorf("registering container: %w", err)
	}

	log.Info().
		Str("resource_id", share.ResourceID).
		Int("max_views", m.MaxViews).
		Bool("password_protected", m.PasswordProtected).
		Msg("server container sealed")
	return &ServerSeal{Token: share.Token, ResourceID: share.ResourceID, Metadata: m}, nil
}

// SealClient seals the file for the caller to keep. Nothing is stored.
func (s *Service) SealClient(_ context.Context, req SealRequest) (*container.Sealed, error) {
	p := req.Params
	p.Custody = container.CustodyClient
	if p.ContainerID == "" {
		p.ContainerID = uuid.NewString()
	}
	return s.codec.Seal(req.Plaintext, p, req.Password)
}

// Caller describes who is redeeming.
type Caller struct {
	RequestID string
	// Identity is usually the client IP. It is hashed before being stored.
	Identity  string
	UserAgent string
}

// Redeem opens the server-custody container addressed by token.
func (s *Service) Redeem(ctx context.Context, token, password string, c Caller) (*policy.Result, error) {
	resourceID, err := auth.ResourceID(token)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Redeem(ctx, policy.Request{
		ResourceID: resourceID,
		Password:   password,
		Identity:   c.Identity,
		UserAgent:  c.UserAgent,
	})
	s.recordAccess(ctx, resourceID, c, res, err)
	s.notifyServer(ctx, resourceID, res, err)
	return res, err
}

// OpenClient opens a client-custody container. The view limit cannot be
// enforced; with reseal set the result carries the container with its
// embedded counter bumped.
func (s *Service) OpenClient(ctx context.Context, data []byte, password string, c Caller, reseal bool) (*policy.Result, error) {
	res, err := s.engine.Redeem(ctx, policy.Request{
		Data:      data,
		Password:  password,
		Identity:  c.Identity,
		UserAgent: c.UserAgent,
		Reseal:    reseal,
	})
	if err != nil {
		return nil, err
	}
	if s.notifier != nil && res.Metadata.WebhookURL != "" {
		s.notifier.Notify(res.Metadata.WebhookURL, notify.Payload{
			Event:    notify.EventAccessed,
			Filename: res.Metadata.Filename,
		})
	}
	return res, nil
}

// Info is the public view of a server-custody container. It is computed
// from the ledger alone; nothing is decrypted or counted.
type Info struct {
	Filename          string
	CreatedAt         time.Time
	ExpiresAt         *time.Time
	MaxViews          int
	ViewsRemaining    int
	PasswordProtected bool
	ViewOnly          bool
	State             policy.State
}

// Info looks up the container addressed by token. Expired and exhausted
// containers are reported through their errors.
func (s *Service) Info(ctx context.Context, token string) (*Info, error) {
	resourceID, err := auth.ResourceID(token)
	if err != nil {
		return nil, err
	}
	rec, err := s.ledger.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	d := s.engine.Evaluate(policy.EvalInput{Record: rec, Now: s.now(), PasswordSupplied: true})
	if d.Err != nil {
		return nil, d.Err
	}
	state := policy.StateReadable
	if rec.PasswordProtected {
		state = policy.StatePasswordRequired
	}
	return &Info{
		Filename:          rec.Filename,
		CreatedAt:         rec.CreatedAt,
		ExpiresAt:         rec.ExpiresAt,
		MaxViews:          rec.MaxViews,
		ViewsRemaining:    rec.ViewsRemaining(),
		PasswordProtected: rec.PasswordProtected,
		ViewOnly:          rec.ViewOnly,
		State:             state,
	}, nil
}

func (s *Service) recordAccess(ctx context.Context, resourceID string, c Caller, res *policy.Result, err error) {
	if s.audit == nil {
		return
	}
	outcome, reason := audit.Outcome(err)
	ev := &models.AccessEvent{
		RequestID:   c.RequestID,
		ResourceID:  resourceID,
		Fingerprint: ledger.Session{Identity: c.Identity, UserAgent: c.UserAgent}.Fingerprint(resourceID),
		Outcome:     outcome,
		Reason:      reason,
	}
	if res != nil && res.Views != nil {
		ev.Counted = res.Views.Counted
		ev.ViewCount = res.Views.NewCount
	}
	s.audit.Record(ctx, ev)
}

func (s *Service) notifyServer(ctx context.Context, resourceID string, res *policy.Result, err error) {
	if s.notifier == nil {
		return
	}
	if err == nil {
		rec := res.Record
		if rec.WebhookURL == "" {
			return
		}
		p := notify.Payload{Event: notify.EventAccessed, Filename: rec.Filename}
		if res.Views != nil && res.Views.ViewsRemaining >= 0 {
			remaining := res.Views.ViewsRemaining
			p.ViewsRemaining = &remaining
		}
		s.notifier.Notify(rec.WebhookURL, p)
		if res.Destroyed {
			s.notifier.Notify(rec.WebhookURL, notify.Payload{Event: notify.EventDestroyed, Filename: rec.Filename})
		}
		return
	}

	var event notify.Event
	switch {
	case barerr.IsSecurityEvent(err):
		event = notify.EventTamper
	case errors.Is(err, barerr.ErrInvalidCredential), errors.Is(err, barerr.ErrLockedOut):
		event = notify.EventDenied
	default:
		return
	}
	rec, gerr := s.ledger.Get(ctx, resourceID)
	if gerr != nil || rec.WebhookURL == "" {
		return
	}
	s.notifier.Notify(rec.WebhookURL, notify.Payload{
		Event:    event,
		Filename: rec.Filename,
		Reason:   string(barerr.KindOf(err)),
	})
}
