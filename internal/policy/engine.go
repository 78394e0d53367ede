// Package policy decides whether a container may be redeemed and carries a
// redemption through credential checks, decryption, view accounting and
// destruction as one operation.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/internal/container"
	"github.com/org/barvault/internal/crypto"
	"github.com/org/barvault/internal/guard"
	"github.com/org/barvault/internal/ledger"
	"github.com/org/barvault/pkg/models"
)

// State is where a container sits in its lifecycle.
type State string

const (
	StateActive           State = "active"
	StateReadable         State = "readable"
	StatePasswordRequired State = "password_required"
	StateExpired          State = "expired"
	StateExhausted        State = "exhausted"
	StateDestroyed        State = "destroyed"
)

// Enforcement reports who, if anyone, enforced the view limit.
type Enforcement string

const (
	// EnforcementLedger means the server-side ledger counted the view.
	EnforcementLedger Enforcement = "ledger"
	// EnforcementNotApplicable means the bytes are outside server control and
	// no view limit could be enforced. Only expiry and password were checked.
	EnforcementNotApplicable Enforcement = "not_applicable"
)

// Opener is the container codec as seen by the engine.
type Opener interface {
	Open(data []byte, password string) (*container.Opened, error)
	Inspect(data []byte) (*container.Metadata, int, error)
	GuardKey(data []byte) (string, error)
	BumpViews(data []byte, password string) ([]byte, error)
}

// ViewLedger is the ledger as seen by the engine.
type ViewLedger interface {
	Get(ctx context.Context, resourceID string) (*models.LedgerRecord, error)
	IncrementView(ctx context.Context, resourceID string, session ledger.Session) (*models.ViewOutcome, error)
	MarkDestroyed(ctx context.Context, resourceID string) error
}

// CredentialGuard throttles password attempts. Reserve admits one attempt;
// the returned reservation must be resolved once the outcome is known.
type CredentialGuard interface {
	Reserve(ctx context.Context, identity, resourceID string) (*guard.Reservation, error)
}

// BlobGetter reads stored container bytes.
type BlobGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Eraser destroys stored container bytes.
type Eraser interface {
	Erase(ctx context.Context, key string) error
}

// Deps wires the engine's collaborators. Ledger, Blobs and Eraser are only
// needed for server custody.
type Deps struct {
	Codec  Opener
	Ledger ViewLedger
	Guard  CredentialGuard
	Blobs  BlobGetter
	Eraser Eraser
}

// Engine evaluates and executes redemptions.
type Engine struct {
	codec  Opener
	ledger ViewLedger
	guard  CredentialGuard
	blobs  BlobGetter
	eraser Eraser
	now    func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(d Deps) *Engine {
	return &Engine{
		codec:  d.Codec,
		ledger: d.Ledger,
		guard:  d.Guard,
		blobs:  d.Blobs,
		eraser: d.Eraser,
		now:    time.Now,
	}
}

// EvalInput is everything Evaluate looks at.
type EvalInput struct {
	// Metadata is the container's embedded metadata. Nil when only a ledger
	// record is known.
	Metadata *container.Metadata
	// Record is the ledger record for server custody. When present it is
	// authoritative over Metadata.
	Record           *models.LedgerRecord
	Now              time.Time
	PasswordSupplied bool
}

// Decision is the outcome of Evaluate. Err is nil only for StateReadable.
type Decision struct {
	State       State
	Enforcement Enforcement
	Err         error
}

// Evaluate applies the checks in order, first failure wins: existence,
// expiry, view exhaustion, credential presence. Password correctness is
// only known after Open and is not judged here.
func (e *Engine) Evaluate(in EvalInput) Decision {
	var (
		expiresAt         *time.Time
		exhausted         bool
		passwordProtected bool
		enforcement       = EnforcementNotApplicable
	)
	switch {
	case in.Record != nil:
		if in.Record.Destroyed {
			return Decision{State: StateDestroyed, Enforcement: EnforcementLedger, Err: barerr.ErrNotFound}
		}
		expiresAt = in.Record.ExpiresAt
		exhausted = in.Record.IsExhausted()
		passwordProtected = in.Record.PasswordProtected
		enforcement = EnforcementLedger
	case in.Metadata != nil:
		expiresAt = in.Metadata.ExpiresAt
		passwordProtected = in.Metadata.PasswordProtected
		// Embedded counters are only meaningful while the holder is trusted.
		if in.Metadata.StorageMode == container.CustodyServer {
			exhausted = in.Metadata.Exhausted()
			enforcement = EnforcementLedger
		}
	default:
		return Decision{State: StateDestroyed, Enforcement: enforcement, Err: barerr.ErrNotFound}
	}

	if expiresAt != nil && in.Now.After(*expiresAt) {
		return Decision{State: StateExpired, Enforcement: enforcement, Err: barerr.ErrExpired}
	}
	if exhausted {
		return Decision{State: StateExhausted, Enforcement: enforcement, Err: barerr.ErrExhausted}
	}
	if passwordProtected && !in.PasswordSupplied {
		return Decision{State: StatePasswordRequired, Enforcement: enforcement, Err: barerr.ErrPasswordRequired}
	}
	return Decision{State: StateReadable, Enforcement: enforcement}
}

// Request is one redemption.
type Request struct {
	// ResourceID addresses a server-custody container. Empty for client custody.
	ResourceID string
	// Data is the container bytes presented by a client-custody holder.
	Data     []byte
	Password string
	// Identity and UserAgent identify the caller for throttling and the
	// refresh window. Identity is typically the client IP.
	Identity  string
	UserAgent string
	// Reseal asks for the container to be returned with its embedded view
	// counter incremented (client custody only).
	Reseal bool
}

// Result is a successful redemption.
type Result struct {
	Plaintext   []byte
	Metadata    container.Metadata
	Enforcement Enforcement
	// Views is the ledger outcome; nil when enforcement is not applicable.
	Views *models.ViewOutcome
	// Destroyed is set when this redemption used up the last view and the
	// stored bytes were erased.
	Destroyed bool
	// Resealed holds the updated client container when Request.Reseal was set.
	Resealed []byte
	// Unsigned flags a legacy container without an integrity tag.
	Unsigned bool
	// Record is the ledger record as it was before this redemption.
	Record *models.LedgerRecord
}

// Redeem runs a full redemption. Server custody is selected by a non-empty
// ResourceID.
func (e *Engine) Redeem(ctx context.Context, req Request) (*Result, error) {
	if req.ResourceID != "" {
		return e.redeemServer(ctx, req)
	}
	return e.redeemClient(ctx, req)
}

func (e *Engine) redeemServer(ctx context.Context, req Request) (*Result, error) {
	rec, err := e.ledger.Get(ctx, req.ResourceID)
	if err != nil {
		return nil, err
	}
	if d := e.Evaluate(EvalInput{Record: rec, Now: e.now(), PasswordSupplied: req.Password != ""}); d.Err != nil {
		return nil, d.Err
	}

	data, err := e.blobs.Get(ctx, rec.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("loading container: %w", err)
	}

	opened, err := e.open(ctx, data, req, req.ResourceID, rec.PasswordProtected)
	if err != nil {
		// A concurrent redemption may have taken the last view and started
		// erasing while we read; report that, not a damaged container.
		if _, gerr := e.ledger.Get(ctx, req.ResourceID); errors.Is(gerr, barerr.ErrNotFound) {
			return nil, barerr.ErrNotFound
		}
		return nil, err
	}

	views, err := e.ledger.IncrementView(ctx, req.ResourceID, ledger.Session{Identity: req.Identity, UserAgent: req.UserAgent})
	if err != nil {
		crypto.Zero(opened.Plaintext)
		return nil, err
	}

	res := &Result{
		Plaintext:   opened.Plaintext,
		Metadata:    opened.Metadata,
		Enforcement: EnforcementLedger,
		Views:       views,
		Unsigned:    opened.Unsigned,
		Record:      rec,
	}
	if views.ShouldDestroy {
		e.destroy(ctx, rec)
		res.Destroyed = true
	}
	return res, nil
}

// destroy erases the bytes of a record whose ledger entry is already
// flagged destroyed. A failed erase leaves the record for the sweeper.
func (e *Engine) destroy(ctx context.Context, rec *models.LedgerRecord) {
	ctx = context.WithoutCancel(ctx)
	if err := e.eraser.Erase(ctx, rec.BlobKey); err != nil {
		log.Error().Err(err).Str("resource_id", rec.ResourceID).Msg("erasing exhausted container")
		return
	}
	if err := e.ledger.MarkDestroyed(ctx, rec.ResourceID); err != nil {
		log.Error().Err(err).Str("resource_id", rec.ResourceID).Msg("marking container destroyed")
	}
}

func (e *Engine) redeemClient(ctx context.Context, req Request) (*Result, error) {
	meta, _, err := e.codec.Inspect(req.Data)
	if err != nil {
		return nil, err
	}
	if meta.StorageMode == container.CustodyServer {
		return nil, fmt.Errorf("%w: server-custody container presented for client redemption", barerr.ErrInvalidInput)
	}
	if d := e.Evaluate(EvalInput{Metadata: meta, Now: e.now(), PasswordSupplied: req.Password != ""}); d.Err != nil {
		return nil, d.Err
	}

	var guardKey string
	if meta.PasswordProtected && e.guard != nil {
		if guardKey, err = e.codec.GuardKey(req.Data); err != nil {
			return nil, err
		}
	}
	opened, err := e.open(ctx, req.Data, req, guardKey, meta.PasswordProtected)
	if err != nil {
		return nil, err
	}
	// The inspected metadata was unauthenticated; recheck expiry on the verified copy.
	if opened.Metadata.Expired(e.now()) {
		crypto.Zero(opened.Plaintext)
		return nil, barerr.ErrExpired
	}

	res := &Result{
		Plaintext:   opened.Plaintext,
		Metadata:    opened.Metadata,
		Enforcement: EnforcementNotApplicable,
		Unsigned:    opened.Unsigned,
	}
	if req.Reseal {
		resealed, err := e.codec.BumpViews(req.Data, req.Password)
		if err != nil {
			crypto.Zero(opened.Plaintext)
			return nil, fmt.Errorf("resealing container: %w", err)
		}
		res.Resealed = resealed
	}
	return res, nil
}

// open runs the codec inside the credential guard for protected containers.
func (e *Engine) open(ctx context.Context, data []byte, req Request, resourceID string, protected bool) (*container.Opened, error) {
	var slot *guard.Reservation
	if protected && e.guard != nil {
		r, err := e.guard.Reserve(ctx, req.Identity, resourceID)
		if err != nil {
			return nil, err
		}
		slot = r
	}
	opened, err := e.codec.Open(data, req.Password)
	if slot != nil {
		switch {
		case err == nil:
			if gerr := slot.Succeeded(ctx); gerr != nil {
				log.Warn().Err(gerr).Str("resource_id", resourceID).Msg("recording password success")
			}
		case errors.Is(err, barerr.ErrInvalidCredential),
			errors.Is(err, barerr.ErrDecryptionFailed) && !barerr.IsSecurityEvent(err):
			if gerr := slot.Failed(ctx); gerr != nil {
				log.Warn().Err(gerr).Str("resource_id", resourceID).Msg("recording password failure")
			}
		default:
			slot.Release()
		}
	}
	if err != nil {
		if barerr.IsSecurityEvent(err) {
			log.Warn().Str("resource_id", resourceID).Str("kind", string(barerr.KindOf(err))).Msg("security event on redemption")
		}
		return nil, err
	}
	return opened, nil
}
