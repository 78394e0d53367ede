package policy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/internal/blob"
	"github.com/org/barvault/internal/container"
	"github.com/org/barvault/internal/erase"
	"github.com/org/barvault/internal/guard"
	"github.com/org/barvault/internal/ledger"
	"github.com/org/barvault/internal/storage"
	"github.com/org/barvault/pkg/models"
)

type harness struct {
	engine *Engine
	codec  *container.Codec
	ledger *ledger.Ledger
	blobs  *blob.FileStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := container.New(container.Config{Iterations: 10000})
	require.NoError(t, err)
	store := storage.NewMemoryBackend()
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	l := ledger.New(store)
	g := guard.New(store, guard.Config{MaxAttempts: 3}).
		WithSleeper(func(context.Context, time.Duration) error { return nil })

	h := &harness{codec: codec, ledger: l, blobs: blobs}
	h.engine = NewEngine(Deps{
		Codec:  codec,
		Ledger: l,
		Guard:  g,
		Blobs:  blobs,
		Eraser: erase.New(blobs, 1),
	})
	return h
}

// sealServer stores a server-custody container and registers it in the ledger.
func (h *harness) sealServer(t *testing.T, id string, p container.Params, password string) {
	t.Helper()
	p.Custody = container.CustodyServer
	sealed, err := h.codec.Seal([]byte("0123456789"), p, password)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, h.blobs.Put(ctx, id+".bar", sealed.Data))
	require.NoError(t, h.ledger.Create(ctx, &models.LedgerRecord{
		ResourceID:        id,
		BlobKey:           id + ".bar",
		Filename:          sealed.Metadata.Filename,
		ExpiresAt:         sealed.Metadata.ExpiresAt,
		MaxViews:          sealed.Metadata.MaxViews,
		PasswordProtected: sealed.Metadata.PasswordProtected,
	}))
}

func TestEvaluateOrder(t *testing.T) {
	e := NewEngine(Deps{})
	now := time.Now()
	past := now.Add(-time.Minute)

	cases := []struct {
		name  string
		in    EvalInput
		state State
		err   error
	}{
		{"absent", EvalInput{Now: now}, StateDestroyed, barerr.ErrNotFound},
		{"destroyed", EvalInput{Record: &models.LedgerRecord{Destroyed: true}, Now: now}, StateDestroyed, barerr.ErrNotFound},
		{
			"expired beats remaining views",
			EvalInput{Record: &models.LedgerRecord{ExpiresAt: &past, MaxViews: 5}, Now: now},
			StateExpired, barerr.ErrExpired,
		},
		{
			"expired beats exhausted",
			EvalInput{Record: &models.LedgerRecord{ExpiresAt: &past, MaxViews: 1, CurrentViews: 1}, Now: now},
			StateExpired, barerr.ErrExpired,
		},
		{
			"exhausted beats password",
			EvalInput{Record: &models.LedgerRecord{MaxViews: 1, CurrentViews: 1, PasswordProtected: true}, Now: now},
			StateExhausted, barerr.ErrExhausted,
		},
		{
			"password required",
			EvalInput{Record: &models.LedgerRecord{PasswordProtected: true}, Now: now},
			StatePasswordRequired, barerr.ErrPasswordRequired,
		},
		{
			"ledger overrides embedded counter",
			EvalInput{
				Record:   &models.LedgerRecord{MaxViews: 3, CurrentViews: 1},
				Metadata: &container.Metadata{MaxViews: 3, CurrentViews: 3, StorageMode: container.CustodyServer},
				Now:      now,
			},
			StateReadable, nil,
		},
		{
			"client custody ignores embedded counter",
			EvalInput{Metadata: &container.Metadata{MaxViews: 1, CurrentViews: 7, StorageMode: container.CustodyClient}, Now: now},
			StateReadable, nil,
		},
		{
			"client custody still expires",
			EvalInput{Metadata: &container.Metadata{ExpiresAt: &past, StorageMode: container.CustodyClient}, Now: now},
			StateExpired, barerr.ErrExpired,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Evaluate(tc.in)
			assert.Equal(t, tc.state, d.State)
			if tc.err == nil {
				assert.NoError(t, d.Err)
			} else {
				assert.ErrorIs(t, d.Err, tc.err)
			}
		})
	}

	d := e.Evaluate(EvalInput{Metadata: &container.Metadata{StorageMode: container.CustodyClient}, Now: now})
	assert.Equal(t, EnforcementNotApplicable, d.Enforcement)
}

func TestServerMaxViewsTwo(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sealServer(t, "r1", container.Params{Filename: "ten.txt", MaxViews: 2}, "")

	res, err := h.engine.Redeem(ctx, Request{ResourceID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), res.Plaintext)
	assert.Equal(t, EnforcementLedger, res.Enforcement)
	assert.Equal(t, 1, res.Views.ViewsRemaining)
	assert.False(t, res.Views.ShouldDestroy)
	assert.False(t, res.Destroyed)

	res, err = h.engine.Redeem(ctx, Request{ResourceID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Views.ViewsRemaining)
	assert.True(t, res.Views.ShouldDestroy)
	assert.True(t, res.Destroyed)

	_, err = h.blobs.Get(ctx, "r1.bar")
	assert.ErrorIs(t, err, blob.ErrNotFound, "bytes are erased in the same redemption")

	_, err = h.engine.Redeem(ctx, Request{ResourceID: "r1"})
	assert.ErrorIs(t, err, barerr.ErrNotFound)
}

func TestServerConcurrentLastView(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sealServer(t, "r1", container.Params{Filename: "one.txt", MaxViews: 1}, "")

	const n = 20
	var ok, destroyed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := h.engine.Redeem(ctx, Request{ResourceID: "r1"})
			if err != nil {
				assert.Contains(t,
					[]barerr.Kind{barerr.KindExhausted, barerr.KindNotFound},
					barerr.KindOf(err), "unexpected error %v", err)
				return
			}
			ok.Add(1)
			if res.Destroyed {
				destroyed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), destroyed.Load())
}

func TestServerExpiredWithViewsLeft(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sealServer(t, "r1", container.Params{Filename: "f.txt", MaxViews: 5, ExpiryMinutes: 10}, "")
	h.engine.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	_, err := h.engine.Redeem(ctx, Request{ResourceID: "r1"})
	assert.ErrorIs(t, err, barerr.ErrExpired)
}

func TestServerPasswordFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sealServer(t, "r1", container.Params{Filename: "f.txt", MaxViews: 3}, "pw")

	_, err := h.engine.Redeem(ctx, Request{ResourceID: "r1", Identity: "1.1.1.1"})
	assert.ErrorIs(t, err, barerr.ErrPasswordRequired)

	_, err = h.engine.Redeem(ctx, Request{ResourceID: "r1", Identity: "1.1.1.1", Password: "nope"})
	assert.ErrorIs(t, err, barerr.ErrInvalidCredential)

	res, err := h.engine.Redeem(ctx, Request{ResourceID: "r1", Identity: "1.1.1.1", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Views.NewCount, "failed attempts never consume views")
}

func TestServerLockout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sealServer(t, "r1", container.Params{Filename: "f.txt"}, "pw")

	for i := 0; i < 3; i++ {
		_, err := h.engine.Redeem(ctx, Request{ResourceID: "r1", Identity: "6.6.6.6", Password: "guess"})
		require.ErrorIs(t, err, barerr.ErrInvalidCredential)
	}
	_, err := h.engine.Redeem(ctx, Request{ResourceID: "r1", Identity: "6.6.6.6", Password: "pw"})
	assert.ErrorIs(t, err, barerr.ErrLockedOut, "even the right password is refused while locked out")

	_, err = h.engine.Redeem(ctx, Request{ResourceID: "r1", Identity: "7.7.7.7", Password: "pw"})
	assert.NoError(t, err)
}

func TestServerConcurrentGuessesLockOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sealServer(t, "r1", container.Params{Filename: "f.txt"}, "pw")

	const n = 40
	var evaluated, locked atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.engine.Redeem(ctx, Request{ResourceID: "r1", Identity: "6.6.6.6", Password: "guess"})
			switch {
			case errors.Is(err, barerr.ErrInvalidCredential):
				evaluated.Add(1)
			case errors.Is(err, barerr.ErrLockedOut):
				locked.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(3), evaluated.Load(), "only MaxAttempts guesses reach the password check")
	assert.Equal(t, int32(n-3), locked.Load())

	_, err := h.engine.Redeem(ctx, Request{ResourceID: "r1", Identity: "6.6.6.6", Password: "pw"})
	assert.ErrorIs(t, err, barerr.ErrLockedOut)
}

// raiseViewLimit rewrites max_views inside a sealed container without re-signing it.
func raiseViewLimit(t *testing.T, data []byte) []byte {
	t.Helper()
	return editMetadata(t, data, "max_views", 100)
}

// editMetadata sets one metadata field without re-signing the container.
func editMetadata(t *testing.T, data []byte, field string, value any) []byte {
	t.Helper()
	header, body, ok := bytes.Cut(data, []byte("\n"))
	require.True(t, ok)
	envJSON, err := base64.StdEncoding.DecodeString(string(body))
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(envJSON, &env))
	env["metadata"].(map[string]any)[field] = value
	out, err := json.Marshal(env)
	require.NoError(t, err)
	return append(append(header, '\n'), base64.StdEncoding.EncodeToString(out)...)
}

func TestServerTamperedBlob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sealServer(t, "r1", container.Params{Filename: "f.txt", MaxViews: 2}, "")

	data, err := h.blobs.Get(ctx, "r1.bar")
	require.NoError(t, err)
	require.NoError(t, h.blobs.Put(ctx, "r1.bar", raiseViewLimit(t, data)))

	_, err = h.engine.Redeem(ctx, Request{ResourceID: "r1"})
	assert.ErrorIs(t, err, barerr.ErrTamperDetected)
	rec, err := h.ledger.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.CurrentViews, "a failed open never counts a view")

	require.NoError(t, h.blobs.Put(ctx, "r1.bar", []byte("BAR_FILE_V2\nZ2FyYmFnZQ==")))
	_, err = h.engine.Redeem(ctx, Request{ResourceID: "r1"})
	assert.ErrorIs(t, err, barerr.ErrFormat)
}

func TestClientCustodyNeverEnforcesViews(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealed, err := h.codec.Seal([]byte("hello"), container.Params{Filename: "c.txt", MaxViews: 1, ContainerID: "c-1"}, "pw")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := h.engine.Redeem(ctx, Request{Data: sealed.Data, Password: "pw"})
		require.NoError(t, err)
		assert.Equal(t, EnforcementNotApplicable, res.Enforcement)
		assert.Nil(t, res.Views)
		assert.False(t, res.Destroyed)
		assert.Equal(t, []byte("hello"), res.Plaintext)
	}
}

func TestClientCustodyReseal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealed, err := h.codec.Seal([]byte("hello"), container.Params{Filename: "c.txt", MaxViews: 1}, "")
	require.NoError(t, err)

	res, err := h.engine.Redeem(ctx, Request{Data: sealed.Data, Reseal: true})
	require.NoError(t, err)
	require.NotNil(t, res.Resealed)
	meta, _, err := h.codec.Inspect(res.Resealed)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.CurrentViews)

	// The advisory counter is exhausted but the holder can still open it.
	_, err = h.engine.Redeem(ctx, Request{Data: res.Resealed})
	assert.NoError(t, err)
}

func TestClientCustodyExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealed, err := h.codec.Seal([]byte("hello"), container.Params{Filename: "c.txt", ExpiryMinutes: 1}, "")
	require.NoError(t, err)
	h.engine.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = h.engine.Redeem(ctx, Request{Data: sealed.Data})
	assert.ErrorIs(t, err, barerr.ErrExpired)
}

func TestClientCustodyRejectsServerContainer(t *testing.T) {
	h := newHarness(t)
	sealed, err := h.codec.Seal([]byte("x"), container.Params{Filename: "s.txt", Custody: container.CustodyServer}, "")
	require.NoError(t, err)
	_, err = h.engine.Redeem(context.Background(), Request{Data: sealed.Data})
	assert.ErrorIs(t, err, barerr.ErrInvalidInput)
}

func TestClientCustodyLockout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealed, err := h.codec.Seal([]byte("x"), container.Params{Filename: "c.txt"}, "pw")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := h.engine.Redeem(ctx, Request{Data: sealed.Data, Password: "bad", Identity: "ip"})
		require.ErrorIs(t, err, barerr.ErrInvalidCredential)
	}
	_, err = h.engine.Redeem(ctx, Request{Data: sealed.Data, Password: "pw", Identity: "ip"})
	assert.ErrorIs(t, err, barerr.ErrLockedOut)
}

func TestClientCustodyLockoutSurvivesMetadataEdits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealed, err := h.codec.Seal([]byte("x"), container.Params{Filename: "c.txt"}, "pw")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		edited := editMetadata(t, sealed.Data, "container_id", fmt.Sprintf("bar_fresh%d", i))
		_, err := h.engine.Redeem(ctx, Request{Data: edited, Password: "bad", Identity: "ip"})
		require.ErrorIs(t, err, barerr.ErrInvalidCredential)
	}
	for _, edited := range [][]byte{
		sealed.Data,
		editMetadata(t, sealed.Data, "container_id", "bar_another"),
		editMetadata(t, sealed.Data, "filename", "renamed.txt"),
	} {
		_, err = h.engine.Redeem(ctx, Request{Data: edited, Password: "pw", Identity: "ip"})
		assert.ErrorIs(t, err, barerr.ErrLockedOut)
	}
}
