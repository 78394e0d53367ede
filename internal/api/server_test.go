package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/org/barvault/internal/audit"
	"github.com/org/barvault/internal/blob"
	"github.com/org/barvault/internal/container"
	"github.com/org/barvault/internal/erase"
	"github.com/org/barvault/internal/guard"
	"github.com/org/barvault/internal/ledger"
	"github.com/org/barvault/internal/policy"
	"github.com/org/barvault/internal/storage"
	"github.com/org/barvault/internal/sweeper"
	"github.com/org/barvault/internal/vault"
)

// --- test helpers ---

func newTestServer(t *testing.T, cfg Config) (*Server, *storage.MemoryBackend) {
	t.Helper()
	codec, err := container.New(container.Config{Iterations: 10000})
	if err != nil {
		t.Fatalf("creating codec: %v", err)
	}
	store := storage.NewMemoryBackend()
	blobs, err := blob.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}
	l := ledger.New(store)
	g := guard.New(store, guard.Config{MaxAttempts: 2}).
		WithSleeper(func(context.Context, time.Duration) error { return nil })
	engine := policy.NewEngine(policy.Deps{
		Codec:  codec,
		Ledger: l,
		Guard:  g,
		Blobs:  blobs,
		Eraser: erase.New(blobs, 1),
	})
	logger := audit.NewLogger(store)
	svc := vault.New(vault.Deps{
		Codec:  codec,
		Engine: engine,
		Ledger: l,
		Blobs:  blobs,
		Audit:  logger,
	})
	return NewServer(svc, logger, store, cfg), store
}

func upload(t *testing.T, handler http.Handler, path string, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	fw.Write(content) //nolint:errcheck
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("writing field %s: %v", k, err)
		}
	}
	mw.Close()

	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func getJSON(t *testing.T, handler http.Handler, path, adminToken string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
	return result
}

func sealServer(t *testing.T, handler http.Handler, fields map[string]string) string {
	t.Helper()
	fields["storage_mode"] = "server"
	w := upload(t, handler, "/v1/seal", "report.pdf", []byte("quarterly numbers"), fields)
	if w.Code != http.StatusCreated {
		t.Fatalf("server seal failed: %d %s", w.Code, w.Body.String())
	}
	token, _ := decodeBody(t, w)["token"].(string)
	if token == "" {
		t.Fatal("expected token in seal response")
	}
	return token
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	w := getJSON(t, srv.BuildRouter(), "/v1/sys/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}

	srv.store = failingPinger{}
	w = getJSON(t, srv.BuildRouter(), "/v1/sys/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with storage down, got %d", w.Code)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	w := getJSON(t, srv.BuildRouter(), "/v1/sys/health", "")
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Cache-Control", "Referrer-Policy", "X-Request-ID"} {
		if w.Header().Get(h) == "" {
			t.Errorf("expected %s header", h)
		}
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("expected Cache-Control no-store, got %q", got)
	}
}

func TestClientSealAndOpen(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	handler := srv.BuildRouter()

	w := upload(t, handler, "/v1/seal", "notes.txt", []byte("meet at noon"), map[string]string{
		"password":  "hunter2",
		"max_views": "1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("client seal failed: %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("expected octet-stream, got %q", ct)
	}
	sealed := w.Body.Bytes()
	if !bytes.HasPrefix(sealed, []byte("BAR_FILE_V")) {
		t.Fatalf("expected a container, got %q", sealed[:min(len(sealed), 16)])
	}

	// Client custody cannot enforce the view limit; opening twice works.
	for i := 0; i < 2; i++ {
		w = upload(t, handler, "/v1/open", "notes.txt.bar", sealed, map[string]string{"password": "hunter2"})
		if w.Code != http.StatusOK {
			t.Fatalf("open failed: %d %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		content, _ := base64.StdEncoding.DecodeString(body["content"].(string))
		if string(content) != "meet at noon" {
			t.Errorf("unexpected content %q", content)
		}
		if body["enforcement"] != string(policy.EnforcementNotApplicable) {
			t.Errorf("expected enforcement not_applicable, got %v", body["enforcement"])
		}
	}

	w = upload(t, handler, "/v1/open", "notes.txt.bar", sealed, map[string]string{"password": "wrong"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for wrong password, got %d", w.Code)
	}
	w = upload(t, handler, "/v1/open", "notes.txt.bar", sealed, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without password, got %d", w.Code)
	}
}

func TestOpenReseal(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	handler := srv.BuildRouter()
	w := upload(t, handler, "/v1/seal", "a.txt", []byte("a"), map[string]string{"password": "pw", "max_views": "3"})
	if w.Code != http.StatusOK {
		t.Fatalf("seal failed: %d", w.Code)
	}
	w = upload(t, handler, "/v1/open", "a.txt.bar", w.Body.Bytes(), map[string]string{"password": "pw", "reseal": "true"})
	if w.Code != http.StatusOK {
		t.Fatalf("open failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if s, _ := body["resealed"].(string); s == "" {
		t.Error("expected resealed container")
	}
}

func TestOpenMalformedContainer(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	w := upload(t, srv.BuildRouter(), "/v1/open", "x.bar", []byte("BAR_FILE_V2\nnot base64!"), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["kind"] != "format_error" {
		t.Errorf("expected format_error, got %v", body["kind"])
	}
}

func TestServerSealRedeemBurn(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	handler := srv.BuildRouter()
	token := sealServer(t, handler, map[string]string{"max_views": "1"})

	w := getJSON(t, handler, "/v1/share/"+token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("info failed: %d %s", w.Code, w.Body.String())
	}
	info := decodeBody(t, w)
	if info["filename"] != "report.pdf" {
		t.Errorf("expected filename report.pdf, got %v", info["filename"])
	}
	if info["views_remaining"] != float64(1) {
		t.Errorf("expected 1 view remaining, got %v", info["views_remaining"])
	}

	w = postJSON(t, handler, "/v1/share/"+token, map[string]any{})
	if w.Code != http.StatusOK {
		t.Fatalf("redeem failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["destroyed"] != true {
		t.Error("expected destroyed=true on last view")
	}
	if body["enforcement"] != string(policy.EnforcementLedger) {
		t.Errorf("expected ledger enforcement, got %v", body["enforcement"])
	}

	if w = postJSON(t, handler, "/v1/share/"+token, map[string]any{}); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after burn, got %d", w.Code)
	}
	if w = getJSON(t, handler, "/v1/share/"+token, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 info after burn, got %d", w.Code)
	}
}

func TestRedeemWithoutBody(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	handler := srv.BuildRouter()
	token := sealServer(t, handler, map[string]string{})

	req := httptest.NewRequest("POST", "/v1/share/"+token, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty body, got %d %s", w.Code, w.Body.String())
	}
	if _, ok := decodeBody(t, w)["views_remaining"]; ok {
		t.Error("unlimited containers should not report views_remaining")
	}
}

func TestRedeemLockout(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	handler := srv.BuildRouter()
	token := sealServer(t, handler, map[string]string{"password": "right"})

	w := postJSON(t, handler, "/v1/share/"+token, map[string]any{})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without password, got %d", w.Code)
	}
	for i := 0; i < 2; i++ {
		w = postJSON(t, handler, "/v1/share/"+token, map[string]any{"password": "wrong"})
		if w.Code != http.StatusForbidden {
			t.Fatalf("attempt %d: expected 403, got %d", i, w.Code)
		}
	}
	w = postJSON(t, handler, "/v1/share/"+token, map[string]any{"password": "right"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once locked out, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on lockout")
	}
	if body := decodeBody(t, w); body["kind"] != "locked_out" {
		t.Errorf("expected kind locked_out, got %v", body["kind"])
	}
}

func TestSealRejectsBadParams(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	handler := srv.BuildRouter()
	cases := []map[string]string{
		{"max_views": "many"},
		{"max_views": "500"},
		{"expiry_minutes": "-1"},
		{"view_only": "perhaps"},
		{"storage_mode": "cloud"},
		{"webhook_url": "ftp://example.com"},
	}
	for _, fields := range cases {
		w := upload(t, handler, "/v1/seal", "x.txt", []byte("x"), fields)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%v: expected 400, got %d", fields, w.Code)
		}
	}
}

func TestSealRequiresFile(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("max_views", "1") //nolint:errcheck
	mw.Close()
	req := httptest.NewRequest("POST", "/v1/seal", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.BuildRouter().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestUnknownShareToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	handler := srv.BuildRouter()
	for _, tok := range []string{"garbage", "bar_AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"} {
		if w := getJSON(t, handler, "/v1/share/"+tok, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", tok, w.Code)
		}
	}
}

func TestAccessLogRequiresAdmin(t *testing.T) {
	srv, _ := newTestServer(t, Config{AdminToken: "s3cret"})
	handler := srv.BuildRouter()
	token := sealServer(t, handler, map[string]string{})
	postJSON(t, handler, "/v1/share/"+token, map[string]any{})

	if w := getJSON(t, handler, "/v1/sys/access-log", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := getJSON(t, handler, "/v1/sys/access-log", "nope"); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 with wrong token, got %d", w.Code)
	}

	w := getJSON(t, handler, "/v1/sys/access-log?token="+token, "s3cret")
	if w.Code != http.StatusOK {
		t.Fatalf("access log failed: %d %s", w.Code, w.Body.String())
	}
	data, _ := decodeBody(t, w)["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("expected 1 access event, got %d", len(data))
	}
	ev := data[0].(map[string]any)
	if ev["outcome"] != "granted" {
		t.Errorf("expected granted, got %v", ev["outcome"])
	}
}

func TestAccessLogDisabledWithoutAdminToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	if w := getJSON(t, srv.BuildRouter(), "/v1/sys/access-log", "anything"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	handler := srv.BuildRouter()
	getJSON(t, handler, "/v1/sys/health", "")
	w := getJSON(t, handler, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`barvault_requests_total{method="GET",route="/v1/sys/health",status="200"}`)) {
		t.Error("expected request counter labelled by route pattern")
	}
}

func TestSweepObserverSetsActiveGauge(t *testing.T) {
	srv, store := newTestServer(t, Config{})
	handler := srv.BuildRouter()
	sealServer(t, handler, map[string]string{})

	SweepObserver(store)(sweeper.Stats{})

	w := getJSON(t, handler, "/metrics", "")
	if !bytes.Contains(w.Body.Bytes(), []byte("barvault_active_containers 1")) {
		t.Error("expected active container gauge to reflect the store")
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("burst should be allowed")
	}
	if rl.allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.allow("b") {
		t.Error("other clients have their own bucket")
	}
	now = now.Add(time.Second)
	if !rl.allow("a") {
		t.Error("bucket should refill")
	}
}
