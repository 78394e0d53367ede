package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/barvault/internal/audit"
	"github.com/org/barvault/internal/container"
	"github.com/org/barvault/internal/crypto"
)

// ShareInfoHandler handles GET /v1/share/{token}. Nothing is decrypted and
// no view is counted.
func (s *Server) ShareInfoHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.vault.Info(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	body := map[string]any{
		"filename":           info.Filename,
		"created_at":         info.CreatedAt,
		"expires_at":         info.ExpiresAt,
		"max_views":          info.MaxViews,
		"password_protected": info.PasswordProtected,
		"view_only":          info.ViewOnly,
		"state":              info.State,
	}
	if info.ViewsRemaining >= 0 {
		body["views_remaining"] = info.ViewsRemaining
	}
	writeJSON(w, http.StatusOK, body)
}

// ShareRedeemHandler handles POST /v1/share/{token}. The optional JSON body
// carries the password.
func (s *Server) ShareRedeemHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.vault.Redeem(r.Context(), chi.URLParam(r, "token"), req.Password, caller(r))
	outcome, _ := audit.Outcome(err)
	observeRedemption(string(container.CustodyServer), outcome, err)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer crypto.Zero(res.Plaintext)
	if res.Destroyed {
		erasuresTotal.WithLabelValues("redeem").Inc()
	}
	writeJSON(w, http.StatusOK, newOpenResponse(res))
}
