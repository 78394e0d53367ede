package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/org/barvault/internal/audit"
	"github.com/org/barvault/internal/barerr"
	"github.com/org/barvault/internal/container"
	"github.com/org/barvault/internal/crypto"
	"github.com/org/barvault/internal/policy"
	"github.com/org/barvault/internal/vault"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temp files.
const multipartMemory = 32 << 20

// readUpload parses a multipart request and returns the "file" part.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, "", err
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("%w: missing file part", barerr.ErrInvalidInput)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	return data, header.Filename, nil
}

func writeUploadErr(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
	case errors.Is(err, barerr.ErrInvalidInput):
		writeErr(w, r, err)
	default:
		writeError(w, http.StatusBadRequest, "invalid multipart body")
	}
}

// formInt parses an optional integer form field.
func formInt(r *http.Request, name string, def int) (int, error) {
	v := r.FormValue(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", barerr.ErrInvalidInput, name)
	}
	return n, nil
}

func formBool(r *http.Request, name string) (bool, error) {
	v := r.FormValue(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", barerr.ErrInvalidInput, name)
	}
	return b, nil
}

func (s *Server) sealParams(r *http.Request, uploadName string) (container.Params, error) {
	p := container.Params{
		Filename:   uploadName,
		Custody:    container.Custody(r.FormValue("storage_mode")),
		WebhookURL: r.FormValue("webhook_url"),
	}
	if name := r.FormValue("filename"); name != "" {
		p.Filename = name
	}
	var err error
	if p.MaxViews, err = formInt(r, "max_views", 0); err != nil {
		return p, err
	}
	if p.ExpiryMinutes, err = formInt(r, "expiry_minutes", 0); err != nil {
		return p, err
	}
	if p.ViewRefreshMinutes, err = formInt(r, "view_refresh_minutes", s.cfg.DefaultViewRefresh); err != nil {
		return p, err
	}
	if p.ViewOnly, err = formBool(r, "view_only"); err != nil {
		return p, err
	}
	return p, p.Validate()
}

// SealHandler handles POST /v1/seal. Client custody answers with the .bar
// bytes; server custody answers with a share token.
func (s *Server) SealHandler(w http.ResponseWriter, r *http.Request) {
	plaintext, uploadName, err := s.readUpload(w, r)
	if err != nil {
		writeUploadErr(w, r, err)
		return
	}
	defer crypto.Zero(plaintext)
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	params, err := s.sealParams(r, uploadName)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	req := vault.SealRequest{Plaintext: plaintext, Params: params, Password: r.FormValue("password")}

	if params.Custody == container.CustodyServer {
		res, err := s.vault.SealServer(r.Context(), req)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		sealedTotal.WithLabelValues(string(container.CustodyServer)).Inc()
		writeJSON(w, http.StatusCreated, map[string]any{
			"token":              res.Token,
			"share_path":         "/v1/share/" + res.Token,
			"filename":           res.Metadata.Filename,
			"expires_at":         res.Metadata.ExpiresAt,
			"max_views":          res.Metadata.MaxViews,
			"password_protected": res.Metadata.PasswordProtected,
		})
		return
	}

	sealed, err := s.vault.SealClient(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	sealedTotal.WithLabelValues(string(container.CustodyClient)).Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sealed.Metadata.Filename+".bar"))
	w.Header().Set("X-Bar-Container-ID", sealed.Metadata.ContainerID)
	w.WriteHeader(http.StatusOK)
	w.Write(sealed.Data) //nolint:errcheck
}

// openResponse is the body of a successful redemption.
type openResponse struct {
	Filename       string `json:"filename"`
	Content        string `json:"content"`
	ViewOnly       bool   `json:"view_only"`
	Enforcement    string `json:"enforcement"`
	ViewsRemaining *int   `json:"views_remaining,omitempty"`
	Counted        bool   `json:"counted"`
	Destroyed      bool   `json:"destroyed"`
	Unsigned       bool   `json:"unsigned,omitempty"`
	Resealed       string `json:"resealed,omitempty"`
}

func newOpenResponse(res *policy.Result) openResponse {
	out := openResponse{
		Filename:    res.Metadata.Filename,
		Content:     base64.StdEncoding.EncodeToString(res.Plaintext),
		ViewOnly:    res.Metadata.ViewOnly,
		Enforcement: string(res.Enforcement),
		Destroyed:   res.Destroyed,
		Unsigned:    res.Unsigned,
	}
	if res.Views != nil {
		out.Counted = res.Views.Counted
		if res.Views.ViewsRemaining >= 0 {
			remaining := res.Views.ViewsRemaining
			out.ViewsRemaining = &remaining
		}
	}
	if len(res.Resealed) > 0 {
		out.Resealed = base64.StdEncoding.EncodeToString(res.Resealed)
	}
	return out
}

func caller(r *http.Request) vault.Caller {
	return vault.Caller{
		RequestID: requestIDFromCtx(r.Context()),
		Identity:  clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// OpenHandler handles POST /v1/open for client-custody containers. View
// limits cannot be enforced here; reseal=true returns the container with
// its embedded counter bumped.
func (s *Server) OpenHandler(w http.ResponseWriter, r *http.Request) {
	data, _, err := s.readUpload(w, r)
	if err != nil {
		writeUploadErr(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	reseal, err := formBool(r, "reseal")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := s.vault.OpenClient(r.Context(), data, r.FormValue("password"), caller(r), reseal)
	outcome, _ := audit.Outcome(err)
	observeRedemption(string(container.CustodyClient), outcome, err)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer crypto.Zero(res.Plaintext)
	writeJSON(w, http.StatusOK, newOpenResponse(res))
}
