package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/org/barvault/internal/barerr"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"errors": []string{msg}})
}

// writeErr maps a domain error to its response. Internal failures are
// logged and answered without detail.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := barerr.HTTPStatus(err)
	kind := barerr.KindOf(err)
	if kind == barerr.KindInternal {
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, code, map[string]any{"errors": []string{"internal error"}, "kind": kind})
		return
	}
	var lockout *barerr.LockoutError
	if errors.As(err, &lockout) {
		w.Header().Set("Retry-After", strconv.Itoa(int(lockout.RetryAfter.Seconds())))
	}
	writeJSON(w, code, map[string]any{"errors": []string{err.Error()}, "kind": kind})
}
