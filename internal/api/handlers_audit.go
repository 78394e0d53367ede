package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/barvault/internal/auth"
	"github.com/org/barvault/internal/storage"
)

// AccessLogHandler handles GET /v1/sys/access-log. Filter by resource_id or
// by the share token itself.
func (s *Server) AccessLogHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AccessFilter{
		ResourceID: q.Get("resource_id"),
		Limit:      100,
	}
	if tok := q.Get("token"); tok != "" {
		id, err := auth.ResourceID(tok)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		filter.ResourceID = id
	}

	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = &t
	}

	entries, err := s.access.Query(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
