package api

import (
	"context"
	"net/http"
	"time"
)

// Version is reported by the health endpoint.
var Version = "dev"

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code := http.StatusOK
	status := "ok"
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			code = http.StatusServiceUnavailable
			status = "storage unavailable"
		}
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": Version,
	})
}
