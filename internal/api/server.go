package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/barvault/internal/storage"
	"github.com/org/barvault/internal/vault"
	"github.com/org/barvault/pkg/models"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	// MaxUploadBytes bounds request bodies on the upload routes.
	MaxUploadBytes int64
	// DefaultViewRefresh applies when a seal request omits view_refresh_minutes.
	DefaultViewRefresh int
	RateLimitRPS       int
	RateLimitBurst     int
	// AdminToken enables GET /v1/sys/access-log when set.
	AdminToken string
}

// AccessLog is the interface the server needs from the access logger.
type AccessLog interface {
	Query(ctx context.Context, filter storage.AccessFilter) ([]*models.AccessEvent, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the API server.
type Server struct {
	vault   *vault.Service
	access  AccessLog
	store   Pinger
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a Server. Zero limits fall back to defaults.
func NewServer(svc *vault.Service, access AccessLog, store Pinger, cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	s := &Server{vault: svc, access: access, store: store, cfg: cfg}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.BuildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)

	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	r.Post("/v1/seal", s.SealHandler)
	r.Post("/v1/open", s.OpenHandler)
	r.Get("/v1/share/{token}", s.ShareInfoHandler)
	r.Post("/v1/share/{token}", s.ShareRedeemHandler)

	if s.cfg.AdminToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(adminMiddleware(s.cfg.AdminToken))
			r.Get("/v1/sys/access-log", s.AccessLogHandler)
		})
	}
	return r
}

// Start begins listening on the configured address. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
