package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/org/barvault/internal/api"
	"github.com/org/barvault/internal/audit"
	"github.com/org/barvault/internal/blob"
	"github.com/org/barvault/internal/config"
	"github.com/org/barvault/internal/container"
	"github.com/org/barvault/internal/erase"
	"github.com/org/barvault/internal/guard"
	"github.com/org/barvault/internal/ledger"
	"github.com/org/barvault/internal/notify"
	"github.com/org/barvault/internal/policy"
	"github.com/org/barvault/internal/storage"
	"github.com/org/barvault/internal/sweeper"
	"github.com/org/barvault/internal/vault"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("BAR_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, found, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfgFile).Msg("invalid config")
	}
	if !found {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open blob store")
	}

	codec, err := container.New(container.Config{
		Version:    cfg.Container.FormatVersion,
		Iterations: cfg.Container.KDFIterations,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid container settings")
	}

	l := ledger.New(store)
	g := guard.New(store, guard.Config{
		MaxAttempts:         cfg.Guard.MaxAttempts,
		ResourceMaxAttempts: cfg.Guard.ResourceMaxAttempts,
		LockoutWindow:       cfg.Guard.LockoutWindow,
		DelayCap:            cfg.Guard.DelayCap,
	})
	eraser := erase.New(blobs, cfg.Erase.Passes)
	engine := policy.NewEngine(policy.Deps{
		Codec:  codec,
		Ledger: l,
		Guard:  g,
		Blobs:  blobs,
		Eraser: eraser,
	})
	accessLog := audit.NewLogger(store)
	notifier := notify.New(notify.DefaultConfig())
	svc := vault.New(vault.Deps{
		Codec:    codec,
		Engine:   engine,
		Ledger:   l,
		Blobs:    blobs,
		Audit:    accessLog,
		Notifier: notifier,
	})

	srv := api.NewServer(svc, accessLog, store, api.Config{
		ListenAddr:         cfg.ListenAddr,
		TLSCertFile:        cfg.TLSCertFile,
		TLSKeyFile:         cfg.TLSKeyFile,
		MaxUploadBytes:     cfg.HTTP.MaxUploadBytes,
		DefaultViewRefresh: cfg.Container.DefaultRefresh,
		RateLimitRPS:       cfg.HTTP.RateLimitRPS,
		RateLimitBurst:     cfg.HTTP.RateLimitBurst,
		AdminToken:         cfg.AdminToken,
	})
	sw := sweeper.New(l, eraser, g, sweeper.Config{
		Interval:  cfg.Sweep.Interval,
		Retention: cfg.Sweep.Retention,
	}).OnSweep(api.SweepObserver(store))

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		return sw.Run(gctx)
	})
	grp.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := grp.Wait(); err != nil {
		log.Error().Err(err).Msg("server failed")
	}
	notifier.Wait()
	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	if cfg.DBUrl == "" {
		log.Warn().Msg("db_url not set: ledger and attempts are kept in memory and lost on restart")
		return storage.NewMemoryBackend(), nil
	}
	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		return nil, err
	}
	if err := storage.RunMigrations(cfg.DBUrl); err != nil {
		store.Close()
		return nil, err
	}
	log.Info().Msg("migrations applied")
	return store, nil
}

func openBlobs(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.Blob.Backend == config.BlobS3 {
		return blob.NewS3Store(ctx, cfg.Blob.S3)
	}
	return blob.NewFileStore(cfg.Blob.Dir)
}
