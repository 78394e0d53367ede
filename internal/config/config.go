// Package config loads the server configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/org/barvault/internal/blob"
	"github.com/org/barvault/internal/container"
)

// Blob backends.
const (
	BlobFile = "file"
	BlobS3   = "s3"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`
	// DBUrl selects Postgres. Empty keeps all state in memory.
	DBUrl    string `yaml:"db_url"`
	LogLevel string `yaml:"log_level"`
	// AdminToken enables the access log endpoint when set.
	AdminToken string `yaml:"admin_token"`

	Blob      BlobConfig      `yaml:"blob"`
	Container ContainerConfig `yaml:"container"`
	Guard     GuardConfig     `yaml:"guard"`
	Erase     EraseConfig     `yaml:"erase"`
	Sweep     SweepConfig     `yaml:"sweep"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type BlobConfig struct {
	Backend string        `yaml:"backend"`
	Dir     string        `yaml:"dir"`
	S3      blob.S3Config `yaml:"s3"`
}

type ContainerConfig struct {
	FormatVersion  int `yaml:"format_version"`
	KDFIterations  int `yaml:"kdf_iterations"`
	DefaultRefresh int `yaml:"default_view_refresh_minutes"`
}

type GuardConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	ResourceMaxAttempts int           `yaml:"resource_max_attempts"`
	LockoutWindow       time.Duration `yaml:"lockout_window"`
	DelayCap            time.Duration `yaml:"delay_cap"`
}

type EraseConfig struct {
	Passes int `yaml:"passes"`
}

type SweepConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
}

type HTTPConfig struct {
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	RateLimitRPS   int   `yaml:"rate_limit_rps"`
	RateLimitBurst int   `yaml:"rate_limit_burst"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenAddr: ":8300",
		LogLevel:   "info",
		Blob: BlobConfig{
			Backend: BlobFile,
			Dir:     "data/containers",
		},
		Container: ContainerConfig{
			FormatVersion: container.CurrentFormat,
			KDFIterations: container.DefaultIterations,
		},
		Guard: GuardConfig{
			MaxAttempts:         5,
			ResourceMaxAttempts: 50,
			LockoutWindow:       60 * time.Minute,
			DelayCap:            30 * time.Second,
		},
		Erase: EraseConfig{Passes: 3},
		Sweep: SweepConfig{
			Interval:  time.Minute,
			Retention: 7 * 24 * time.Hour,
		},
		HTTP: HTTPConfig{
			MaxUploadBytes: 100 << 20,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; found reports whether it existed.
func Load(path string) (cfg Config, found bool, err error) {
	cfg = Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		found = true
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, found, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, false, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, found, err
	}
	return cfg, found, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"BAR_LISTEN_ADDR":   &c.ListenAddr,
		"DATABASE_URL":      &c.DBUrl,
		"BAR_LOG_LEVEL":     &c.LogLevel,
		"BAR_ADMIN_TOKEN":   &c.AdminToken,
		"BAR_BLOB_BACKEND":  &c.Blob.Backend,
		"BAR_BLOB_DIR":      &c.Blob.Dir,
		"BAR_S3_BUCKET":     &c.Blob.S3.Bucket,
		"BAR_S3_REGION":     &c.Blob.S3.Region,
		"BAR_S3_ENDPOINT":   &c.Blob.S3.Endpoint,
		"BAR_S3_ACCESS_KEY": &c.Blob.S3.AccessKey,
		"BAR_S3_SECRET_KEY": &c.Blob.S3.SecretKey,
	}
	for k, p := range str {
		if v := getenv(k); v != "" {
			*p = v
		}
	}
	if v := getenv("BAR_KDF_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BAR_KDF_ITERATIONS: %w", err)
		}
		c.Container.KDFIterations = n
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	switch c.Blob.Backend {
	case BlobFile:
		if c.Blob.Dir == "" {
			errs = append(errs, errors.New("blob.dir is required for the file backend"))
		}
	case BlobS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.Blob.Backend))
	}
	// The codec enforces the exact KDF bounds when it is built.
	if c.Container.KDFIterations <= 0 {
		errs = append(errs, errors.New("container.kdf_iterations must be positive"))
	}
	if r := c.Container.DefaultRefresh; r < 0 || r > container.MaxViewRefreshMinutes {
		errs = append(errs, fmt.Errorf("container.default_view_refresh_minutes %d out of range", r))
	}
	if c.Guard.MaxAttempts < 1 {
		errs = append(errs, errors.New("guard.max_attempts must be at least 1"))
	}
	if c.Guard.ResourceMaxAttempts < 0 {
		errs = append(errs, errors.New("guard.resource_max_attempts must not be negative"))
	}
	if c.Guard.LockoutWindow <= 0 || c.Guard.DelayCap <= 0 {
		errs = append(errs, errors.New("guard.lockout_window and guard.delay_cap must be positive"))
	}
	if c.Erase.Passes < 1 {
		errs = append(errs, errors.New("erase.passes must be at least 1"))
	}
	if c.Sweep.Interval <= 0 || c.Sweep.Retention <= 0 {
		errs = append(errs, errors.New("sweep.interval and sweep.retention must be positive"))
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("http.max_upload_bytes must be positive"))
	}
	if c.HTTP.RateLimitRPS <= 0 || c.HTTP.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("http rate limits must be positive"))
	}
	return errors.Join(errs...)
}
