// Package config loads server configuration from a YAML file and BK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/and161185/backup-keeper/internal/grant"
)

// Storage backends.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// Grant stores.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// minJWTSecret is the shortest accepted HS256 key.
const minJWTSecret = 32

// Config is the full server configuration.
type Config struct {
	HTTP      HTTP      `yaml:"http"`
	Ops       Ops       `yaml:"ops"`
	Database  Database  `yaml:"database"`
	Storage   Storage   `yaml:"storage"`
	Auth      Auth      `yaml:"auth"`
	Grants    Grants    `yaml:"grants"`
	Limiter   Limiter   `yaml:"limiter"`
	Events    Events    `yaml:"events"`
	Telemetry Telemetry `yaml:"telemetry"`
	Log       Log       `yaml:"log"`
}

// HTTP configures the public listener.
type HTTP struct {
	Addr              string        `yaml:"addr"`
	PublicURL         string        `yaml:"public_url"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
}

// Ops configures the gRPC health listener.
type Ops struct {
	GRPCAddr       string        `yaml:"grpc_addr"`
	HealthInterval time.Duration `yaml:"health_interval"`
	Reflection     bool          `yaml:"reflection"`
}

// Database configures Postgres.
type Database struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// Storage selects and configures the artifact backend.
type Storage struct {
	Backend string `yaml:"backend"`
	Root    string `yaml:"root"`
	S3      S3     `yaml:"s3"`
}

// S3 configures an S3-compatible bucket.
type S3 struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// Auth configures caller JWT verification.
type Auth struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	Leeway         time.Duration `yaml:"leeway"`
	RevealNotFound bool          `yaml:"reveal_not_found"`
}

// Grants configures the access grant manager.
type Grants struct {
	TTL          time.Duration `yaml:"ttl"`
	MaxTTL       time.Duration `yaml:"max_ttl"`
	Policy       string        `yaml:"policy"`
	Store        string        `yaml:"store"`
	Retention    time.Duration `yaml:"retention"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// Limiter configures upload-credential throttling.
type Limiter struct {
	Enabled  bool          `yaml:"enabled"`
	Window   time.Duration `yaml:"window"`
	MaxFails int           `yaml:"max_fails"`
	BlockFor time.Duration `yaml:"block_for"`
}

// Events configures NATS publishing. Empty URL disables events.
type Events struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Telemetry configures tracing. Empty endpoint disables export.
type Telemetry struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Log configures zap.
type Log struct {
	Development bool `yaml:"development"`
}

// Default returns a configuration with every optional field set.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:              ":8080",
			PublicURL:         "http://localhost:8080",
			ReadHeaderTimeout: 10 * time.Second,
			RequestTimeout:    time.Hour,
			ShutdownTimeout:   15 * time.Second,
			MaxUploadBytes:    100 << 30,
		},
		Ops:      Ops{GRPCAddr: ":9090", HealthInterval: 10 * time.Second},
		Database: Database{Migrate: true},
		Storage:  Storage{Backend: BackendFS, Root: "./data/backups", S3: S3{Region: "us-east-1"}},
		Auth:     Auth{Leeway: 30 * time.Second},
		Grants: Grants{
			TTL:          grant.DefaultTTL,
			MaxTTL:       grant.DefaultMaxTTL,
			Policy:       string(grant.PolicyIndependent),
			Store:        StorePostgres,
			Retention:    7 * 24 * time.Hour,
			ReapInterval: time.Hour,
		},
		Limiter:   Limiter{Enabled: true, Window: 15 * time.Minute, MaxFails: 5, BlockFor: 15 * time.Minute},
		Telemetry: Telemetry{ServiceName: "backup-keeper"},
	}
}

// Load reads path (optional) over the defaults, then applies BK_* environment overrides.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"BK_HTTP_ADDR":             &cfg.HTTP.Addr,
		"BK_PUBLIC_URL":            &cfg.HTTP.PublicURL,
		"BK_GRPC_ADDR":             &cfg.Ops.GRPCAddr,
		"BK_DATABASE_DSN":          &cfg.Database.DSN,
		"BK_STORAGE_BACKEND":       &cfg.Storage.Backend,
		"BK_STORAGE_ROOT":          &cfg.Storage.Root,
		"BK_S3_ENDPOINT":           &cfg.Storage.S3.Endpoint,
		"BK_S3_REGION":             &cfg.Storage.S3.Region,
		"BK_S3_BUCKET":             &cfg.Storage.S3.Bucket,
		"BK_S3_PREFIX":             &cfg.Storage.S3.Prefix,
		"BK_S3_ACCESS_KEY":         &cfg.Storage.S3.AccessKey,
		"BK_S3_SECRET_KEY":         &cfg.Storage.S3.SecretKey,
		"BK_AUTH_JWT_SECRET":       &cfg.Auth.JWTSecret,
		"BK_GRANTS_POLICY":         &cfg.Grants.Policy,
		"BK_GRANTS_STORE":          &cfg.Grants.Store,
		"BK_NATS_URL":              &cfg.Events.NATSURL,
		"BK_OTLP_ENDPOINT":         &cfg.Telemetry.OTLPEndpoint,
		"BK_EVENTS_SUBJECT_PREFIX": &cfg.Events.SubjectPrefix,
	}
	for k, dst := range str {
		if v, ok := lookup(k); ok {
			*dst = v
		}
	}

	dur := map[string]*time.Duration{
		"BK_GRANTS_TTL":       &cfg.Grants.TTL,
		"BK_GRANTS_MAX_TTL":   &cfg.Grants.MaxTTL,
		"BK_GRANTS_RETENTION": &cfg.Grants.Retention,
	}
	for k, dst := range dur {
		if v, ok := lookup(k); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = d
		}
	}

	flags := map[string]*bool{
		"BK_DATABASE_MIGRATE":      &cfg.Database.Migrate,
		"BK_AUTH_REVEAL_NOT_FOUND": &cfg.Auth.RevealNotFound,
		"BK_LIMITER_ENABLED":       &cfg.Limiter.Enabled,
		"BK_S3_FORCE_PATH_STYLE":   &cfg.Storage.S3.ForcePathStyle,
		"BK_LOG_DEVELOPMENT":       &cfg.Log.Development,
	}
	for k, dst := range flags {
		if v, ok := lookup(k); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = b
		}
	}
	return nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var problems []error
	add := func(format string, a ...any) { problems = append(problems, fmt.Errorf(format, a...)) }

	if strings.TrimSpace(c.Database.DSN) == "" {
		add("database.dsn is required")
	}
	if len(c.Auth.JWTSecret) < minJWTSecret {
		add("auth.jwt_secret must be at least %d bytes", minJWTSecret)
	}
	switch c.Storage.Backend {
	case BackendFS:
		if c.Storage.Root == "" {
			add("storage.root is required for the fs backend")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			add("storage.s3.bucket is required for the s3 backend")
		}
	default:
		add("storage.backend must be %q or %q, got %q", BackendFS, BackendS3, c.Storage.Backend)
	}
	if _, err := grant.ParsePolicy(c.Grants.Policy); err != nil {
		add("grants.policy: %v", err)
	}
	if c.Grants.TTL <= 0 {
		add("grants.ttl must be positive")
	}
	if c.Grants.MaxTTL <= 0 {
		add("grants.max_ttl must be positive")
	} else if c.Grants.TTL > c.Grants.MaxTTL {
		add("grants.ttl %s exceeds grants.max_ttl %s", c.Grants.TTL, c.Grants.MaxTTL)
	}
	// a non-positive retention moves the prune cutoff past live grants
	if c.Grants.Retention <= 0 {
		add("grants.retention must be positive")
	} else if c.Grants.Retention < c.Grants.TTL {
		add("grants.retention %s is shorter than grants.ttl %s", c.Grants.Retention, c.Grants.TTL)
	}
	if c.Grants.Store != StorePostgres && c.Grants.Store != StoreMemory {
		add("grants.store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Grants.Store)
	}
	if c.Limiter.Enabled && (c.Limiter.MaxFails <= 0 || c.Limiter.Window <= 0 || c.Limiter.BlockFor <= 0) {
		add("limiter: max_fails, window and block_for must be positive when enabled")
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		add("http.max_upload_bytes must be positive")
	}
	if c.HTTP.PublicURL == "" {
		add("http.public_url is required")
	}
	return errors.Join(problems...)
}
