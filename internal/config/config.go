package config

import (
	"context"
	"os"
	"strings"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the note sync core.
type Config struct {
	// OwnerID scopes every store and count operation.
	OwnerID string

	// Datastore backend type: "mongo" or "postgres".
	DatastoreType string

	// Database connection URL.
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Upload backend type: "s3".
	UploadType string

	// S3
	S3Bucket           string
	S3Prefix           string
	S3ExternalEndpoint string
	S3UsePathStyle     bool

	// Counts cache backend type: "redis" or "none".
	CacheType string

	// Redis
	RedisURL string

	// How long cached recount stats stay fresh.
	CountsCacheTTL time.Duration

	// Connectivity monitor type: "probe" or "manual".
	ConnectivityType string

	// ProbeAddress is the host:port the probe monitor dials to decide
	// whether the device is online.
	ProbeAddress  string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// Page size used for list fetches and sync engine scans.
	PageSize int

	// How often the recount loop corrects optimistic counter drift.
	RecountInterval time.Duration

	// Management listener port (serves /metrics and /healthz). Zero disables it.
	ManagementPort int

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR}
	// expansion. Defaults to "service=notesync".
	MetricsLabels string

	// Temporary file directory. Empty uses platform default temp directory.
	TempDir string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:           "mongo",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		UploadType:              "s3",
		CacheType:               "none",
		CountsCacheTTL:          time.Minute,
		ConnectivityType:        "probe",
		ProbeAddress:            "1.1.1.1:443",
		ProbeInterval:           5 * time.Second,
		ProbeTimeout:            2 * time.Second,
		PageSize:                10,
		RecountInterval:         time.Minute,
		MetricsLabels:           "service=notesync",
	}
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}
