// Package run contains the run sub-command: the composition root that wires
// the store, uploader, cache, connectivity monitor, sync engine, and session
// together and drives them until shutdown.
package run

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/notesync/internal/config"
	"github.com/chirino/notesync/internal/metrics"
	storemetrics "github.com/chirino/notesync/internal/plugin/store/metrics"
	"github.com/chirino/notesync/internal/plugin/store/offline"
	registrycache "github.com/chirino/notesync/internal/registry/cache"
	registryconnectivity "github.com/chirino/notesync/internal/registry/connectivity"
	registrymigrate "github.com/chirino/notesync/internal/registry/migrate"
	registrystore "github.com/chirino/notesync/internal/registry/store"
	registryupload "github.com/chirino/notesync/internal/registry/upload"
	"github.com/chirino/notesync/internal/service"
	enginesync "github.com/chirino/notesync/internal/sync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/notesync/internal/plugin/cache/noop"
	_ "github.com/chirino/notesync/internal/plugin/cache/redis"
	_ "github.com/chirino/notesync/internal/plugin/connectivity/manual"
	_ "github.com/chirino/notesync/internal/plugin/connectivity/probe"
	_ "github.com/chirino/notesync/internal/plugin/store/mongo"
	_ "github.com/chirino/notesync/internal/plugin/store/postgres"
	_ "github.com/chirino/notesync/internal/plugin/upload/s3store"
)

// Command returns the run sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "run",
		Usage: "Start the note sync core",
		Flags: flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(config.WithContext(ctx, &cfg), &cfg)
		},
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Owner ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "owner-id",
			Category:    "Owner:",
			Sources:     cli.EnvVars("NOTESYNC_OWNER_ID"),
			Destination: &cfg.OwnerID,
			Usage:       "Owner id scoping all note and group operations",
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "page-size",
			Category:    "Owner:",
			Sources:     cli.EnvVars("NOTESYNC_PAGE_SIZE"),
			Destination: &cfg.PageSize,
			Value:       cfg.PageSize,
			Usage:       "Page size for list fetches and sync scans",
		},
		&cli.StringFlag{
			Name:        "temp-dir",
			Category:    "Owner:",
			Sources:     cli.EnvVars("NOTESYNC_TEMP_DIR"),
			Destination: &cfg.TempDir,
			Usage:       "Directory for temporary files; defaults to OS temp directory",
		},

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("NOTESYNC_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("NOTESYNC_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("NOTESYNC_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("NOTESYNC_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("NOTESYNC_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run datastore migrations on startup",
		},

		// ── Image Upload ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "upload-kind",
			Category:    "Image Upload:",
			Sources:     cli.EnvVars("NOTESYNC_UPLOAD_KIND"),
			Destination: &cfg.UploadType,
			Value:       cfg.UploadType,
			Usage:       "Image upload backend (" + strings.Join(registryupload.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "upload-s3-bucket",
			Category:    "Image Upload:",
			Sources:     cli.EnvVars("NOTESYNC_UPLOAD_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for uploaded images",
		},
		&cli.StringFlag{
			Name:        "upload-s3-prefix",
			Category:    "Image Upload:",
			Sources:     cli.EnvVars("NOTESYNC_UPLOAD_S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Key prefix for uploaded images",
		},
		&cli.StringFlag{
			Name:        "upload-s3-external-endpoint",
			Category:    "Image Upload:",
			Sources:     cli.EnvVars("NOTESYNC_UPLOAD_S3_EXTERNAL_ENDPOINT"),
			Destination: &cfg.S3ExternalEndpoint,
			Usage:       "Public base URL for uploaded images (e.g. a MinIO or CDN endpoint)",
		},
		&cli.BoolFlag{
			Name:        "upload-s3-use-path-style",
			Category:    "Image Upload:",
			Sources:     cli.EnvVars("NOTESYNC_UPLOAD_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (required for LocalStack/MinIO)",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("NOTESYNC_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Counts cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("NOTESYNC_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "counts-cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("NOTESYNC_COUNTS_CACHE_TTL"),
			Destination: &cfg.CountsCacheTTL,
			Value:       cfg.CountsCacheTTL,
			Usage:       "How long cached recount stats stay fresh",
		},

		// ── Connectivity ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "connectivity-kind",
			Category:    "Connectivity:",
			Sources:     cli.EnvVars("NOTESYNC_CONNECTIVITY_KIND"),
			Destination: &cfg.ConnectivityType,
			Value:       cfg.ConnectivityType,
			Usage:       "Connectivity monitor (" + strings.Join(registryconnectivity.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "probe-address",
			Category:    "Connectivity:",
			Sources:     cli.EnvVars("NOTESYNC_PROBE_ADDRESS"),
			Destination: &cfg.ProbeAddress,
			Value:       cfg.ProbeAddress,
			Usage:       "host:port the probe monitor dials to detect connectivity",
		},
		&cli.DurationFlag{
			Name:        "probe-interval",
			Category:    "Connectivity:",
			Sources:     cli.EnvVars("NOTESYNC_PROBE_INTERVAL"),
			Destination: &cfg.ProbeInterval,
			Value:       cfg.ProbeInterval,
			Usage:       "How often connectivity is probed",
		},
		&cli.DurationFlag{
			Name:        "probe-timeout",
			Category:    "Connectivity:",
			Sources:     cli.EnvVars("NOTESYNC_PROBE_TIMEOUT"),
			Destination: &cfg.ProbeTimeout,
			Value:       cfg.ProbeTimeout,
			Usage:       "Dial timeout for a single probe",
		},

		// ── Recount ───────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "recount-interval",
			Category:    "Recount:",
			Sources:     cli.EnvVars("NOTESYNC_RECOUNT_INTERVAL"),
			Destination: &cfg.RecountInterval,
			Value:       cfg.RecountInterval,
			Usage:       "How often optimistic counter drift is corrected from server counts",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("NOTESYNC_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementPort,
			Value:       cfg.ManagementPort,
			Usage:       "Port for health and metrics endpoints (0 = disabled)",
		},
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("NOTESYNC_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	labels, err := metrics.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	metrics.InitMetrics(labels)

	if cfg.DatastoreMigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}

	// Remote store, decorated with latency metrics and the network toggle.
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return err
	}
	remote, err := storeLoader(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize store %q: %w", cfg.DatastoreType, err)
	}
	store := storemetrics.Wrap(offline.Wrap(remote))

	uploadLoader, err := registryupload.Select(cfg.UploadType)
	if err != nil {
		return err
	}
	uploader, err := uploadLoader(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize uploader %q: %w", cfg.UploadType, err)
	}

	cacheLoader, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		return err
	}
	cache, err := cacheLoader(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize cache %q: %w", cfg.CacheType, err)
	}

	monitorLoader, err := registryconnectivity.Select(cfg.ConnectivityType)
	if err != nil {
		return err
	}
	monitor, err := monitorLoader(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize connectivity monitor %q: %w", cfg.ConnectivityType, err)
	}

	session := service.NewSession(store, cache, cfg.OwnerID, cfg.PageSize, cfg.CountsCacheTTL)
	engine := enginesync.NewEngine(store, uploader, monitor, cfg.OwnerID, cfg.PageSize)
	recounter := service.NewRecountService(session, cfg.RecountInterval)

	go func() {
		if err := monitor.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error("Connectivity monitor stopped", "err", err)
		}
	}()
	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Sync engine stopped", "err", err)
		}
	}()
	go recounter.Start(ctx)

	var mgmt *http.Server
	if cfg.ManagementPort > 0 {
		mgmt = managementServer(cfg.ManagementPort)
		go func() {
			log.Info("Management listener started", "port", cfg.ManagementPort)
			if err := mgmt.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Management listener failed", "err", err)
			}
		}()
	}

	log.Info("Note sync core started", "owner", cfg.OwnerID, "store", cfg.DatastoreType)
	<-ctx.Done()
	log.Info("Shutting down...")

	if mgmt != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		if err := mgmt.Shutdown(drainCtx); err != nil {
			log.Error("Shutdown error", "err", err)
		}
	}
	log.Info("Stopped")
	return nil
}

func managementServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
