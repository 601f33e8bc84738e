package metrics

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreLatency is recorded by the store decorator for every operation.
	StoreLatency *prometheus.HistogramVec

	// SyncPassesTotal counts completed image sync passes.
	SyncPassesTotal prometheus.Counter

	// ImagesMigratedTotal counts local image references rewritten to remote URLs.
	ImagesMigratedTotal prometheus.Counter

	// ImageSyncFailuresTotal counts per-image failures that were skipped.
	ImageSyncFailuresTotal prometheus.Counter

	// FetchesDroppedTotal counts page fetches dropped because one was already
	// in flight for the same filter key.
	FetchesDroppedTotal prometheus.Counter

	// RemoteWriteFailuresTotal counts user-initiated mutations that failed at
	// the remote store, by operation.
	RemoteWriteFailuresTotal *prometheus.CounterVec

	// RecountsTotal counts authoritative recounts applied to the aggregator.
	RecountsTotal prometheus.Counter
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Must be called before wiring the store decorator or starting the sync
// engine. Safe to call multiple times; only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notesync_store_latency_seconds",
			Help:    "Latency of remote store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	SyncPassesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "notesync_sync_passes_total",
		Help: "Total number of completed image sync passes",
	})
	ImagesMigratedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "notesync_images_migrated_total",
		Help: "Total number of local images uploaded and rewritten to remote URLs",
	})
	ImageSyncFailuresTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "notesync_image_sync_failures_total",
		Help: "Total number of per-image sync failures that were skipped",
	})
	FetchesDroppedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "notesync_fetches_dropped_total",
		Help: "Total number of page fetches dropped while another was in flight",
	})
	RemoteWriteFailuresTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notesync_remote_write_failures_total",
			Help: "Total number of failed user-initiated remote writes",
		},
		[]string{"op"},
	)
	RecountsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "notesync_recounts_total",
		Help: "Total number of authoritative recounts applied",
	})
}
