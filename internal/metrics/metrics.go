// Package metrics exposes a Prometheus /metrics endpoint at
// settings.metrics-addr, the one observability surface the teacher's
// server carries (github.com/prometheus/client_golang) applied to
// deltaic's own run: per-source unit outcomes, last-snapshot age, and
// archive upload duration, the same counter/gauge/histogram shapes the
// snapshotter example in the retrieved corpus uses for its own
// backup-cycle metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Label values shared across the vectors below.
const (
	LabelSource    = "source"
	LabelSucceeded = "succeeded"

	ValueSucceededTrue  = "true"
	ValueSucceededFalse = "false"
)

var (
	// UnitsTotal counts every unit backup attempt, partitioned by source
	// and outcome.
	UnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltaic",
		Name:      "units_total",
		Help:      "Total backup units attempted, by source and outcome.",
	}, []string{LabelSource, LabelSucceeded})

	// LastSnapshotTimestamp reports the most recent successful snapshot's
	// creation time as a Unix timestamp, so `age = time() -
	// deltaic_last_snapshot_timestamp_seconds` alerts on a stalled run.
	LastSnapshotTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "deltaic",
		Name:      "last_snapshot_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful snapshot.",
	})

	// ArchiveUploadSeconds observes archive upload duration per backend.
	ArchiveUploadSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deltaic",
		Name:      "archive_upload_duration_seconds",
		Help:      "Archive upload duration in seconds, by backend.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
	}, []string{"backend"})
)

// ObserveUnit records one unit's outcome.
func ObserveUnit(source string, err error) {
	succeeded := ValueSucceededTrue
	if err != nil {
		succeeded = ValueSucceededFalse
	}
	UnitsTotal.With(prometheus.Labels{LabelSource: source, LabelSucceeded: succeeded}).Inc()
}

// ObserveSnapshot records a successful snapshot's creation time.
func ObserveSnapshot(at time.Time) {
	LastSnapshotTimestamp.Set(float64(at.Unix()))
}

// ObserveUpload records how long an archive upload to backend took.
func ObserveUpload(backend string, d time.Duration) {
	ArchiveUploadSeconds.With(prometheus.Labels{"backend": backend}).Observe(d.Seconds())
}

// Serve starts the /metrics HTTP endpoint on addr and blocks until ctx is
// canceled, then shuts the server down gracefully. A no-op (returns nil
// immediately) when addr is empty, so metrics remain entirely optional.
func Serve(ctx context.Context, addr string, log *zap.Logger) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics endpoint listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics: serve %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown: %w", err)
		}
		return nil
	}
}
