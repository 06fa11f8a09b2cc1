package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/hpcds/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lease metrics
	LeaseAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcds_lease_acquisitions_total",
		Help: "Lease acquisition attempts by access mode and result",
	}, []string{"access", "result"})

	LeaseStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcds_lease_stops_total",
		Help: "Leases stopped by result",
	}, []string{"result"})

	LeaseAcquireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hpcds_lease_acquire_duration_seconds",
		Help:    "Registration round-trip latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	SessionLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcds_session_lookups_total",
		Help: "Session cache lookups (hit, journal, acquire, expired)",
	}, []string{"result"})

	// Block transfer metrics
	BlockRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcds_block_requests_total",
		Help: "Block HTTP requests by operation and status",
	}, []string{"op", "status"})

	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hpcds_request_latency_seconds",
		Help:    "Block request latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"op"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hpcds_batch_coordinates",
		Help:    "Coordinates per batched read request",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcds_bytes_transferred_total",
		Help: "Payload bytes moved to and from the datastore",
	}, []string{"direction"})

	AbsentBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hpcds_absent_blocks_total",
		Help: "Blocks reported without stored data",
	})

	// Archive metrics
	ArchiveUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcds_archive_uploads_total",
		Help: "Blocks uploaded to the S3 archive by result",
	}, []string{"result"})

	ArchiveUploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hpcds_archive_upload_duration_seconds",
		Help:    "S3 upload latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	// Notification metrics
	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcds_notifications_published_total",
		Help: "Block notifications published to NATS by result",
	}, []string{"result"})

	// Journal metrics
	JournalGCRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hpcds_journal_gc_removed_total",
		Help: "Expired lease records removed from the journal",
	})

	JournalEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hpcds_journal_entries",
		Help: "Lease records currently held in the journal",
	})

	// Export metrics
	ExportBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcds_export_blocks_total",
		Help: "Blocks handled by the exporter by result",
	}, []string{"result"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
