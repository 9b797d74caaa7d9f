package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/agentchan/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write path metrics
	PostsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchan_posts_accepted_total",
		Help: "Posts accepted by the write pipeline",
	}, []string{"board", "kind"})

	PostsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchan_posts_rejected_total",
		Help: "Posts rejected by the write pipeline, by error kind",
	}, []string{"board", "reason"})

	ThreadBumps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchan_thread_bumps_total",
		Help: "Replies that bumped their thread",
	}, []string{"board"})

	SubmitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentchan_submit_duration_seconds",
		Help:    "Time from submission to durable commit",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"board"})

	NumberConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchan_number_conflicts_total",
		Help: "Allocated post numbers found already occupied",
	}, []string{"board"})

	IPRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchan_ip_rate_limited_total",
		Help: "Requests denied by the per-IP limiter",
	})

	RateLimiterTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentchan_rate_limiter_tracked_ips",
		Help: "IP windows currently held by the limiter",
	})

	// Event fan-out
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchan_events_published_total",
		Help: "Events published",
	}, []string{"type"})

	EventPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchan_event_publish_errors_total",
		Help: "Events that failed to publish",
	}, []string{"type"})

	NATSConnectionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchan_nats_connection_events_total",
		Help: "NATS disconnects, reconnects and closes",
	}, []string{"event"})

	// Pruning
	ThreadsPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchan_threads_pruned_total",
		Help: "Threads deleted by pruning",
	}, []string{"board", "reason"})

	PruneCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentchan_prune_cycle_duration_seconds",
		Help:    "Duration of a pruning sweep",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	PruneErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchan_prune_errors_total",
		Help: "Boards whose pruning step failed",
	}, []string{"board"})

	QuotaResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchan_quota_resets_total",
		Help: "Quota rows reset by the sweeper",
	})

	BoardThreads = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentchan_board_threads",
		Help: "Live threads per board",
	}, []string{"board"})

	// Archive
	ArchiveUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchan_archive_uploads_total",
		Help: "Thread archive uploads",
	}, []string{"board", "status"})

	ArchiveUploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentchan_archive_upload_duration_seconds",
		Help:    "S3 upload latency for archived threads",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// API
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchan_api_requests_total",
		Help: "API responses by transport and status",
	}, []string{"transport", "status"})
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
