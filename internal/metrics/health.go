package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gftdcojp/agentchan/internal/config"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MetadataPinger is implemented by the metadata store.
type MetadataPinger interface {
	Ping() error
}

// ArchivePinger is implemented by the S3 archive client.
type ArchivePinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker runs health probes. Nil dependencies are skipped.
type HealthChecker struct {
	natsConn *nats.Conn
	meta     MetadataPinger
	archive  ArchivePinger
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(nc *nats.Conn, meta MetadataPinger, archive ArchivePinger) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		meta:     meta,
		archive:  archive,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can accept posts.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.natsConn != nil {
		if !h.natsConn.IsConnected() {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "nats", Status: "disconnected",
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "nats", Status: "connected",
			})
		}
	}

	if h.meta != nil {
		if err := h.meta.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "metadata", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "metadata", Status: "ok",
			})
		}
	}

	// Archive failures degrade pruning only; posting keeps working.
	if h.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.archive.Ping(ctx); err != nil {
			status.Checks = append(status.Checks, Check{
				Name: "archive", Status: "degraded", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "archive", Status: "ok",
			})
		}
	}

	return status
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// NewHealthMux builds the liveness and readiness routes.
func NewHealthMux(cfg config.HealthConfig, checker *HealthChecker) *http.ServeMux {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness())
	})
	return mux
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHealthMux(cfg, checker),
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
