package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yaron8/buffer-sizing/controller/config"
	"github.com/yaron8/buffer-sizing/link"
	"github.com/yaron8/buffer-sizing/logi"
	"github.com/yaron8/buffer-sizing/measurement"
	"github.com/yaron8/buffer-sizing/telemetrics"
)

// SampleReader reads stored link time series.
type SampleReader interface {
	GetSamples(ctx context.Context, linkID string, series telemetrics.Series) ([]telemetrics.Sample, error)
}

type APIServer struct {
	config      *config.Config
	server      *http.Server
	controllers map[string]*link.Controller
	order       []string
	samples     SampleReader
	reference   *measurement.Table
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
}

// NewAPIServer serves status, samples and policy control for controllers.
// reference may be nil when no measurement file is configured.
func NewAPIServer(
	config *config.Config,
	controllers []*link.Controller,
	samples SampleReader,
	reference *measurement.Table,
	gatherer prometheus.Gatherer,
) *APIServer {
	api := &APIServer{
		config:      config,
		controllers: make(map[string]*link.Controller, len(controllers)),
		samples:     samples,
		reference:   reference,
		gatherer:    gatherer,
		logger:      logi.GetLogger(),
	}
	for _, c := range controllers {
		id := c.Link().ID()
		api.controllers[id] = c
		api.order = append(api.order, id)
	}
	return api
}

// Handler returns the routed API.
func (api *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			api.logger.Error("Error writing health check response", "error", err)
		}
	})

	if api.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{}))
	}

	// Telemetry endpoints
	mux.HandleFunc("/telemetry/ListLinks", api.ListLinksHandler)
	mux.HandleFunc("/telemetry/GetSamples", api.GetSamplesHandler)
	mux.HandleFunc("/telemetry/Reference", api.ReferenceHandler)

	// Control endpoints
	mux.HandleFunc("/control/Policy", api.PolicyHandler)

	return api.middleware(mux)
}

// Start serves until ctx ends, then shuts the server down.
func (api *APIServer) Start(ctx context.Context) error {
	api.logger.Info("Controller APIServer starting", "port", api.config.Port)

	api.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", api.config.Port),
		Handler:      api.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.server.Shutdown(shutdownCtx); err != nil {
			api.logger.Error("Error shutting down server", "error", err)
		}
	})
	defer stop()

	if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		api.logger.Error("Server failed to start", "error", err, "port", api.config.Port)
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// middleware logs every request at debug level
func (api *APIServer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}
