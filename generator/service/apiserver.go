package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yaron8/buffer-sizing/generator/config"
	"github.com/yaron8/buffer-sizing/generator/emulator"
	"github.com/yaron8/buffer-sizing/generator/metrics"
	"github.com/yaron8/buffer-sizing/logi"
)

type APIServer struct {
	csvCounters *metrics.CSVCounters
	router      *emulator.Router
	config      *config.Config
	server      *http.Server
	logger      *slog.Logger
}

func NewAPIServer(config *config.Config, csvCounters *metrics.CSVCounters, router *emulator.Router) *APIServer {
	return &APIServer{
		config:      config,
		csvCounters: csvCounters,
		router:      router,
		logger:      logi.GetLogger(),
	}
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

	mux.HandleFunc("/counters", api.countersHandler)
	mux.HandleFunc("/status", api.statusHandler)

	// Wrap the mux with logging middleware
	return api.middleware(mux)
}

// Start serves until ctx ends, then shuts the server down.
func (api *APIServer) Start(ctx context.Context) error {
	api.logger.Info("Generator APIServer starting", "port", api.config.Port)

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
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}
