package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yaron8/buffer-sizing/generator/config"
	"github.com/yaron8/buffer-sizing/generator/emulator"
	"github.com/yaron8/buffer-sizing/generator/metrics"
	"github.com/yaron8/buffer-sizing/generator/service"
	"github.com/yaron8/buffer-sizing/logi"
	"golang.org/x/sync/errgroup"
)

type Bootstrap struct {
	config    *config.Config
	logger    *slog.Logger
	router    *emulator.Router
	apiServer *service.APIServer
}

// NewBootstrap loads the configuration, starts logging and builds the
// emulator.
func NewBootstrap() (*Bootstrap, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := logi.NewLog(&logi.Config{
		Service: "generator",
		LogDir:  cfg.Log.Dir,
		Level:   cfg.LogLevel(),
		Stderr:  cfg.Log.Stderr,
	}); err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return New(cfg), nil
}

// New builds the emulated router and its counters API for cfg.
func New(cfg *config.Config) *Bootstrap {
	q := emulator.NewQueue(emulator.QueueConfig{
		QueueID:       cfg.Queue,
		PacketBytes:   cfg.PacketBytes,
		RateRegister:  cfg.RateRegister,
		BufferPackets: cfg.BufferPackets,
		NumFlows:      cfg.NumFlows,
		TargetBps:     cfg.TargetBps,
		Seed:          cfg.Seed,
	})
	router := emulator.NewRouter(emulator.RouterConfig{
		CaptureAddr:          cfg.CaptureAddr,
		UpdateListenAddr:     cfg.UpdateAddr,
		RouterCommandAddr:    cfg.RouterCommandAddr,
		GeneratorCommandAddr: cfg.GeneratorCommandAddr,
		Interval:             cfg.Interval,
		UpdateInterval:       cfg.UpdateInterval,
		MaxEvents:            cfg.MaxEvents,
		HistorySize:          cfg.HistorySize,
		InitialBackoff:       cfg.InitialBackoff,
		MaxBackoff:           cfg.MaxBackoff,
	}, q, nil)

	csvCounters := metrics.NewCSVCounters(router.History(), cfg.CacheTTL)

	return &Bootstrap{
		config:    cfg,
		logger:    logi.GetLogger(),
		router:    router,
		apiServer: service.NewAPIServer(cfg, csvCounters, router),
	}
}

// Router returns the emulated router.
func (b *Bootstrap) Router() *emulator.Router {
	return b.router
}

// Start runs the emulator and the API until ctx is cancelled or one fails.
func (b *Bootstrap) Start(ctx context.Context) error {
	b.logger.Info("Generator starting",
		"queue", b.config.Queue,
		"rate_register", b.config.RateRegister,
		"target_bps", b.config.TargetBps,
		"num_flows", b.config.NumFlows)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.router.Run(ctx) })
	g.Go(func() error { return b.apiServer.Start(ctx) })
	return g.Wait()
}
