package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/yaron8/buffer-sizing/command"
	"github.com/yaron8/buffer-sizing/controller/config"
	"github.com/yaron8/buffer-sizing/controller/dao"
	"github.com/yaron8/buffer-sizing/controller/etl"
	"github.com/yaron8/buffer-sizing/controller/listener"
	"github.com/yaron8/buffer-sizing/controller/service"
	"github.com/yaron8/buffer-sizing/link"
	"github.com/yaron8/buffer-sizing/logi"
	"github.com/yaron8/buffer-sizing/measurement"
	"github.com/yaron8/buffer-sizing/metrics"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type Bootstrap struct {
	config      *config.Config
	logger      *slog.Logger
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	samples     *dao.DAOSamples
	channels    []*command.Channel
	listeners   []*listener.TelemetryListener
	receivers   []*etl.UpdateReceiver
	refresher   *etl.Refresher
	controllers []*link.Controller
	apiServer   *service.APIServer
}

// NewBootstrap loads the configuration, starts logging and builds the
// controller.
func NewBootstrap() (*Bootstrap, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := logi.NewLog(&logi.Config{
		Service: "controller",
		LogDir:  cfg.Log.Dir,
		Level:   cfg.LogLevel(),
		Stderr:  cfg.Log.Stderr,
	}); err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return New(cfg)
}

// New wires every component for cfg: one command channel per router (and
// generator), one link per configured queue, the capture listeners, the
// UpdateInfo receivers, the refresh loop, the sample store and the API.
func New(cfg *config.Config) (*Bootstrap, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: "", // no password set
		DB:       0,  // use default DB
		Protocol: 2,
	})
	samples := dao.NewDAOSamples(redisClient, dao.Options{
		TTL:           cfg.Redis.TTL,
		MaxSamples:    cfg.Redis.MaxSamples,
		QueueSize:     cfg.Redis.QueueSize,
		BatchSize:     cfg.Redis.BatchSize,
		FlushInterval: cfg.Redis.FlushInterval,
	}, m)

	var reference *measurement.Table
	if cfg.MeasurementFile != "" {
		table, err := measurement.Load(cfg.MeasurementFile)
		if err != nil {
			return nil, err
		}
		reference = table
	}

	b := &Bootstrap{
		config:   cfg,
		logger:   logi.GetLogger(),
		registry: registry,
		metrics:  m,
		samples:  samples,
	}

	var allLinks []*link.Link
	for _, rs := range cfg.Topology.Routers {
		links, err := b.attachRouter(rs)
		if err != nil {
			return nil, err
		}
		allLinks = append(allLinks, links...)
	}

	b.refresher = etl.NewRefresher(allLinks, cfg.RefreshInterval, nil)
	b.apiServer = service.NewAPIServer(cfg, b.controllers, samples, reference, registry)

	b.logger.Info("Controller bootstrapped",
		"routers", len(cfg.Topology.Routers),
		"links", len(allLinks),
		"session", samples.Session())
	return b, nil
}

func (b *Bootstrap) attachRouter(rs config.RouterSpec) ([]*link.Link, error) {
	cmd := b.config.Command

	routerCh := command.NewChannel(command.Config{
		Name:           rs.Name,
		Peer:           command.PeerRouter,
		ListenAddr:     rs.CommandAddr,
		WriteTimeout:   cmd.WriteTimeout,
		InitialBackoff: cmd.InitialBackoff,
		MaxBackoff:     cmd.MaxBackoff,
	}, b.metrics)
	b.channels = append(b.channels, routerCh)

	// a nil *Channel must not end up inside the Sender interface
	var generator link.Sender
	var generatorCh *command.Channel
	if rs.GeneratorAddr != "" {
		generatorCh = command.NewChannel(command.Config{
			Name:           rs.Name + "-generator",
			Peer:           command.PeerGenerator,
			ListenAddr:     rs.GeneratorAddr,
			WriteTimeout:   cmd.WriteTimeout,
			InitialBackoff: cmd.InitialBackoff,
			MaxBackoff:     cmd.MaxBackoff,
		}, b.metrics)
		b.channels = append(b.channels, generatorCh)
		generator = generatorCh
	}

	var links []*link.Link
	var processors []*link.Processor
	for i, ls := range rs.Links {
		lc, err := ls.LinkConfig()
		if err != nil {
			return nil, fmt.Errorf("router %s: %w", rs.Name, err)
		}
		l, err := link.New(lc, link.Options{Sink: b.samples, Metrics: b.metrics})
		if err != nil {
			return nil, fmt.Errorf("router %s: %w", rs.Name, err)
		}

		// the generator drives one flow set, owned by the router's first link
		var owner link.Sender
		if i == 0 {
			owner = generator
		}
		c := link.NewController(l, routerCh, owner)
		routerCh.OnConnect(c.ResyncRouter)
		if generatorCh != nil && i == 0 {
			generatorCh.OnConnect(c.ResyncGenerator)
		}

		p := link.NewProcessor(l)
		if ls.UpdateAddr != "" {
			b.receivers = append(b.receivers, etl.NewUpdateReceiver(etl.UpdateConfig{
				Addr:           ls.UpdateAddr,
				InitialBackoff: cmd.InitialBackoff,
				MaxBackoff:     cmd.MaxBackoff,
			}, p, b.metrics))
		}

		b.controllers = append(b.controllers, c)
		links = append(links, l)
		processors = append(processors, p)
	}

	b.listeners = append(b.listeners, listener.NewTelemetryListener(listener.Config{
		Router:         rs.Name,
		ListenAddr:     rs.CaptureAddr,
		InitialBackoff: cmd.InitialBackoff,
		MaxBackoff:     cmd.MaxBackoff,
	}, processors, b.metrics))

	return links, nil
}

// Controllers returns the per-link controllers in topology order.
func (b *Bootstrap) Controllers() []*link.Controller {
	return b.controllers
}

// Start runs every component until ctx is cancelled or one of them fails.
func (b *Bootstrap) Start(ctx context.Context) error {
	if err := b.samples.Ping(ctx); err != nil {
		b.logger.Warn("Redis not reachable yet, samples will be dropped until it is", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.samples.Run(ctx) })
	for _, ch := range b.channels {
		g.Go(func() error { return ch.Run(ctx) })
	}
	for _, tl := range b.listeners {
		g.Go(func() error { return tl.Run(ctx) })
	}
	for _, ur := range b.receivers {
		g.Go(func() error { return ur.Run(ctx) })
	}
	g.Go(func() error { return b.refresher.Run(ctx) })
	g.Go(func() error { return b.apiServer.Start(ctx) })

	err := g.Wait()
	return multierr.Append(err, b.Close())
}

// Close releases the command channels and the Redis client.
func (b *Bootstrap) Close() error {
	var err error
	for _, ch := range b.channels {
		err = multierr.Append(err, ch.Close())
	}
	return multierr.Append(err, b.samples.Close())
}
