package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/yaron8/buffer-sizing/capture"
	"github.com/yaron8/buffer-sizing/link"
	"github.com/yaron8/buffer-sizing/logi"
	"github.com/yaron8/buffer-sizing/metrics"
	"github.com/yaron8/buffer-sizing/retry"
)

type UpdateConfig struct {
	Addr           string
	DialTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// UpdateReceiver pulls the UpdateInfo stream of one link from the router and
// applies every record. A dropped or refused connection is redialled with
// backoff.
type UpdateReceiver struct {
	cfg       UpdateConfig
	processor *link.Processor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	name      string
}

func NewUpdateReceiver(cfg UpdateConfig, p *link.Processor, m *metrics.Metrics) *UpdateReceiver {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	id := p.Link().ID()
	return &UpdateReceiver{
		cfg:       cfg,
		processor: p,
		metrics:   m,
		logger:    logi.GetLogger().With("link", id, "update_addr", cfg.Addr),
		name:      id + "-updates",
	}
}

// Run keeps the stream connected until ctx ends.
func (ur *UpdateReceiver) Run(ctx context.Context) error {
	ur.logger.Info("UpdateInfo receiver starting")
	backoff := retry.New(ur.cfg.InitialBackoff, ur.cfg.MaxBackoff)

	connected := 0
	for {
		dialer := net.Dialer{Timeout: ur.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", ur.cfg.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ur.logger.Warn("Error connecting to UpdateInfo stream", "attempt", backoff.Attempts()+1, "error", err)
			if !backoff.Wait(ctx) {
				return nil
			}
			continue
		}

		connected++
		if connected > 1 {
			ur.metrics.Reconnects.WithLabelValues(ur.name).Inc()
			// bytes from the dropped stream must not be spread over the outage
			ur.processor.Link().Reset()
		}
		ur.logger.Info("Connected to UpdateInfo stream")
		backoff.Reset()

		records, err := ur.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		ur.logger.Warn("UpdateInfo stream ended", "records", records, "error", err)
		if !backoff.Wait(ctx) {
			return nil
		}
	}
}

// consume applies records from r until it fails. It returns the number of
// records read.
func (ur *UpdateReceiver) consume(ctx context.Context, conn net.Conn) (int, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	records := 0
	stale := 0
	for {
		u, err := capture.ReadUpdateInfo(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return records, fmt.Errorf("router closed the stream: %w", err)
			}
			return records, fmt.Errorf("read update record: %w", err)
		}
		records++

		if !ur.processor.ApplyUpdate(u) {
			stale++
			ur.logger.Debug("Dropping stale update record", "seconds", u.Seconds, "micros", u.Micros, "stale", stale)
		}
	}
}
