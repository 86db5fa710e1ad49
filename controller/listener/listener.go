// Package listener owns the router's event-capture UDP socket.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/yaron8/buffer-sizing/link"
	"github.com/yaron8/buffer-sizing/logi"
	"github.com/yaron8/buffer-sizing/metrics"
	"github.com/yaron8/buffer-sizing/retry"
)

// maxDatagram covers any UDP payload.
const maxDatagram = 65535

type Config struct {
	Router         string
	ListenAddr     string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// TelemetryListener receives event-capture datagrams from one router and
// feeds every link monitored on it. A receive failure closes the socket and
// reopens it with backoff; only this router's links are affected.
type TelemetryListener struct {
	cfg        Config
	processors []*link.Processor
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu   sync.Mutex
	conn net.PacketConn

	ready     chan struct{}
	readyOnce sync.Once
}

func NewTelemetryListener(cfg Config, processors []*link.Processor, m *metrics.Metrics) *TelemetryListener {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &TelemetryListener{
		cfg:        cfg,
		processors: processors,
		metrics:    m,
		logger:     logi.GetLogger().With("router", cfg.Router),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket is open for the first time.
func (tl *TelemetryListener) Ready() <-chan struct{} {
	return tl.ready
}

// Addr returns the bound address, or nil while the socket is closed.
func (tl *TelemetryListener) Addr() net.Addr {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.conn == nil {
		return nil
	}
	return tl.conn.LocalAddr()
}

// Run receives datagrams until ctx ends.
func (tl *TelemetryListener) Run(ctx context.Context) error {
	backoff := retry.New(tl.cfg.InitialBackoff, tl.cfg.MaxBackoff)
	tl.logger.Info("Telemetry listener starting", "listen_addr", tl.cfg.ListenAddr, "links", len(tl.processors))

	for {
		var lc net.ListenConfig
		conn, err := lc.ListenPacket(ctx, "udp", tl.cfg.ListenAddr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			tl.logger.Error("Failed to open capture socket", "listen_addr", tl.cfg.ListenAddr, "error", err)
			if !backoff.Wait(ctx) {
				return nil
			}
			continue
		}
		backoff.Reset()

		tl.mu.Lock()
		tl.conn = conn
		tl.mu.Unlock()
		tl.readyOnce.Do(func() { close(tl.ready) })

		err = tl.receive(ctx, conn)

		tl.mu.Lock()
		tl.conn = nil
		tl.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		tl.metrics.Reconnects.WithLabelValues(tl.cfg.Router + "-capture").Inc()
		tl.logger.Error("Capture socket failed, reopening", "error", err)
		if !backoff.Wait(ctx) {
			return nil
		}
	}
}

func (tl *TelemetryListener) receive(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read datagram: %w", err)
		}
		tl.Handle(buf[:n])
	}
}

// Handle decodes one datagram for every link and applies it.
func (tl *TelemetryListener) Handle(b []byte) {
	router := tl.cfg.Router
	for i, p := range tl.processors {
		dc, err := p.Decode(b)
		if err != nil {
			// the header is shared, so every link would fail the same way
			tl.metrics.PacketsMalformed.WithLabelValues(router).Inc()
			tl.logger.Debug("Dropping malformed capture packet", "length", len(b), "error", err)
			return
		}
		if i == 0 {
			tl.metrics.PacketsDecoded.WithLabelValues(router).Inc()
			if dc.Truncated {
				tl.metrics.PacketsTruncated.WithLabelValues(router).Inc()
			}
		}
		p.ApplyCapture(dc)
	}
}
