package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/yaron8/buffer-sizing/logi"
	"github.com/yaron8/buffer-sizing/metrics"
	"github.com/yaron8/buffer-sizing/retry"
	"go.uber.org/multierr"
)

// ErrNotConnected is returned by Send while no peer is attached.
var ErrNotConnected = errors.New("command peer not connected")

type Config struct {
	// Name identifies the peer in logs and metrics, e.g. "router-0".
	Name           string
	Peer           Peer
	ListenAddr     string
	WriteTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Channel is the persistent command connection to one peer. The peer dials
// in; the channel keeps listening for a replacement whenever the connection
// drops, so a transport failure only ever affects this peer.
type Channel struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	// mu guards conn and listener and serialises every Send.
	mu        sync.Mutex
	conn      net.Conn
	listener  net.Listener
	onConnect []func()
	accepted  int

	ready     chan struct{}
	readyOnce sync.Once
}

func NewChannel(cfg Config, m *metrics.Metrics) *Channel {
	if cfg.Name == "" {
		cfg.Name = cfg.Peer.String()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Channel{
		cfg:     cfg,
		metrics: m,
		logger:  logi.GetLogger().With("peer", cfg.Name),
		ready:   make(chan struct{}),
	}
}

func (c *Channel) Name() string { return c.cfg.Name }

func (c *Channel) Peer() Peer { return c.cfg.Peer }

// OnConnect registers fn to run every time a peer attaches, before any other
// Send can observe the new connection. Owners use it to resync state.
func (c *Channel) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// Ready is closed once the channel is listening for the first time.
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

// Addr returns the current listening address, or nil before Ready.
func (c *Channel) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Connected reports whether a peer is attached.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run listens and serves one peer connection at a time until ctx ends.
// Listen and accept failures are logged and retried with backoff.
func (c *Channel) Run(ctx context.Context) error {
	backoff := retry.New(c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	c.logger.Info("Command channel starting", "listen_addr", c.cfg.ListenAddr, "kind", c.cfg.Peer.String())

	for {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", c.cfg.ListenAddr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to listen for command peer", "listen_addr", c.cfg.ListenAddr, "error", err)
			if !backoff.Wait(ctx) {
				return nil
			}
			continue
		}
		backoff.Reset()

		c.mu.Lock()
		c.listener = ln
		c.mu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })

		err = c.acceptLoop(ctx, ln, backoff)
		c.mu.Lock()
		c.listener = nil
		c.mu.Unlock()
		ln.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error("Command listener failed, listening again", "error", err)
		if !backoff.Wait(ctx) {
			return nil
		}
	}
}

func (c *Channel) acceptLoop(ctx context.Context, ln net.Listener, backoff *retry.Backoff) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if !backoff.Wait(ctx) {
					return nil
				}
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff.Reset()
		c.serve(ctx, conn)
	}
}

func (c *Channel) serve(ctx context.Context, conn net.Conn) {
	hooks := c.attach(conn)
	c.logger.Info("Command peer connected", "remote_addr", conn.RemoteAddr().String())

	for _, fn := range hooks {
		fn()
	}

	// peers never talk back; a read only returns when the connection ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	c.detach(conn)
	if ctx.Err() == nil {
		c.logger.Warn("Command peer disconnected", "remote_addr", conn.RemoteAddr().String())
	}
}

func (c *Channel) attach(conn net.Conn) []func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = conn
	c.accepted++
	if c.accepted > 1 {
		c.metrics.Reconnects.WithLabelValues(c.cfg.Name).Inc()
	}
	return append([]func(){}, c.onConnect...)
}

func (c *Channel) detach(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// Send writes one frame. Sends from all callers are serialised. A failed
// write drops the connection; Run then waits for the peer to reconnect.
func (c *Channel) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := OpName(c.cfg.Peer, f.Op)
	if c.conn == nil {
		c.metrics.CommandErrors.WithLabelValues(c.cfg.Name).Inc()
		return fmt.Errorf("send %s to %s: %w", op, c.cfg.Name, ErrNotConnected)
	}

	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			c.logger.Warn("Failed to set write deadline", "error", err)
		}
	}

	if _, err := c.conn.Write(Encode(c.cfg.Peer, f)); err != nil {
		c.metrics.CommandErrors.WithLabelValues(c.cfg.Name).Inc()
		c.logger.Error("Failed to send command", "opcode", op, "value", f.Value, "error", err)
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("send %s to %s: %w", op, c.cfg.Name, err)
	}

	c.metrics.CommandsSent.WithLabelValues(c.cfg.Name, op).Inc()
	c.logger.Debug("Command sent", "opcode", op, "queue", f.Queue, "value", f.Value)
	return nil
}

// Close drops the current peer and the listener. Run keeps going until its
// context ends.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.conn != nil {
		err = multierr.Append(err, c.conn.Close())
		c.conn = nil
	}
	if c.listener != nil {
		err = multierr.Append(err, c.listener.Close())
	}
	return err
}
