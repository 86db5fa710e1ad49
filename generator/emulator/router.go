package emulator

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/yaron8/buffer-sizing/capture"
	"github.com/yaron8/buffer-sizing/clocksync"
	"github.com/yaron8/buffer-sizing/command"
	"github.com/yaron8/buffer-sizing/logi"
	"github.com/yaron8/buffer-sizing/retry"
	"golang.org/x/sync/errgroup"
)

type RouterConfig struct {
	// CaptureAddr receives the event-capture datagrams.
	CaptureAddr string
	// UpdateListenAddr serves the UpdateInfo stream.
	UpdateListenAddr string
	// RouterCommandAddr and GeneratorCommandAddr are the controller's command
	// ports. An empty GeneratorCommandAddr disables the generator side.
	RouterCommandAddr    string
	GeneratorCommandAddr string

	Interval       time.Duration
	UpdateInterval time.Duration
	MaxEvents      int
	HistorySize    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Stats are running totals of what the emulator has sent and applied.
type Stats struct {
	Datagrams       int64 `json:"datagrams"`
	UpdateRecords   int64 `json:"update_records"`
	CommandsApplied int64 `json:"commands_applied"`
	CommandsIgnored int64 `json:"commands_ignored"`
}

// Router drives a Queue in real time and speaks the router's three
// protocols: capture datagrams out, UpdateInfo records out, command frames
// in.
type Router struct {
	cfg        RouterConfig
	queue      *Queue
	packetizer *Packetizer
	history    *History
	clock      clock.Clock
	start      time.Time
	boot       uint64
	logger     *slog.Logger

	datagrams atomic.Int64
	updates   atomic.Int64
	applied   atomic.Int64
	ignored   atomic.Int64

	mu          sync.Mutex
	subscribers map[net.Conn]struct{}
	updateLn    net.Listener
	ready       chan struct{}
	readyOnce   sync.Once
}

// NewRouter creates an emulated router around q. A nil clk uses the wall
// clock.
func NewRouter(cfg RouterConfig, q *Queue, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Millisecond
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 100 * time.Millisecond
	}

	now := clk.Now()
	// the router counter runs from its own boot, not from the epoch
	boot := uint64(now.UnixNano()/int64(clocksync.TickDuration)) % (1 << 40)
	return &Router{
		cfg:         cfg,
		queue:       q,
		packetizer:  &Packetizer{QueueID: q.cfg.QueueID, MaxEvents: cfg.MaxEvents},
		history:     NewHistory(cfg.HistorySize),
		clock:       clk,
		start:       now,
		boot:        boot,
		logger:      logi.GetLogger().With("queue", q.cfg.QueueID),
		subscribers: map[net.Conn]struct{}{},
		ready:       make(chan struct{}),
	}
}

func (r *Router) Queue() *Queue { return r.queue }

func (r *Router) History() *History { return r.history }

func (r *Router) Stats() Stats {
	return Stats{
		Datagrams:       r.datagrams.Load(),
		UpdateRecords:   r.updates.Load(),
		CommandsApplied: r.applied.Load(),
		CommandsIgnored: r.ignored.Load(),
	}
}

// Ticks returns the emulated router tick counter.
func (r *Router) Ticks() uint64 {
	return r.boot + uint64(r.clock.Since(r.start)/clocksync.TickDuration)
}

// UpdateReady is closed once the UpdateInfo listener is open.
func (r *Router) UpdateReady() <-chan struct{} {
	return r.ready
}

// UpdateAddr returns the UpdateInfo listening address, or nil before ready.
func (r *Router) UpdateAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateLn == nil {
		return nil
	}
	return r.updateLn.Addr()
}

// Run emulates the router until ctx ends.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("Router emulator starting",
		"capture_addr", r.cfg.CaptureAddr,
		"update_addr", r.cfg.UpdateListenAddr,
		"router_command_addr", r.cfg.RouterCommandAddr,
		"generator_command_addr", r.cfg.GeneratorCommandAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.captureLoop(ctx) })
	if r.cfg.UpdateListenAddr != "" {
		g.Go(func() error { return r.updateLoop(ctx) })
	}
	if r.cfg.RouterCommandAddr != "" {
		g.Go(func() error { return r.commandLoop(ctx, command.PeerRouter, r.cfg.RouterCommandAddr) })
	}
	if r.cfg.GeneratorCommandAddr != "" {
		g.Go(func() error { return r.commandLoop(ctx, command.PeerGenerator, r.cfg.GeneratorCommandAddr) })
	}
	return g.Wait()
}

func (r *Router) captureLoop(ctx context.Context) error {
	backoff := retry.New(r.cfg.InitialBackoff, r.cfg.MaxBackoff)
	ticker := r.clock.Ticker(r.cfg.Interval)
	defer ticker.Stop()

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	last := r.Ticks()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		now := r.Ticks()
		events := r.queue.Step(last, now)
		last = now

		datagrams, err := r.packetizer.Build(now, r.queue.State(), events)
		if err != nil {
			r.logger.Error("Error building capture datagrams", "error", err)
			continue
		}

		if conn == nil {
			var d net.Dialer
			if conn, err = d.DialContext(ctx, "udp", r.cfg.CaptureAddr); err != nil {
				conn = nil
				r.logger.Warn("Error opening capture socket", "error", err)
				if !backoff.Wait(ctx) {
					return nil
				}
				continue
			}
			backoff.Reset()
		}

		for _, b := range datagrams {
			if _, err := conn.Write(b); err != nil {
				// nobody listening yet shows up as a refused write on the next send
				r.logger.Debug("Error sending capture datagram", "error", err)
				conn.Close()
				conn = nil
				break
			}
			r.datagrams.Add(1)
		}
	}
}

func (r *Router) updateLoop(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.cfg.UpdateListenAddr)
	if err != nil {
		r.logger.Error("Error listening for UpdateInfo subscribers", "error", err)
		return err
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	r.mu.Lock()
	r.updateLn = ln
	r.mu.Unlock()
	r.readyOnce.Do(func() { close(r.ready) })

	go r.acceptSubscribers(ln)

	ticker := r.clock.Ticker(r.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.dropSubscribers()
			return nil
		case <-ticker.C:
			r.publishUpdate()
		}
	}
}

func (r *Router) acceptSubscribers(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		r.logger.Info("UpdateInfo subscriber connected", "remote_addr", conn.RemoteAddr().String())
		r.mu.Lock()
		r.subscribers[conn] = struct{}{}
		r.mu.Unlock()
	}
}

func (r *Router) dropSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.subscribers {
		conn.Close()
		delete(r.subscribers, conn)
	}
}

// publishUpdate sends one UpdateInfo record to every subscriber and records
// it in the history.
func (r *Router) publishUpdate() {
	ticks := r.Ticks()
	counters := r.queue.TakeCounters()
	state := r.queue.State()

	us := int64(ticks) * int64(clocksync.TickDuration) / int64(time.Microsecond)
	u := capture.UpdateInfo{
		Seconds:        int32(us / 1_000_000),
		Micros:         int32(us % 1_000_000),
		ArrivedBytes:   int32(counters.ArrivedBytes),
		DepartedBytes:  int32(counters.DepartedBytes),
		OccupancyBytes: int32(state.OccupancyBytes),
	}
	r.history.Add(HistoryRow{
		Timestamp:      r.clock.Now().Unix(),
		QueueID:        state.QueueID,
		OccupancyBytes: state.OccupancyBytes,
		ArrivedBytes:   counters.ArrivedBytes,
		DepartedBytes:  counters.DepartedBytes,
		DroppedBytes:   counters.DroppedBytes,
		RateBps:        state.RateBps,
		BufferPackets:  state.BufferPackets,
		NumFlows:       state.NumFlows,
		TargetBps:      state.TargetBps,
	})

	b := capture.AppendUpdateInfo(nil, u)
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.subscribers {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.Write(b); err != nil {
			r.logger.Warn("UpdateInfo subscriber dropped", "remote_addr", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			delete(r.subscribers, conn)
			continue
		}
		r.updates.Add(1)
	}
}

// commandLoop keeps a connection to the controller's command port for peer
// and applies every frame read from it.
func (r *Router) commandLoop(ctx context.Context, peer command.Peer, addr string) error {
	backoff := retry.New(r.cfg.InitialBackoff, r.cfg.MaxBackoff)
	logger := r.logger.With("peer", peer.String(), "command_addr", addr)

	for {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Debug("Controller command port not reachable", "attempt", backoff.Attempts()+1, "error", err)
			if !backoff.Wait(ctx) {
				return nil
			}
			continue
		}
		backoff.Reset()
		logger.Info("Connected to controller command port")

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		for {
			f, err := command.ReadFrame(conn, peer)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Command connection lost", "error", err)
				}
				break
			}
			if r.queue.Apply(peer, f) {
				r.applied.Add(1)
				logger.Info("Command applied", "opcode", command.OpName(peer, f.Op), "value", f.Value)
			} else {
				r.ignored.Add(1)
				logger.Warn("Command ignored", "opcode", command.OpName(peer, f.Op), "queue", f.Queue, "value", f.Value)
			}
		}
		stop()
		conn.Close()

		if !backoff.Wait(ctx) {
			return nil
		}
	}
}
