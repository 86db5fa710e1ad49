// Package link models one bottleneck link: the queue occupancy and throughput
// reconstructed from router telemetry, and the buffer and rate policy pushed
// back to the router.
//
// All mutation goes through a single mutex per link. Telemetry goroutines
// reach it through a Processor and policy callers through a Controller.
package link

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/yaron8/buffer-sizing/capture"
	"github.com/yaron8/buffer-sizing/clocksync"
	"github.com/yaron8/buffer-sizing/logi"
	"github.com/yaron8/buffer-sizing/metrics"
	"github.com/yaron8/buffer-sizing/policy"
	"github.com/yaron8/buffer-sizing/ratelimit"
	"github.com/yaron8/buffer-sizing/telemetrics"
)

const ewmaWeight = 0.5

// Config describes a link at attach time.
type Config struct {
	ID                string
	QueueID           int
	Mode              capture.UnitMode
	Rule              policy.Rule
	RTTMs             int64
	NumFlows          int
	CustomBufferBytes int64
	RateRegister      int
}

// Options carries the collaborators of a link. Zero values are usable.
type Options struct {
	Clock   clock.Clock
	Sink    telemetrics.Sink
	Metrics *metrics.Metrics
}

// Link is the mutable state of one bottleneck link.
type Link struct {
	mu sync.Mutex

	id      string
	queueID int
	mode    capture.UnitMode
	clock   *clocksync.ClockSync
	sink    telemetrics.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	occupancy       int64
	bytesSent       int64
	smoothedBps     float64
	lastRefreshTick uint64
	refreshArmed    bool

	rule              policy.Rule
	rttMs             int64
	numFlows          int
	customBufferBytes int64
	rateRegister      int
	rateLimitBps      int64
	// last buffer size decided and pushed; the active size
	bufferBytes int64

	// published for lock-free polling
	utilization atomic.Uint64
	queueFill   atomic.Uint64
}

// New creates a link in its attach-time state. Nothing is pushed to the
// router until the controller resyncs or a policy input changes.
func New(cfg Config, opts Options) (*Link, error) {
	if cfg.ID == "" {
		return nil, errors.New("link id is required")
	}
	if cfg.QueueID < 0 || cfg.QueueID >= capture.NumQueues {
		return nil, fmt.Errorf("link %s: queue index %d out of range", cfg.ID, cfg.QueueID)
	}
	if cfg.RateRegister == 0 {
		cfg.RateRegister = ratelimit.MinRegister
	}
	bps, err := ratelimit.RegisterToBps(cfg.RateRegister)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", cfg.ID, err)
	}
	if opts.Sink == nil {
		opts.Sink = telemetrics.SinkFunc(func(telemetrics.Sample) {})
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}

	l := &Link{
		id:                cfg.ID,
		queueID:           cfg.QueueID,
		mode:              cfg.Mode,
		clock:             clocksync.New(opts.Clock),
		sink:              opts.Sink,
		metrics:           opts.Metrics,
		logger:            logi.GetLogger().With("link", cfg.ID),
		rule:              cfg.Rule,
		rttMs:             cfg.RTTMs,
		numFlows:          cfg.NumFlows,
		customBufferBytes: cfg.CustomBufferBytes,
		rateRegister:      cfg.RateRegister,
		rateLimitBps:      bps,
	}
	l.bufferBytes = l.computeBuffer()
	return l, nil
}

func (l *Link) ID() string { return l.id }

func (l *Link) QueueID() int { return l.queueID }

func (l *Link) Mode() capture.UnitMode { return l.mode }

// SetOccupancy steps the occupancy to n at routerTick.
func (l *Link) SetOccupancy(routerTick uint64, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setOccupancy(routerTick, n)
}

// Arrival adds n to the occupancy.
func (l *Link) Arrival(routerTick uint64, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setOccupancy(routerTick, l.occupancy+n)
}

// Departure removes n from the occupancy and counts it as sent.
func (l *Link) Departure(routerTick uint64, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.departure(routerTick, n, n)
}

// Drop removes n from the occupancy.
func (l *Link) Drop(routerTick uint64, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setOccupancy(routerTick, l.occupancy-n)
}

// Refresh folds the bytes sent since the previous refresh into the smoothed
// throughput and republishes utilization and queue fill.
func (l *Link) Refresh(routerTick uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refresh(routerTick)
}

// RefreshNow refreshes at the router tick matching the local clock. It does
// nothing before the first packet has pinned the clock offset.
func (l *Link) RefreshNow() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.clock.Synced() {
		return
	}
	l.refresh(l.clock.ToRouter(l.clock.NowTicks()))
}

// Reset clears the byte counter and re-arms refresh initialization.
func (l *Link) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytesSent = 0
	l.refreshArmed = false
}

// Utilization returns the last published utilization without locking.
func (l *Link) Utilization() float64 {
	return math.Float64frombits(l.utilization.Load())
}

// QueueFill returns the last published queue fill without locking.
func (l *Link) QueueFill() float64 {
	return math.Float64frombits(l.queueFill.Load())
}

// setOccupancy emits the old and the new value at one timestamp so the
// series is a step, never a ramp.
func (l *Link) setOccupancy(routerTick uint64, n int64) {
	old := l.occupancy
	l.occupancy = n
	l.emitStep(telemetrics.SeriesOccupancy, l.clock.ToLocal(routerTick), float64(old), float64(n))
}

func (l *Link) departure(routerTick uint64, units, bytes int64) {
	l.bytesSent += bytes
	l.setOccupancy(routerTick, l.occupancy-units)
}

func (l *Link) refresh(routerTick uint64) {
	if !l.refreshArmed {
		l.lastRefreshTick = routerTick
		l.bytesSent = 0
		l.refreshArmed = true
		return
	}
	if routerTick < l.lastRefreshTick {
		return
	}

	// +1 keeps a same-tick refresh finite
	elapsed := routerTick - l.lastRefreshTick + 1
	inst := 8 * float64(l.bytesSent) * float64(clocksync.TicksPerSecond) / float64(elapsed)
	l.smoothedBps = ewmaWeight*l.smoothedBps + (1-ewmaWeight)*inst

	l.bytesSent = 0
	l.lastRefreshTick = routerTick

	l.publish()
	l.emit(telemetrics.SeriesThroughput, l.clock.ToLocal(routerTick), l.smoothedBps)
}

func (l *Link) publish() {
	var util, fill float64
	if l.rateLimitBps > 0 {
		util = math.Min(1, l.smoothedBps/float64(l.rateLimitBps))
	}
	if capacity := l.bufferCapacity(); capacity > 0 {
		fill = math.Min(1, float64(l.occupancy)/float64(capacity))
	}

	l.utilization.Store(math.Float64bits(util))
	l.queueFill.Store(math.Float64bits(fill))

	l.metrics.Utilization.WithLabelValues(l.id).Set(util)
	l.metrics.QueueFill.WithLabelValues(l.id).Set(fill)
	l.metrics.Throughput.WithLabelValues(l.id).Set(l.smoothedBps)
}

// bufferCapacity is the active buffer in the unit occupancy is counted in.
func (l *Link) bufferCapacity() int64 {
	if l.mode == capture.UnitPackets {
		return policy.Packets(l.bufferBytes)
	}
	return l.bufferBytes
}

func (l *Link) computeBuffer() int64 {
	return policy.Compute(l.rule, l.rttMs, l.rateLimitBps/1000, l.numFlows, l.customBufferBytes)
}

func (l *Link) sample(series telemetrics.Series, ts int64, v float64) telemetrics.Sample {
	return telemetrics.Sample{
		Timestamp: ts,
		Link:      l.id,
		Series:    series,
		Value:     v,
	}
}

func (l *Link) emit(series telemetrics.Series, ts int64, v float64) {
	l.sink.Emit(l.sample(series, ts, v))
}

// emitStep emits before and after at one timestamp.
func (l *Link) emitStep(series telemetrics.Series, ts int64, before, after float64) {
	b, a := l.sample(series, ts, before), l.sample(series, ts, after)
	if ss, ok := l.sink.(telemetrics.StepSink); ok {
		ss.EmitStep(b, a)
		return
	}
	l.sink.Emit(b)
	l.sink.Emit(a)
}
