package link

import (
	"errors"
	"fmt"
	"math"

	"github.com/yaron8/buffer-sizing/command"
	"github.com/yaron8/buffer-sizing/policy"
	"github.com/yaron8/buffer-sizing/ratelimit"
	"github.com/yaron8/buffer-sizing/telemetrics"
)

var (
	ErrInvalidInput = errors.New("invalid policy input")
	ErrNoGenerator  = errors.New("no traffic generator attached")
)

// Sender delivers command frames to one peer.
type Sender interface {
	Send(f command.Frame) error
}

// Controller applies policy inputs to a link and pushes the resulting
// buffer size and rate register to the router. A command is sent only when
// the effective value changes, so repeating an input is a no-op.
type Controller struct {
	link      *Link
	router    Sender
	generator Sender
}

// NewController wires a link to its router and, optionally, its traffic
// generator. Either sender may be nil.
func NewController(l *Link, router, generator Sender) *Controller {
	return &Controller{link: l, router: router, generator: generator}
}

func (c *Controller) Link() *Link { return c.link }

func (c *Controller) SetRule(rule policy.Rule) error {
	switch rule {
	case policy.RuleOfThumb, policy.FlowSensitive, policy.Custom:
	default:
		return fmt.Errorf("%w: rule %d", ErrInvalidInput, int(rule))
	}

	l := c.link
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rule = rule
	c.recomputeBuffer()
	return nil
}

func (c *Controller) SetRTT(rttMs int64) error {
	if rttMs < 0 {
		return fmt.Errorf("%w: rtt %d ms", ErrInvalidInput, rttMs)
	}

	l := c.link
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rttMs = rttMs
	c.recomputeBuffer()
	return nil
}

// SetNumFlows updates the flow count used by the flow-sensitive rule and
// tells the traffic generator to run that many flows.
func (c *Controller) SetNumFlows(n int) error {
	if n < 1 || n > math.MaxInt32 {
		return fmt.Errorf("%w: %d flows", ErrInvalidInput, n)
	}

	l := c.link
	l.mu.Lock()
	defer l.mu.Unlock()
	if n == l.numFlows {
		return nil
	}
	l.numFlows = n
	if c.generator != nil {
		c.send(c.generator, command.PeerGenerator, command.Frame{Op: command.OpSetNumFlows, Value: int32(n)})
	}
	c.recomputeBuffer()
	return nil
}

func (c *Controller) SetCustomBuffer(bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("%w: buffer %d bytes", ErrInvalidInput, bytes)
	}

	l := c.link
	l.mu.Lock()
	defer l.mu.Unlock()
	l.customBufferBytes = bytes
	c.recomputeBuffer()
	return nil
}

// SetRateLimit picks the register for kbps and applies it. The link then
// runs at the register's achievable rate, not at the requested one.
func (c *Controller) SetRateLimit(kbps int64) error {
	if kbps <= 0 || kbps > math.MaxInt64/1000 {
		return fmt.Errorf("%w: rate %d kbps", ErrInvalidInput, kbps)
	}
	return c.SetRateRegister(ratelimit.BpsToRegister(kbps * 1000))
}

// SetRateRegister applies reg directly. Out-of-range registers are rejected
// without any state change.
func (c *Controller) SetRateRegister(reg int) error {
	bps, err := ratelimit.RegisterToBps(reg)
	if err != nil {
		c.link.logger.Warn("Ignoring rate limiter register", "register", reg, "error", err)
		return err
	}

	l := c.link
	l.mu.Lock()
	defer l.mu.Unlock()
	if reg == l.rateRegister {
		return nil
	}

	old := l.rateLimitBps
	l.rateRegister = reg
	l.rateLimitBps = bps
	c.recomputeBuffer()
	c.sendRouter(command.OpSetRate, int32(reg))

	l.emitStep(telemetrics.SeriesRateLimit, l.clock.NowTicks(), float64(old), float64(bps))

	l.logger.Info("Rate limit changed", "register", reg, "rate_bps", bps, "previous_bps", old)
	return nil
}

// SetTargetRate asks the traffic generator to offer bps of load.
func (c *Controller) SetTargetRate(bps int64) error {
	if bps <= 0 || bps > math.MaxInt32 {
		return fmt.Errorf("%w: target %d bps", ErrInvalidInput, bps)
	}
	if c.generator == nil {
		return ErrNoGenerator
	}

	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	return c.send(c.generator, command.PeerGenerator, command.Frame{Op: command.OpSetTargetBps, Value: int32(bps)})
}

// ResyncRouter pushes the current register and buffer size regardless of
// what was pushed before. It runs whenever the router (re)connects.
func (c *Controller) ResyncRouter() {
	l := c.link
	l.mu.Lock()
	defer l.mu.Unlock()
	c.sendRouter(command.OpSetRate, int32(l.rateRegister))
	c.sendRouter(command.OpSetBufferSize, int32(policy.Packets(l.bufferBytes)))
}

// ResyncGenerator pushes the current flow count to the traffic generator.
func (c *Controller) ResyncGenerator() {
	if c.generator == nil {
		return
	}
	l := c.link
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.numFlows > 0 {
		c.send(c.generator, command.PeerGenerator, command.Frame{Op: command.OpSetNumFlows, Value: int32(l.numFlows)})
	}
}

// recomputeBuffer must run with the link mutex held.
func (c *Controller) recomputeBuffer() {
	l := c.link
	size := l.computeBuffer()
	if size == l.bufferBytes {
		return
	}

	old := l.bufferBytes
	l.bufferBytes = size
	l.emitStep(telemetrics.SeriesBufferSize, l.clock.NowTicks(), float64(old), float64(size))

	c.sendRouter(command.OpSetBufferSize, int32(policy.Packets(size)))
	l.logger.Info("Buffer size changed", "rule", l.rule.String(), "buffer_bytes", size, "previous_bytes", old)
}

func (c *Controller) sendRouter(op command.Opcode, value int32) {
	if c.router == nil {
		return
	}
	c.send(c.router, command.PeerRouter, command.Frame{Op: op, Queue: uint8(c.link.queueID), Value: value})
}

// send logs delivery failures. Policy setters ignore the returned error: the
// link state stays authoritative and the peer is resynced when it reconnects.
func (c *Controller) send(s Sender, peer command.Peer, f command.Frame) error {
	err := s.Send(f)
	if err != nil {
		c.link.logger.Warn("Command not delivered",
			"peer", peer.String(),
			"opcode", command.OpName(peer, f.Op),
			"value", f.Value,
			"error", err)
	}
	return err
}
