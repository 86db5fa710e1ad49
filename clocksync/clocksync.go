// Package clocksync reconciles the router's free-running tick counter with
// local wall-clock time.
//
// The two clocks are never synchronised. The first accepted router tick is
// pinned to the local time it arrived at, and every later tick is mapped by
// the same fixed offset. Only ordering within a session matters.
package clocksync

import (
	"time"

	"github.com/benbjohnson/clock"
)

// TickDuration is the length of one router tick.
const TickDuration = 8 * time.Nanosecond

// TicksPerSecond is the router tick rate.
const TicksPerSecond = int64(time.Second / TickDuration)

// ClockSync maps router ticks of one link to local ticks. It is not safe for
// concurrent use; the owning link serialises access.
type ClockSync struct {
	clock        clock.Clock
	synced       bool
	offset       int64
	lastAccepted uint64
}

// New returns a ClockSync reading local time from clk. A nil clk uses the
// wall clock.
func New(clk clock.Clock) *ClockSync {
	if clk == nil {
		clk = clock.New()
	}
	return &ClockSync{clock: clk}
}

// Accept pins the offset on the first call and reports whether routerTick is
// not older than the last advanced tick. It does not advance.
func (c *ClockSync) Accept(routerTick uint64) bool {
	if !c.synced {
		c.offset = c.NowTicks() - int64(routerTick)
		c.synced = true
	}
	return routerTick >= c.lastAccepted
}

// Advance records routerTick as processed.
func (c *ClockSync) Advance(routerTick uint64) {
	if routerTick > c.lastAccepted {
		c.lastAccepted = routerTick
	}
}

// LastAccepted returns the newest processed router tick.
func (c *ClockSync) LastAccepted() uint64 {
	return c.lastAccepted
}

// Synced reports whether the offset has been pinned.
func (c *ClockSync) Synced() bool {
	return c.synced
}

// Offset returns the local-minus-router offset in ticks.
func (c *ClockSync) Offset() int64 {
	return c.offset
}

// ToLocal maps a router tick to a local tick.
func (c *ClockSync) ToLocal(routerTick uint64) int64 {
	return int64(routerTick) + c.offset
}

// ToRouter maps a local tick back to a router tick, saturating at zero.
func (c *ClockSync) ToRouter(localTick int64) uint64 {
	t := localTick - c.offset
	if t < 0 {
		return 0
	}
	return uint64(t)
}

// NowTicks returns the local clock in ticks since the Unix epoch.
func (c *ClockSync) NowTicks() int64 {
	return c.clock.Now().UnixNano() / int64(TickDuration)
}

// Clock returns the local clock source.
func (c *ClockSync) Clock() clock.Clock {
	return c.clock
}
