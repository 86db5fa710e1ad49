// Package emulator imitates the router and traffic generator of the testbed:
// one rate-limited output queue fed by synthetic traffic, reported through
// event-capture datagrams and the UpdateInfo stream, and steered by command
// frames.
package emulator

import (
	"math"
	"math/rand"
	"sync"

	"github.com/yaron8/buffer-sizing/capture"
	"github.com/yaron8/buffer-sizing/clocksync"
	"github.com/yaron8/buffer-sizing/command"
	"github.com/yaron8/buffer-sizing/ratelimit"
)

// QueueConfig is the initial state of the emulated queue.
type QueueConfig struct {
	QueueID       int
	PacketBytes   int64
	RateRegister  int
	BufferPackets int64
	NumFlows      int
	TargetBps     int64
	Seed          int64
}

// Event is a capture event with the queue state right after it.
type Event struct {
	capture.CaptureEvent
	OccupancyBytes   int64
	OccupancyPackets int64
}

// Counters accumulate since the last TakeCounters call.
type Counters struct {
	ArrivedBytes  int64
	DepartedBytes int64
	DroppedBytes  int64
}

// State is a copy of the queue's settings and occupancy.
type State struct {
	QueueID          int   `json:"queue_id"`
	RateRegister     int   `json:"rate_register"`
	RateBps          int64 `json:"rate_bps"`
	BufferPackets    int64 `json:"buffer_packets"`
	NumFlows         int   `json:"num_flows"`
	TargetBps        int64 `json:"target_bps"`
	OccupancyBytes   int64 `json:"occupancy_bytes"`
	OccupancyPackets int64 `json:"occupancy_packets"`
}

// Queue is a single FIFO drained at the rate-limiter rate. Arrivals are
// spread evenly over each step with a per-step load jitter that shrinks as
// the flow count grows.
type Queue struct {
	mu sync.Mutex

	cfg           QueueConfig
	register      int
	rateBps       int64
	bufferPackets int64
	numFlows      int
	targetBps     int64

	occupancyPackets int64
	nextDeparture    uint64
	carry            float64
	counters         Counters
	rng              *rand.Rand
}

func NewQueue(cfg QueueConfig) *Queue {
	if cfg.PacketBytes <= 0 {
		cfg.PacketBytes = 1496
	}
	if !ratelimit.Valid(cfg.RateRegister) {
		cfg.RateRegister = ratelimit.MinRegister
	}
	if cfg.NumFlows < 1 {
		cfg.NumFlows = 1
	}
	rate, _ := ratelimit.RegisterToBps(cfg.RateRegister)

	return &Queue{
		cfg:           cfg,
		register:      cfg.RateRegister,
		rateBps:       rate,
		bufferPackets: cfg.BufferPackets,
		numFlows:      cfg.NumFlows,
		targetBps:     cfg.TargetBps,
		rng:           rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Step advances the queue from tick from to tick to and returns the events
// in time order. An arrival to a full buffer is reported as an arrival
// followed by a drop at the same tick.
func (q *Queue) Step(from, to uint64) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if to <= from {
		return nil
	}
	serviceTicks := uint64(math.Ceil(float64(q.cfg.PacketBytes*8) * float64(clocksync.TicksPerSecond) / float64(q.rateBps)))
	if q.nextDeparture < from && q.occupancyPackets > 0 {
		q.nextDeparture = from
	}

	offered := q.offeredBytes(to-from) + q.carry
	arrivals := int64(offered / float64(q.cfg.PacketBytes))
	q.carry = offered - float64(arrivals*q.cfg.PacketBytes)

	var events []Event
	for i := int64(0); i < arrivals; i++ {
		at := from + uint64(float64(to-from)*float64(i)/float64(arrivals))
		events = q.departUntil(events, at, serviceTicks)

		events = q.record(events, capture.KindArrival, at)
		if q.bufferPackets > 0 && q.occupancyPackets >= q.bufferPackets {
			events = q.record(events, capture.KindDrop, at)
			continue
		}
		if q.occupancyPackets == 0 {
			q.nextDeparture = at + serviceTicks
		}
		q.occupancyPackets++
	}
	return q.departUntil(events, to, serviceTicks)
}

func (q *Queue) departUntil(events []Event, until, serviceTicks uint64) []Event {
	for q.occupancyPackets > 0 && q.nextDeparture <= until {
		q.occupancyPackets--
		events = q.record(events, capture.KindDeparture, q.nextDeparture)
		q.nextDeparture += serviceTicks
	}
	return events
}

// record stamps an event and updates the counters. Occupancy for arrivals
// and drops is counted by the caller.
func (q *Queue) record(events []Event, kind capture.EventKind, at uint64) []Event {
	size := q.cfg.PacketBytes
	occ := q.occupancyPackets
	switch kind {
	case capture.KindArrival:
		q.counters.ArrivedBytes += size
		occ++
	case capture.KindDrop:
		q.counters.DroppedBytes += size
	case capture.KindDeparture:
		q.counters.DepartedBytes += size
	}

	return append(events, Event{
		CaptureEvent: capture.CaptureEvent{
			Kind:           kind,
			QueueID:        q.cfg.QueueID,
			LengthBytes:    size,
			TimestampTicks: at,
		},
		OccupancyBytes:   occ * size,
		OccupancyPackets: occ,
	})
}

func (q *Queue) offeredBytes(ticks uint64) float64 {
	if q.targetBps <= 0 {
		return 0
	}
	seconds := float64(ticks) / float64(clocksync.TicksPerSecond)
	jitter := 1 + 0.5*q.rng.NormFloat64()/math.Sqrt(float64(q.numFlows))
	if jitter < 0 {
		jitter = 0
	}
	return float64(q.targetBps) * seconds / 8 * jitter
}

// Apply executes one command frame received from the controller. It reports
// whether the frame was understood.
func (q *Queue) Apply(peer command.Peer, f command.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch peer {
	case command.PeerRouter:
		if int(f.Queue) != q.cfg.QueueID {
			return false
		}
		switch f.Op {
		case command.OpSetRate:
			rate, err := ratelimit.RegisterToBps(int(f.Value))
			if err != nil {
				return false
			}
			q.register = int(f.Value)
			q.rateBps = rate
			return true
		case command.OpSetBufferSize:
			if f.Value < 0 {
				return false
			}
			q.bufferPackets = int64(f.Value)
			return true
		}
	case command.PeerGenerator:
		switch f.Op {
		case command.OpSetNumFlows:
			if f.Value < 1 {
				return false
			}
			q.numFlows = int(f.Value)
			return true
		case command.OpSetTargetBps:
			if f.Value < 0 {
				return false
			}
			q.targetBps = int64(f.Value)
			return true
		}
	}
	return false
}

// TakeCounters returns and clears the byte counters.
func (q *Queue) TakeCounters() Counters {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := q.counters
	q.counters = Counters{}
	return c
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{
		QueueID:          q.cfg.QueueID,
		RateRegister:     q.register,
		RateBps:          q.rateBps,
		BufferPackets:    q.bufferPackets,
		NumFlows:         q.numFlows,
		TargetBps:        q.targetBps,
		OccupancyBytes:   q.occupancyPackets * q.cfg.PacketBytes,
		OccupancyPackets: q.occupancyPackets,
	}
}
