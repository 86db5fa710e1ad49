package emulator

import (
	"fmt"

	"github.com/yaron8/buffer-sizing/capture"
)

// DefaultMaxEvents keeps a datagram well under a typical MTU.
const DefaultMaxEvents = 200

// Packetizer turns queue events into event-capture datagrams.
type Packetizer struct {
	QueueID   int
	MaxEvents int

	seq int32
}

// Build encodes events into as many datagrams as needed. Each datagram is
// stamped with the tick of its first event and carries the occupancy after
// its last event. With no events a single heartbeat datagram stamped at and
// carrying state's occupancy is produced, so the receiver keeps resyncing.
func (p *Packetizer) Build(at uint64, state State, events []Event) ([][]byte, error) {
	limit := p.MaxEvents
	if limit <= 0 || limit > 0xFF {
		limit = DefaultMaxEvents
	}

	if len(events) == 0 {
		enc := capture.NewEncoder(p.next(), at)
		enc.SetQueue(p.QueueID, state.OccupancyBytes, uint32(state.OccupancyPackets))
		return [][]byte{enc.Bytes()}, nil
	}

	var out [][]byte
	for start := 0; start < len(events); start += limit {
		end := start + limit
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		enc := capture.NewEncoder(p.next(), chunk[0].TimestampTicks)
		for _, ev := range chunk {
			if err := enc.AddEvent(ev.CaptureEvent); err != nil {
				return nil, fmt.Errorf("encode %s event: %w", ev.Kind, err)
			}
		}
		last := chunk[len(chunk)-1]
		enc.SetQueue(p.QueueID, last.OccupancyBytes, uint32(last.OccupancyPackets))
		out = append(out, enc.Bytes())
	}
	return out, nil
}

func (p *Packetizer) next() int32 {
	p.seq++
	return p.seq
}
