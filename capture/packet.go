// Package capture decodes the event-capture datagrams emitted by the router
// hardware and the lower-rate UpdateInfo summary stream.
package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the fixed size of the datagram header; records follow it.
	HeaderLen = 78

	// NumQueues is the number of queue slots carried in every header.
	NumQueues = 8

	queueSlotsOffset = 6
	queueSlotLen     = 8
	timestampOffset  = 70

	shortRecordLen     = 4
	timestampRecordLen = 8

	queueIDMask = 0x38000000
	lengthMask  = 0x07F80000
	low19Mask   = 0x0007FFFF

	// framing overhead stripped from the encoded length field
	framingOverhead = 8
)

// ErrMalformedPacket is returned when a datagram is too short to hold a header.
var ErrMalformedPacket = errors.New("malformed capture packet")

// EventKind is the 2-bit record type of a capture record.
type EventKind uint8

const (
	KindTimestamp EventKind = iota
	KindArrival
	KindDeparture
	KindDrop
)

func (k EventKind) String() string {
	switch k {
	case KindTimestamp:
		return "timestamp"
	case KindArrival:
		return "arrival"
	case KindDeparture:
		return "departure"
	case KindDrop:
		return "drop"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// UnitMode selects which header subfield carries the queue occupancy.
type UnitMode int

const (
	// UnitBytes reads the first subfield, counted in 8-byte words.
	UnitBytes UnitMode = iota
	// UnitPackets reads the second subfield as a packet count.
	UnitPackets
)

func (m UnitMode) String() string {
	if m == UnitPackets {
		return "packets"
	}
	return "bytes"
}

// ParseUnitMode accepts "bytes" (or empty) and "packets".
func ParseUnitMode(s string) (UnitMode, error) {
	switch s {
	case "", "bytes":
		return UnitBytes, nil
	case "packets":
		return UnitPackets, nil
	default:
		return UnitBytes, fmt.Errorf("unknown unit mode %q", s)
	}
}

// CaptureEvent is one decoded record for the monitored queue.
type CaptureEvent struct {
	Kind           EventKind
	QueueID        int
	LengthBytes    int64
	TimestampTicks uint64
}

// DecodedCapture is everything recovered from one datagram.
type DecodedCapture struct {
	Sequence       int32
	EventCount     uint8
	Occupancy      [NumQueues]int64
	ReferenceTicks uint64
	Events         []CaptureEvent
	// Truncated is set when the record scan stopped inside a record.
	Truncated bool
}

// Decoder decodes datagrams for a single monitored queue.
type Decoder struct {
	QueueID int
	Mode    UnitMode
}

// Decode parses one datagram. Only a datagram shorter than the header is an
// error; a record cut short ends the scan and the events decoded so far are
// returned with Truncated set.
func (d Decoder) Decode(b []byte) (DecodedCapture, error) {
	var dc DecodedCapture
	if len(b) < HeaderLen {
		return dc, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedPacket, len(b), HeaderLen)
	}

	dc.EventCount = b[1]
	dc.Sequence = int32(binary.BigEndian.Uint32(b[2:6]))

	for i := 0; i < NumQueues; i++ {
		slot := b[queueSlotsOffset+queueSlotLen*i:]
		if d.Mode == UnitPackets {
			dc.Occupancy[i] = int64(binary.BigEndian.Uint32(slot[4:8]))
		} else {
			dc.Occupancy[i] = int64(binary.BigEndian.Uint32(slot[0:4])) * 8
		}
	}

	dc.ReferenceTicks = readTimestamp(b[timestampOffset:])
	ref := dc.ReferenceTicks

	off := HeaderLen
	for len(b)-off >= shortRecordLen {
		kind := EventKind((b[off] & 0xC0) >> 6)

		if kind == KindTimestamp {
			if len(b)-off < timestampRecordLen {
				dc.Truncated = true
				break
			}
			ref = readTimestamp(b[off:])
			off += timestampRecordLen
			continue
		}

		v := binary.BigEndian.Uint32(b[off:])
		off += shortRecordLen

		ref = (ref &^ low19Mask) | uint64(v&low19Mask)
		queue := int((v & queueIDMask) >> 27)
		if queue != d.QueueID {
			continue
		}

		lenField := int64((v & lengthMask) >> 19)
		dc.Events = append(dc.Events, CaptureEvent{
			Kind:           kind,
			QueueID:        queue,
			LengthBytes:    lenField*8 - framingOverhead,
			TimestampTicks: ref,
		})
	}

	if off < len(b) && !dc.Truncated {
		// 1-3 trailing bytes cannot hold a record
		dc.Truncated = true
	}

	return dc, nil
}

func readTimestamp(b []byte) uint64 {
	hi := uint64(binary.BigEndian.Uint32(b[0:4]))
	lo := uint64(binary.BigEndian.Uint32(b[4:8]))
	return hi<<32 | lo
}
