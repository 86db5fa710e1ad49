package capture

import (
	"encoding/binary"
	"fmt"
)

const maxLengthField = 0xFF

// Encoder builds event-capture datagrams in the router's wire layout. The
// router emulator and the decoder tests use it to produce synthetic traffic.
type Encoder struct {
	header  [HeaderLen]byte
	records []byte
	rolling uint64
	events  int
}

// NewEncoder starts a datagram with the given sequence number and header
// reference timestamp.
func NewEncoder(seq int32, referenceTicks uint64) *Encoder {
	e := &Encoder{rolling: referenceTicks}
	binary.BigEndian.PutUint32(e.header[2:6], uint32(seq))
	putTimestamp(e.header[timestampOffset:], referenceTicks)
	return e
}

// SetQueue writes the header slot for queue: occupancyBytes goes to the first
// subfield in 8-byte words, packets to the second.
func (e *Encoder) SetQueue(queue int, occupancyBytes int64, packets uint32) {
	if queue < 0 || queue >= NumQueues {
		return
	}
	slot := e.header[queueSlotsOffset+queueSlotLen*queue:]
	binary.BigEndian.PutUint32(slot[0:4], uint32(occupancyBytes/8))
	binary.BigEndian.PutUint32(slot[4:8], packets)
}

// AddTimestamp appends a full timestamp record and makes it the rolling
// reference for following events.
func (e *Encoder) AddTimestamp(ticks uint64) {
	// the type bits of a timestamp record are zero
	ticks &= 1<<62 - 1

	var rec [timestampRecordLen]byte
	putTimestamp(rec[:], ticks)
	e.records = append(e.records, rec[:]...)
	e.rolling = ticks
}

// AddEvent appends a short record. A timestamp record is inserted first when
// the event's upper timestamp bits differ from the rolling reference, so the
// decoder can always reconstruct the full value.
func (e *Encoder) AddEvent(ev CaptureEvent) error {
	if ev.Kind == KindTimestamp {
		e.AddTimestamp(ev.TimestampTicks)
		return nil
	}
	if ev.QueueID < 0 || ev.QueueID >= NumQueues {
		return fmt.Errorf("queue id %d out of range", ev.QueueID)
	}
	if ev.LengthBytes < 0 || (ev.LengthBytes+framingOverhead)%8 != 0 {
		return fmt.Errorf("length %d is not encodable", ev.LengthBytes)
	}
	lenField := (ev.LengthBytes + framingOverhead) / 8
	if lenField > maxLengthField {
		return fmt.Errorf("length %d exceeds record limit", ev.LengthBytes)
	}

	if ev.TimestampTicks&^low19Mask != e.rolling&^low19Mask {
		e.AddTimestamp(ev.TimestampTicks)
	}

	v := uint32(ev.Kind)<<30 |
		uint32(ev.QueueID)<<27 |
		uint32(lenField)<<19 |
		uint32(ev.TimestampTicks&low19Mask)

	var rec [shortRecordLen]byte
	binary.BigEndian.PutUint32(rec[:], v)
	e.records = append(e.records, rec[:]...)
	e.rolling = ev.TimestampTicks
	e.events++
	return nil
}

// Bytes returns the finished datagram.
func (e *Encoder) Bytes() []byte {
	count := e.events
	if count > 0xFF {
		count = 0xFF
	}
	e.header[1] = byte(count)

	out := make([]byte, 0, HeaderLen+len(e.records))
	out = append(out, e.header[:]...)
	return append(out, e.records...)
}

func putTimestamp(b []byte, ticks uint64) {
	binary.BigEndian.PutUint32(b[0:4], uint32(ticks>>32))
	binary.BigEndian.PutUint32(b[4:8], uint32(ticks))
}
