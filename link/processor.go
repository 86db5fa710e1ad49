package link

import (
	"github.com/yaron8/buffer-sizing/capture"
)

// Processor applies decoded telemetry to a link. Ordering is checked once per
// datagram or update record; anything older than the last applied tick is a
// normal consequence of UDP reordering and is dropped without error.
type Processor struct {
	link    *Link
	decoder capture.Decoder
}

func NewProcessor(l *Link) *Processor {
	return &Processor{
		link:    l,
		decoder: capture.Decoder{QueueID: l.queueID, Mode: l.mode},
	}
}

// Link returns the link this processor feeds.
func (p *Processor) Link() *Link { return p.link }

// Decode decodes a datagram for this link's queue and unit mode.
func (p *Processor) Decode(b []byte) (capture.DecodedCapture, error) {
	return p.decoder.Decode(b)
}

// ApplyCapture applies the events of one datagram, then resyncs occupancy from
// the header snapshot. It reports false for a stale datagram, which leaves the
// link untouched.
func (p *Processor) ApplyCapture(dc capture.DecodedCapture) bool {
	l := p.link
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.clock.Accept(dc.ReferenceTicks) {
		l.metrics.StaleUpdates.WithLabelValues(l.id).Inc()
		l.logger.Debug("Dropping stale capture packet",
			"sequence", dc.Sequence,
			"tick", dc.ReferenceTicks,
			"last_accepted", l.clock.LastAccepted())
		return false
	}

	latest := dc.ReferenceTicks
	for _, ev := range dc.Events {
		units := ev.LengthBytes
		if l.mode == capture.UnitPackets {
			units = 1
		}

		switch ev.Kind {
		case capture.KindArrival:
			l.setOccupancy(ev.TimestampTicks, l.occupancy+units)
		case capture.KindDeparture:
			l.departure(ev.TimestampTicks, units, ev.LengthBytes)
		case capture.KindDrop:
			l.setOccupancy(ev.TimestampTicks, l.occupancy-units)
		default:
			continue
		}
		l.metrics.Events.WithLabelValues(l.id, ev.Kind.String()).Inc()

		if ev.TimestampTicks > latest {
			latest = ev.TimestampTicks
		}
	}

	if snapshot := dc.Occupancy[l.queueID]; snapshot != l.occupancy {
		l.setOccupancy(latest, snapshot)
	}

	l.clock.Advance(dc.ReferenceTicks)
	return true
}

// ApplyUpdate applies one UpdateInfo summary record and refreshes throughput
// at its tick. It reports false for a stale record. The record carries
// occupancy in bytes only, so a packet-counting link keeps the occupancy
// its capture stream reports.
func (p *Processor) ApplyUpdate(u capture.UpdateInfo) bool {
	l := p.link
	l.mu.Lock()
	defer l.mu.Unlock()

	tick := u.RouterTicks()
	if !l.clock.Accept(tick) {
		l.metrics.StaleUpdates.WithLabelValues(l.id).Inc()
		return false
	}

	l.bytesSent += int64(u.DepartedBytes)
	if n := int64(u.OccupancyBytes); l.mode == capture.UnitBytes && n != l.occupancy {
		l.setOccupancy(tick, n)
	}
	l.refresh(tick)

	l.clock.Advance(tick)
	return true
}
