package link

// Status is a point-in-time copy of a link's state.
type Status struct {
	ID                string  `json:"id"`
	QueueID           int     `json:"queue_id"`
	Mode              string  `json:"mode"`
	Rule              string  `json:"rule"`
	RTTMs             int64   `json:"rtt_ms"`
	NumFlows          int     `json:"num_flows"`
	CustomBufferBytes int64   `json:"custom_buffer_bytes"`
	RateRegister      int     `json:"rate_register"`
	RateLimitBps      int64   `json:"rate_limit_bps"`
	BufferBytes       int64   `json:"buffer_bytes"`
	Occupancy         int64   `json:"occupancy"`
	SmoothedBps       float64 `json:"smoothed_bps"`
	Utilization       float64 `json:"utilization"`
	QueueFill         float64 `json:"queue_fill"`
	ClockSynced       bool    `json:"clock_synced"`
	ClockOffsetTicks  int64   `json:"clock_offset_ticks"`
}

// Status takes the link mutex and copies the current state.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Status{
		ID:                l.id,
		QueueID:           l.queueID,
		Mode:              l.mode.String(),
		Rule:              l.rule.String(),
		RTTMs:             l.rttMs,
		NumFlows:          l.numFlows,
		CustomBufferBytes: l.customBufferBytes,
		RateRegister:      l.rateRegister,
		RateLimitBps:      l.rateLimitBps,
		BufferBytes:       l.bufferBytes,
		Occupancy:         l.occupancy,
		SmoothedBps:       l.smoothedBps,
		Utilization:       l.Utilization(),
		QueueFill:         l.QueueFill(),
		ClockSynced:       l.clock.Synced(),
		ClockOffsetTicks:  l.clock.Offset(),
	}
}
