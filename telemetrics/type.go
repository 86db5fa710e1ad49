package telemetrics

// Series names a time series produced for a link.
type Series string

const (
	SeriesOccupancy  Series = "occupancy"
	SeriesThroughput Series = "throughput"
	SeriesBufferSize Series = "buffer_size"
	SeriesRateLimit  Series = "rate_limit"
)

// Sample is one point of a link time series. Timestamp is in local 8ns ticks.
type Sample struct {
	Timestamp int64   `json:"timestamp"`
	Link      string  `json:"link,omitempty"`
	Series    Series  `json:"series,omitempty"`
	Value     float64 `json:"value"`
}

// Sink receives samples as they are produced. Emit is called with the link
// mutex held, so implementations must not block.
type Sink interface {
	Emit(sample Sample)
}

// StepSink is a Sink that keeps the two samples of a step together: it
// stores both or neither.
type StepSink interface {
	Sink
	EmitStep(before, after Sample)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(sample Sample)

func (f SinkFunc) Emit(sample Sample) { f(sample) }

// GetSeries returns every series a link produces.
func GetSeries() []Series {
	return []Series{
		SeriesOccupancy,
		SeriesThroughput,
		SeriesBufferSize,
		SeriesRateLimit}
}

// ParseSeries reports whether name is a known series.
func ParseSeries(name string) (Series, bool) {
	for _, s := range GetSeries() {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}
