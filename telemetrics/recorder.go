package telemetrics

import "sync"

// Recorder is an in-memory Sink that keeps every sample it receives.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
}

func (r *Recorder) Emit(sample Sample) {
	r.mu.Lock()
	r.samples = append(r.samples, sample)
	r.mu.Unlock()
}

// Samples returns a copy of the recorded samples, optionally filtered by series.
func (r *Recorder) Samples(series ...Series) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Sample, 0, len(r.samples))
	for _, s := range r.samples {
		if len(series) == 0 || containsSeries(series, s.Series) {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops all recorded samples.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.samples = nil
	r.mu.Unlock()
}

func containsSeries(set []Series, s Series) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
