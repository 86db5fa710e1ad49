package emulator

import "sync"

const defaultHistorySize = 100

// HistoryRow is one UpdateInfo interval as seen by the emulator.
type HistoryRow struct {
	Timestamp      int64
	QueueID        int
	OccupancyBytes int64
	ArrivedBytes   int64
	DepartedBytes  int64
	DroppedBytes   int64
	RateBps        int64
	BufferPackets  int64
	NumFlows       int
	TargetBps      int64
}

// History keeps the most recent rows, oldest first.
type History struct {
	mu      sync.RWMutex
	rows    []HistoryRow
	size    int
	version uint64
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &History{size: size}
}

func (h *History) Add(row HistoryRow) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows = append(h.rows, row)
	if len(h.rows) > h.size {
		h.rows = append(h.rows[:0], h.rows[len(h.rows)-h.size:]...)
	}
	h.version++
}

// Rows returns a copy of the rows and the version they were taken at. The
// version changes on every Add.
func (h *History) Rows() ([]HistoryRow, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HistoryRow, len(h.rows))
	copy(out, h.rows)
	return out, h.version
}
