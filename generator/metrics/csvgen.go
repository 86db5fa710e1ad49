package metrics

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/yaron8/buffer-sizing/generator/emulator"
)

var csvHeader = []string{
	"timestamp",
	"queue",
	"occupancy_bytes",
	"arrived_bytes",
	"departed_bytes",
	"dropped_bytes",
	"rate_bps",
	"buffer_packets",
	"num_flows",
	"target_bps",
}

// HistorySource is the emulator history the counters are rendered from.
type HistorySource interface {
	Rows() ([]emulator.HistoryRow, uint64)
}

type CSVCountersResponse struct {
	CSVData          string
	ETag             string
	HTTPResponseCode int
}

// CSVCounters renders the emulator's per-interval counters as CSV. A
// snapshot is reused for cacheTTL.
type CSVCounters struct {
	source HistorySource

	mu                      sync.RWMutex
	snapshot                string
	snapshotETag            string
	snapshotLastTimeUpdated time.Time
	snapshotTTL             time.Duration
}

func NewCSVCounters(source HistorySource, snapshotTTL time.Duration) *CSVCounters {
	return &CSVCounters{
		source:      source,
		snapshotTTL: snapshotTTL,
	}
}

// GetCSVCounters returns the current snapshot. When ifNoneMatch equals the
// snapshot's ETag the body is left empty and the code is 304.
func (cc *CSVCounters) GetCSVCounters(ifNoneMatch string) (CSVCountersResponse, error) {
	data, etag, err := cc.current()
	if err != nil {
		return CSVCountersResponse{}, err
	}

	if ifNoneMatch != "" && ifNoneMatch == etag {
		return CSVCountersResponse{ETag: etag, HTTPResponseCode: http.StatusNotModified}, nil
	}
	return CSVCountersResponse{CSVData: data, ETag: etag, HTTPResponseCode: http.StatusOK}, nil
}

func (cc *CSVCounters) current() (string, string, error) {
	cc.mu.RLock()
	if cc.fresh() {
		data, etag := cc.snapshot, cc.snapshotETag
		cc.mu.RUnlock()
		return data, etag, nil
	}
	cc.mu.RUnlock()

	cc.mu.Lock()
	defer cc.mu.Unlock()

	// another goroutine may have refreshed it meanwhile
	if cc.fresh() {
		return cc.snapshot, cc.snapshotETag, nil
	}

	rows, version := cc.source.Rows()
	data, err := renderCSV(rows)
	if err != nil {
		return "", "", err
	}

	cc.snapshot = data
	cc.snapshotETag = fmt.Sprintf(`"v%d"`, version)
	cc.snapshotLastTimeUpdated = time.Now()
	return cc.snapshot, cc.snapshotETag, nil
}

func (cc *CSVCounters) fresh() bool {
	return cc.snapshot != "" && time.Since(cc.snapshotLastTimeUpdated) < cc.snapshotTTL
}

func renderCSV(rows []emulator.HistoryRow) (string, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeader); err != nil {
		return "", fmt.Errorf("error writing header: %w", err)
	}

	for _, r := range rows {
		record := []string{
			strconv.FormatInt(r.Timestamp, 10),
			strconv.Itoa(r.QueueID),
			strconv.FormatInt(r.OccupancyBytes, 10),
			strconv.FormatInt(r.ArrivedBytes, 10),
			strconv.FormatInt(r.DepartedBytes, 10),
			strconv.FormatInt(r.DroppedBytes, 10),
			strconv.FormatInt(r.RateBps, 10),
			strconv.FormatInt(r.BufferPackets, 10),
			strconv.Itoa(r.NumFlows),
			strconv.FormatInt(r.TargetBps, 10),
		}
		if err := writer.Write(record); err != nil {
			return "", fmt.Errorf("error writing row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("error flushing writer: %w", err)
	}
	return buf.String(), nil
}
