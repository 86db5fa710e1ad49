// Package measurement reads the historical buffer-sizing measurements used as
// reference curves next to live data.
//
// The file holds one measurement per line:
//
//	numFlows bufferKB rateKbps sampleCount
//
// Lines starting with '#' and blank lines are ignored.
package measurement

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// ErrConfiguration is returned for a measurement file that does not parse.
var ErrConfiguration = errors.New("invalid measurement file")

type Measurement struct {
	NumFlows    int64 `json:"num_flows"`
	BufferKB    int64 `json:"buffer_kb"`
	RateKbps    int64 `json:"rate_kbps"`
	SampleCount int64 `json:"sample_count"`
}

// Table is an immutable set of measurements in file order.
type Table struct {
	rows []Measurement
}

// Load reads the measurement file at path.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open measurement file: %w", err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse reads measurements from r. Any line that is not a comment and does
// not hold exactly four integers fails the whole file.
func Parse(r io.Reader) (*Table, error) {
	t := &Table{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 4 {
			return nil, fmt.Errorf("%w: line %d: expected 4 fields, got %d", ErrConfiguration, line, len(fields))
		}
		var vals [4]int64
		for i, f := range fields {
			v, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: field %d %q is not an integer", ErrConfiguration, line, i+1, f)
			}
			vals[i] = v
		}

		t.rows = append(t.rows, Measurement{
			NumFlows:    vals[0],
			BufferKB:    vals[1],
			RateKbps:    vals[2],
			SampleCount: vals[3],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read measurement file: %w", err)
	}
	return t, nil
}

// Len returns the number of measurements.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// All returns a copy of every measurement.
func (t *Table) All() []Measurement {
	if t == nil {
		return nil
	}
	return append([]Measurement(nil), t.rows...)
}

// ForRate returns the measurements taken at rateKbps, ordered by flow count.
func (t *Table) ForRate(rateKbps int64) []Measurement {
	if t == nil {
		return nil
	}
	var out []Measurement
	for _, m := range t.rows {
		if m.RateKbps == rateKbps {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NumFlows < out[j].NumFlows })
	return out
}

// ReferenceBufferKB returns the mean buffer of the rows matching numFlows and
// rateKbps, weighted by their sample counts. ok is false when no row matches
// or every matching row has a zero sample count.
func (t *Table) ReferenceBufferKB(numFlows, rateKbps int64) (kb float64, ok bool) {
	if t == nil {
		return 0, false
	}

	var buffers, weights []float64
	var total float64
	for _, m := range t.rows {
		if m.NumFlows != numFlows || m.RateKbps != rateKbps || m.SampleCount <= 0 {
			continue
		}
		buffers = append(buffers, float64(m.BufferKB))
		weights = append(weights, float64(m.SampleCount))
		total += float64(m.SampleCount)
	}
	if total == 0 {
		return 0, false
	}
	return stat.Mean(buffers, weights), true
}
