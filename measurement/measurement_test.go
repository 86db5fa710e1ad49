package measurement

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `# numFlows bufferKB rateKbps sampleCount
100 40 62500 10

100 60 62500 30
  # indented comment
200 28 62500 5
100 400 125000 1
`

// tests that comments and blank lines are skipped and rows keep file order
func TestParse(t *testing.T) {
	tbl, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tbl.Len() != 4 {
		t.Fatalf("expected 4 rows, got %d", tbl.Len())
	}

	first := tbl.All()[0]
	want := Measurement{NumFlows: 100, BufferKB: 40, RateKbps: 62500, SampleCount: 10}
	if first != want {
		t.Fatalf("expected %+v, got %+v", want, first)
	}
}

// tests that a bad line fails the file and names the line
func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"three fields": "100 40 62500\n",
		"five fields":  "# ok\n100 40 62500 1 2\n",
		"not a number": "100 forty 62500 1\n",
		"float":        "100 40.5 62500 1\n",
	}

	for name, input := range cases {
		_, err := Parse(strings.NewReader(input))
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", name, err)
		}
	}

	_, err := Parse(strings.NewReader("# header\n\n1 2 x 4\n"))
	if err == nil || !strings.Contains(err.Error(), "line 3") {
		t.Fatalf("expected error naming line 3, got %v", err)
	}
}

// tests the sample-weighted reference buffer
func TestReferenceBufferKB(t *testing.T) {
	tbl, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kb, ok := tbl.ReferenceBufferKB(100, 62500)
	if !ok {
		t.Fatalf("expected a reference value")
	}
	// (40*10 + 60*30) / 40
	if kb != 55 {
		t.Fatalf("expected 55, got %v", kb)
	}

	if _, ok := tbl.ReferenceBufferKB(300, 62500); ok {
		t.Fatalf("expected no reference for unmeasured flow count")
	}
}

// tests that ForRate filters and orders by flow count
func TestForRate(t *testing.T) {
	tbl, err := Parse(strings.NewReader("200 28 62500 5\n100 40 62500 10\n50 90 125000 1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := tbl.ForRate(62500)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].NumFlows != 100 || rows[1].NumFlows != 200 {
		t.Fatalf("unexpected order: %+v", rows)
	}

	var empty *Table
	if empty.ForRate(62500) != nil || empty.Len() != 0 {
		t.Fatalf("expected nil table to be empty")
	}
}

// tests loading from disk
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "measurements.txt")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tbl, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tbl.Len() != 4 {
		t.Fatalf("expected 4 rows, got %d", tbl.Len())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
