package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestAggregatorFlushSummarizes(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), time.Hour)

	agg.Record(CompWatch, "capture_failed", slog.String("pane", "%3"))
	agg.Record(CompWatch, "capture_failed", slog.String("pane", "%4"))
	agg.Record(CompWatch, "capture_failed")
	agg.Record(CompTmux, "list_failed")

	if agg.Pending() != 2 {
		t.Fatalf("expected 2 pending keys, got %d", agg.Pending())
	}

	agg.Flush()

	var records []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("bad record %q: %v", line, err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(records))
	}

	// Sorted by component: tmux < watch.
	if records[0]["event"] != "list_failed" {
		t.Errorf("expected list_failed first, got %v", records[0]["event"])
	}
	capture := records[1]
	if capture["count"] != float64(3) {
		t.Errorf("expected count=3, got %v", capture["count"])
	}
	if capture["pane"] != "%4" {
		t.Errorf("expected last fields kept (pane=%%4), got %v", capture["pane"])
	}
	if agg.Pending() != 0 {
		t.Errorf("expected counters reset after flush")
	}
}

func TestAggregatorNilLoggerDrops(t *testing.T) {
	agg := NewAggregator(nil, time.Hour)
	agg.Record(CompWatch, "x")
	agg.Flush()
	if agg.Pending() != 0 {
		t.Errorf("expected entries dropped")
	}
}

func TestAggregatorStopIsIdempotent(t *testing.T) {
	agg := NewAggregator(nil, 10*time.Millisecond)
	agg.Start()
	agg.Stop()
	agg.Stop()
}
