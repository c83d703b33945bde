package sink

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/bybit-data/internal/model"
)

func writeSegment(t *testing.T, records []model.BufferedRecord, tail string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "segment.ndjson")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create segment: %v", err)
	}
	defer f.Close()

	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal record: %v", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			t.Fatalf("write record: %v", err)
		}
	}
	if tail != "" {
		if _, err := f.WriteString(tail); err != nil {
			t.Fatalf("write tail: %v", err)
		}
	}
	return path
}

func segmentRecords(n int) []model.BufferedRecord {
	runID := uuid.New()
	records := make([]model.BufferedRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, model.BufferedRecord{
			RunID: runID,
			Update: model.Update{
				Symbol: "BTCUSDT",
				Seq:    int64(i + 1),
				Type:   model.UpdateDelta,
				Asks: []model.PriceLevel{
					{Price: decimal.NewFromInt(50000), Size: decimal.NewFromFloat(0.5)},
				},
				ReceivedAt: time.Now().UTC(),
			},
			Applied: true,
		})
	}
	return records
}

func TestRecover_CompleteSegment(t *testing.T) {
	path := writeSegment(t, segmentRecords(10), "")

	records, truncated, err := Recover(path)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if truncated {
		t.Error("truncated = true, want false")
	}
	if len(records) != 10 {
		t.Fatalf("recovered %d records, want 10", len(records))
	}
	if records[9].Update.Seq != 10 {
		t.Errorf("last record seq = %d, want 10", records[9].Update.Seq)
	}
}

func TestRecover_TruncatedTailDiscarded(t *testing.T) {
	// A crash mid-append leaves a half-written final record without its
	// newline terminator.
	path := writeSegment(t, segmentRecords(5), `{"run_id":"abc","update":{"symbol":"BTCU`)

	records, truncated, err := Recover(path)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !truncated {
		t.Error("truncated = false, want true")
	}
	if len(records) != 5 {
		t.Errorf("recovered %d records, want 5 (only the torn tail discarded)", len(records))
	}
}

func TestRecover_EmptyFile(t *testing.T) {
	path := writeSegment(t, nil, "")

	records, truncated, err := Recover(path)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if truncated {
		t.Error("truncated = true, want false")
	}
	if len(records) != 0 {
		t.Errorf("recovered %d records, want 0", len(records))
	}
}

func TestRecover_InteriorCorruptionIsAnError(t *testing.T) {
	path := writeSegment(t, segmentRecords(3), "")

	// Append garbage WITH a terminator, then a valid record: corruption
	// that truncation recovery must not paper over.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	f.WriteString("not json\n")
	data, _ := json.Marshal(segmentRecords(1)[0])
	f.Write(append(data, '\n'))
	f.Close()

	if _, _, err := Recover(path); err == nil {
		t.Error("Recover() = nil, want error for interior corruption")
	}
}

func TestRecover_MissingFile(t *testing.T) {
	if _, _, err := Recover(filepath.Join(t.TempDir(), "absent.ndjson")); err == nil {
		t.Error("Recover() = nil, want error for missing file")
	}
}
