package naming

import (
	"errors"
	"testing"
)

func TestParseRaw(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
		first   uint64
		last    uint64
		worker  int
		ext     string
	}{
		{"raw_data/slots_100_150_1700000000_1700000020_1700000100_3.json", false, 100, 150, 3, ".json"},
		{"raw_data/slots_100_150_0_0_1700000100_0.json.gzip", false, 100, 150, 0, ".json.gzip"},
		{"raw_data/slots_1_2_3_4_5_6.json.zst", false, 1, 2, 6, ".json.zst"},
		{"raw_data/slot_1_2_3_4_5_6.json", true, 0, 0, 0, ""},
		{"slots_1_2_3_4_5_6.json", true, 0, 0, 0, ""},
		{"raw_data/slots_1_2_3_4_5.json", true, 0, 0, 0, ""},
	}

	for _, tt := range tests {
		f, err := ParseRaw(tt.name)
		if tt.wantErr {
			if !errors.Is(err, ErrUnrecognized) {
				t.Errorf("ParseRaw(%q) error = %v, want ErrUnrecognized", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRaw(%q) unexpected error: %v", tt.name, err)
			continue
		}
		if f.FirstSlot != tt.first || f.LastSlot != tt.last || f.WorkerID != tt.worker || f.Ext != tt.ext {
			t.Errorf("ParseRaw(%q) = %+v", tt.name, f)
		}
	}
}

func TestParseColumnar(t *testing.T) {
	f, err := ParseColumnar("processed_data/rewards_slots_10_20_1700000000_1700000009_1700000050_2.parquet.gzip")
	if err != nil {
		t.Fatalf("ParseColumnar failed: %v", err)
	}
	if f.Entity != "rewards" || f.FirstSlot != 10 || f.LastSlot != 20 || !f.Gzip || f.Timestamp != 1700000050 {
		t.Errorf("unexpected parse result: %+v", f)
	}

	if _, err := ParseColumnar("processed_data/votes_slots_1_2_3_4_5_6.parquet"); !errors.Is(err, ErrUnrecognized) {
		t.Errorf("unknown entity accepted: %v", err)
	}
}

func TestNamesRoundTrip(t *testing.T) {
	span := Span{FirstSlot: 100, LastSlot: 199, FirstTime: 1700000000, LastTime: 1700003600, Timestamp: 1700009999, WorkerID: 4}

	raw := RawName(span, ExtJSONGzip)
	if raw != "raw_data/slots_100_199_1700000000_1700003600_1700009999_4.json.gzip" {
		t.Fatalf("RawName = %s", raw)
	}
	parsed, err := ParseRaw(raw)
	if err != nil || parsed.Span != span {
		t.Fatalf("ParseRaw(RawName) = %+v, %v", parsed, err)
	}

	if got := BaseName(raw); got != "slots_100_199_1700000000_1700003600_1700009999_4" {
		t.Errorf("BaseName = %s", got)
	}
	want := "processed_data/blocks_slots_100_199_1700000000_1700003600_1700009999_4.parquet.gzip"
	if got := ProcessedName("blocks", raw); got != want {
		t.Errorf("ProcessedName = %s, want %s", got, want)
	}
	col, err := ParseColumnar(want)
	if err != nil || col.Span != span || col.Entity != "blocks" {
		t.Errorf("ParseColumnar(ProcessedName) = %+v, %v", col, err)
	}
}

func TestCollectGaps(t *testing.T) {
	names := []string{
		"raw_data/slots_152_200_0_0_1700000002_1.json.gzip",
		"raw_data/slots_100_150_0_0_1700000001_0.json.gzip",
		"raw_data/not_a_batch.txt",
	}

	gaps := CollectGaps(names)
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d: %+v", len(gaps), gaps)
	}
	g := gaps[0]
	if g.Start != 151 || g.End != 151 || g.Size != 1 {
		t.Errorf("gap = %+v, want {151 151 1}", g)
	}
	if g.AfterFile != names[1] || g.BeforeFile != names[0] {
		t.Errorf("gap bounds = %s / %s", g.AfterFile, g.BeforeFile)
	}

	contiguous := []string{
		"raw_data/slots_100_150_0_0_1_0.json",
		"raw_data/slots_151_200_0_0_2_0.json",
	}
	if gaps := CollectGaps(contiguous); len(gaps) != 0 {
		t.Errorf("expected no gaps, got %+v", gaps)
	}
}

func TestCollectGapsIgnoresNestedFiles(t *testing.T) {
	names := []string{
		"raw_data/slots_100_1100_0_0_1700000001_0.json.gzip",
		"raw_data/slots_110_1090_0_0_1700000002_1.json.gzip",
		"raw_data/slots_1101_1200_0_0_1700000003_2.json.gzip",
		"raw_data/slots_1205_1300_0_0_1700000004_0.json.gzip",
	}

	gaps := CollectGaps(names)
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d: %+v", len(gaps), gaps)
	}
	g := gaps[0]
	if g.Start != 1201 || g.End != 1204 || g.Size != 4 {
		t.Errorf("gap = %+v, want {1201 1204 4}", g)
	}
	if g.AfterFile != names[2] || g.BeforeFile != names[3] {
		t.Errorf("gap bounds = %s / %s", g.AfterFile, g.BeforeFile)
	}
}

func TestWorkerGaps(t *testing.T) {
	gaps := []FileGap{{Start: 10, End: 16, Size: 7}}
	got := WorkerGaps(gaps, 3)

	// slots 10..16 mod 3: 1,2,0,1,2,0,1
	want := map[int]uint64{0: 2, 1: 3, 2: 2}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("worker %d: got %d, want %d", k, got[k], v)
		}
	}
}

func TestFilesQueue(t *testing.T) {
	count, oldest := FilesQueue([]string{
		"raw_data/slots_1_2_0_0_1700000050_0.json.gzip",
		"processed_data/blocks_slots_1_2_0_0_1700000010_0.parquet.gzip",
		"raw_data/garbage.json",
	})
	if count != 2 || oldest != 1700000010 {
		t.Errorf("FilesQueue = %d, %d", count, oldest)
	}

	if count, oldest := FilesQueue(nil); count != 0 || oldest != 0 {
		t.Errorf("empty FilesQueue = %d, %d", count, oldest)
	}
}

func TestMaxLastSlot(t *testing.T) {
	max, ok := MaxLastSlot([]string{
		"raw_data/slots_1_20_0_0_1_0.json",
		"raw_data/slots_21_90_0_0_1_1.json",
	})
	if !ok || max != 90 {
		t.Errorf("MaxLastSlot = %d, %v", max, ok)
	}
	if _, ok := MaxLastSlot(nil); ok {
		t.Error("MaxLastSlot of nothing reported found")
	}
}
