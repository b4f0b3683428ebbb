package slotrange

import (
	"reflect"
	"testing"
)

func TestCompact(t *testing.T) {
	tests := []struct {
		name  string
		slots []uint64
		want  []Range
	}{
		{"empty", nil, nil},
		{"single", []uint64{7}, []Range{{7, 7}}},
		{"contiguous unsorted", []uint64{3, 1, 2}, []Range{{1, 3}}},
		{"duplicates", []uint64{5, 5, 6, 6}, []Range{{5, 6}}},
		{"split", []uint64{1, 2, 4, 5, 9}, []Range{{1, 2}, {4, 5}, {9, 9}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compact(tt.slots)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Compact(%v) = %v, want %v", tt.slots, got, tt.want)
			}
		})
	}
}

func TestGaps(t *testing.T) {
	ranges := []Range{{152, 200}, {100, 150}}
	got := Gaps(ranges)
	want := []Gap{{Start: 151, End: 151, Size: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Gaps = %v, want %v", got, want)
	}

	if gaps := Gaps([]Range{{1, 10}, {5, 20}, {21, 30}}); len(gaps) != 0 {
		t.Errorf("expected no gaps for overlapping ranges, got %v", gaps)
	}
}

func TestExpandRoundTrip(t *testing.T) {
	slots := []uint64{10, 11, 12, 20, 22, 23}
	got := Expand(Compact(slots))
	if !reflect.DeepEqual(got, slots) {
		t.Errorf("Expand(Compact) = %v, want %v", got, slots)
	}
}

func TestCount(t *testing.T) {
	gaps := Gaps(Compact([]uint64{1, 5, 10}))
	if n := Count(gaps); n != 7 {
		t.Errorf("Count = %d, want 7", n)
	}
}
