package partition

import (
	"testing"
	"time"
)

func TestRouterRoute(t *testing.T) {
	router := NewRouter(0, nil)

	tests := []struct {
		slot     uint64
		ts       int64
		expected Key
	}{
		{0, 0, Key{Entity: "blocks", Epoch: 0, Date: "1970-01-01", Hour: "1970-01-01 00:00:00"}},
		{431999, 1700000000, Key{Entity: "blocks", Epoch: 0, Date: "2023-11-14", Hour: "2023-11-14 22:00:00"}},
		{432000, 1700003599, Key{Entity: "blocks", Epoch: 1, Date: "2023-11-14", Hour: "2023-11-14 23:00:00"}},
		{250000000, -5, Key{Entity: "blocks", Epoch: 578, Date: "1970-01-01", Hour: "1970-01-01 00:00:00"}},
	}

	for _, tt := range tests {
		got := router.Route("blocks", tt.slot, tt.ts)
		if got != tt.expected {
			t.Errorf("Route(%d, %d) = %+v, want %+v", tt.slot, tt.ts, got, tt.expected)
		}
	}
}

func TestRouterSameKeyWithinHour(t *testing.T) {
	router := NewRouter(0, nil)

	a := router.Route("rewards", 100, 1700000000)
	b := router.Route("rewards", 199, 1700000000+1800)
	if a != b {
		t.Errorf("expected same key within one hour, got %+v and %+v", a, b)
	}

	c := router.Route("rewards", 199, 1700000000+3600)
	if a == c {
		t.Errorf("expected different key across the hour boundary")
	}
}

func TestPathUsesCreationDate(t *testing.T) {
	fixed := time.Date(2024, 3, 5, 23, 59, 0, 0, time.UTC)
	router := NewRouter(0, func() time.Time { return fixed })

	k := Key{Entity: "transactions", Epoch: 578, Date: "2023-11-14", Hour: "2023-11-14 22:00:00"}
	got := Path(k, router.CreationDate(), "transactions_slots_1_2_3_4_5_0.parquet.gzip")
	want := "transactions/epoch=578/block_date=2023-11-14/block_hour=2023-11-14 22:00:00/creation_date=2024-03-05/transactions_slots_1_2_3_4_5_0.parquet.gzip"
	if got != want {
		t.Errorf("Path = %s\nwant  %s", got, want)
	}
}
