// Package partition routes rows to the epoch/date/hour layout of the
// partitioned dataset.
package partition

import (
	"fmt"
	"time"
)

// SlotsPerEpoch is the number of slots in one chain epoch.
const SlotsPerEpoch uint64 = 432000

const (
	dateLayout = "2006-01-02"
	hourLayout = "2006-01-02 15:00:00"
)

// Key identifies one leaf directory of the partitioned layout, minus the
// creation date.
type Key struct {
	Entity string
	Epoch  uint64
	Date   string // YYYY-MM-DD, UTC
	Hour   string // YYYY-MM-DD HH:00:00, UTC
}

// Router computes partition keys and destination paths.
type Router struct {
	slotsPerEpoch uint64
	now           func() time.Time
}

// NewRouter creates a router. A nil clock defaults to time.Now.
func NewRouter(slotsPerEpoch uint64, now func() time.Time) *Router {
	if slotsPerEpoch == 0 {
		slotsPerEpoch = SlotsPerEpoch
	}
	if now == nil {
		now = time.Now
	}
	return &Router{slotsPerEpoch: slotsPerEpoch, now: now}
}

// Route returns the key for a row at slot with block time ts (unix seconds).
// A zero or negative ts routes to the epoch date 1970-01-01.
func (r *Router) Route(entity string, slot uint64, ts int64) Key {
	if ts < 0 {
		ts = 0
	}
	t := time.Unix(ts, 0).UTC()
	return Key{
		Entity: entity,
		Epoch:  slot / r.slotsPerEpoch,
		Date:   t.Format(dateLayout),
		Hour:   t.Format(hourLayout),
	}
}

// CreationDate is today's UTC date, recorded in every destination path.
func (r *Router) CreationDate() string {
	return r.now().UTC().Format(dateLayout)
}

// Path builds {entity}/epoch={e}/block_date={d}/block_hour={h}/creation_date={c}/{fname}.
func Path(k Key, creationDate, fname string) string {
	return fmt.Sprintf("%s/epoch=%d/block_date=%s/block_hour=%s/creation_date=%s/%s",
		k.Entity, k.Epoch, k.Date, k.Hour, creationDate, fname)
}
