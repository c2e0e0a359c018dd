package orderbook

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Snapshot is a point-in-time dump of the exchange book. Level 3 snapshots are per order;
// level 2 snapshots are aggregated by price and carry no order ids.
type Snapshot struct {
	Sequence int64
	Level    int
	Bids     []Entry
	Asks     []Entry
}

// FromSnapshot builds a book at snap.Sequence. Level 2 rows are loaded as one synthetic
// order per price so depth reads still work.
func FromSnapshot(snap Snapshot) (*OrderBook, error) {
	b := New(snap.Sequence)
	for _, side := range []Side{Buy, Sell} {
		rows := snap.Bids
		if side == Sell {
			rows = snap.Asks
		}
		for _, e := range rows {
			id := e.OrderID
			if snap.Level == 2 {
				id = syntheticID(side, e.Price)
			}
			if _, err := b.Add(side, e.Price, e.Size, id); err != nil {
				return nil, fmt.Errorf("load snapshot %d: %w", snap.Sequence, err)
			}
		}
	}
	return b, nil
}

func syntheticID(side Side, price decimal.Decimal) string {
	return "l2:" + string(side) + ":" + price.String()
}

// Diff is the set difference between a replica and an authoritative snapshot.
type Diff struct {
	Sequence int64
	Level    int
	// Extra rows are in the replica but not in the snapshot, Missing the reverse.
	Extra   []Record
	Missing []Record
}

func (d Diff) Count() int { return len(d.Extra) + len(d.Missing) }

func (d Diff) Empty() bool { return d.Count() == 0 }

// Compare diffs book against snap at (price, size, order id) granularity for level 3 and
// (price, size) for level 2. Decimals compare by value.
func Compare(book *OrderBook, snap Snapshot) Diff {
	d := Diff{Sequence: snap.Sequence, Level: snap.Level}
	for _, side := range []Side{Buy, Sell} {
		rows := snap.Bids
		if side == Sell {
			rows = snap.Asks
		}
		var have, want map[string]Record
		if snap.Level == 2 {
			have = levelSet(side, book.Depth(side, 0))
			want = levelSet(side, aggregate(rows))
		} else {
			have = entrySet(side, book.Entries(side))
			want = entrySet(side, rows)
		}
		d.Extra = append(d.Extra, subtract(have, want, book.Sequence)...)
		d.Missing = append(d.Missing, subtract(want, have, snap.Sequence)...)
	}
	return d
}

func entrySet(side Side, entries []Entry) map[string]Record {
	out := make(map[string]Record, len(entries))
	for _, e := range entries {
		key := e.Price.String() + "|" + e.Size.String() + "|" + e.OrderID
		out[key] = Record{Side: side, Price: e.Price, Size: e.Size, OrderID: e.OrderID}
	}
	return out
}

func levelSet(side Side, levels []Level) map[string]Record {
	out := make(map[string]Record, len(levels))
	for _, l := range levels {
		out[l.Price.String()+"|"+l.Size.String()] = Record{Side: side, Price: l.Price, Size: l.Size}
	}
	return out
}

func aggregate(entries []Entry) []Level {
	sums := make(map[string]*Level)
	for _, e := range entries {
		k := e.Price.String()
		if l, ok := sums[k]; ok {
			l.Size = l.Size.Add(e.Size)
			continue
		}
		sums[k] = &Level{Price: e.Price, Size: e.Size}
	}
	out := make([]Level, 0, len(sums))
	for _, l := range sums {
		out = append(out, *l)
	}
	return out
}

func subtract(a, b map[string]Record, seq int64) []Record {
	var out []Record
	for k, r := range a {
		if _, ok := b[k]; !ok {
			r.Sequence = seq
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Price.Cmp(out[j].Price); c != 0 {
			return c < 0
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}
