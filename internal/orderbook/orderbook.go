package orderbook

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case Buy, Sell:
		return Side(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSide, s)
}

var (
	ErrUnknownOrder   = errors.New("order not in book")
	ErrDuplicateOrder = errors.New("order already in book")
	ErrInvalidSize    = errors.New("invalid order size")
	ErrUnknownSide    = errors.New("unknown side")
	ErrEmptySide      = errors.New("book side is empty")
)

// Level is an aggregated depth row.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Record is the flat persistence row of a resting order.
type Record struct {
	Sequence int64           `json:"sequence"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	OrderID  string          `json:"order_id"`
}

type orderRef struct {
	side  Side
	price decimal.Decimal
}

// OrderBook is a level-3 book: bids sorted by descending price, asks by ascending price,
// plus an order id index pointing back at the owning level.
type OrderBook struct {
	Sequence int64

	bids   *btree.BTreeG[*PriceLevel]
	asks   *btree.BTreeG[*PriceLevel]
	orders map[string]orderRef
}

func New(sequence int64) *OrderBook {
	opts := btree.Options{NoLocks: true}
	return &OrderBook{
		Sequence: sequence,
		bids: btree.NewBTreeGOptions(func(a, b *PriceLevel) bool {
			return a.Price.GreaterThan(b.Price)
		}, opts),
		asks: btree.NewBTreeGOptions(func(a, b *PriceLevel) bool {
			return a.Price.LessThan(b.Price)
		}, opts),
		orders: make(map[string]orderRef),
	}
}

func (b *OrderBook) levels(side Side) *btree.BTreeG[*PriceLevel] {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

// Add places a new order, creating its price level if needed.
func (b *OrderBook) Add(side Side, price, size decimal.Decimal, orderID string) (Entry, error) {
	if side != Buy && side != Sell {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownSide, side)
	}
	if _, ok := b.orders[orderID]; ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrDuplicateOrder, orderID)
	}
	if !size.IsPositive() {
		return Entry{}, fmt.Errorf("%w: %s for %s", ErrInvalidSize, size, orderID)
	}
	tree := b.levels(side)
	level, ok := tree.Get(&PriceLevel{Price: price})
	if !ok {
		level = newPriceLevel(price)
		tree.Set(level)
	}
	e := level.Add(size, orderID)
	b.orders[orderID] = orderRef{side: side, price: level.Price}
	return e, nil
}

func (b *OrderBook) Has(orderID string) bool {
	_, ok := b.orders[orderID]
	return ok
}

// Get returns the resting (price, size, order id) of orderID.
func (b *OrderBook) Get(orderID string) (Entry, error) {
	ref, level, err := b.resolve(orderID)
	if err != nil {
		return Entry{}, err
	}
	size, ok := level.OrderSize(orderID)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s indexed on %s %s but missing from level", ErrUnknownOrder, orderID, ref.side, ref.price)
	}
	return Entry{Price: level.Price, Size: size, OrderID: orderID}, nil
}

// SideOf reports which side orderID rests on.
func (b *OrderBook) SideOf(orderID string) (Side, bool) {
	ref, ok := b.orders[orderID]
	return ref.side, ok
}

// Update sets orderID to newSize. A zero size removes the order and, if it was the last one,
// its level.
func (b *OrderBook) Update(orderID string, newSize decimal.Decimal) (Entry, error) {
	if newSize.IsNegative() {
		return Entry{}, fmt.Errorf("%w: %s for %s", ErrInvalidSize, newSize, orderID)
	}
	ref, level, err := b.resolve(orderID)
	if err != nil {
		return Entry{}, err
	}
	e, err := level.Update(orderID, newSize)
	if err != nil {
		return Entry{}, err
	}
	if newSize.IsZero() {
		delete(b.orders, orderID)
	}
	if level.Empty() {
		b.levels(ref.side).Delete(level)
	}
	return e, nil
}

func (b *OrderBook) resolve(orderID string) (orderRef, *PriceLevel, error) {
	ref, ok := b.orders[orderID]
	if !ok {
		return orderRef{}, nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	level, ok := b.levels(ref.side).Get(&PriceLevel{Price: ref.price})
	if !ok {
		return orderRef{}, nil, fmt.Errorf("%w: %s indexed at %s %s with no level", ErrUnknownOrder, orderID, ref.side, ref.price)
	}
	return ref, level, nil
}

// BestBidAsk returns the top of book; both sides must be non-empty.
func (b *OrderBook) BestBidAsk() (bid, ask decimal.Decimal, err error) {
	bl, ok := b.bids.Min()
	if !ok {
		return bid, ask, fmt.Errorf("%w: bids", ErrEmptySide)
	}
	al, ok := b.asks.Min()
	if !ok {
		return bid, ask, fmt.Errorf("%w: asks", ErrEmptySide)
	}
	return bl.Price, al.Price, nil
}

// InferSide guesses the side of a bare price: at or above the best ask is an ask, anything
// else a bid. With no asks every price is treated as a bid. Prefer passing the side explicitly.
func (b *OrderBook) InferSide(price decimal.Decimal) Side {
	if al, ok := b.asks.Min(); ok && price.GreaterThanOrEqual(al.Price) {
		return Sell
	}
	return Buy
}

// LevelAt returns the level at price on side.
func (b *OrderBook) LevelAt(side Side, price decimal.Decimal) (*PriceLevel, bool) {
	return b.levels(side).Get(&PriceLevel{Price: price})
}

// Depth returns up to maxLevels aggregated levels from the top of side. maxLevels <= 0 means all.
func (b *OrderBook) Depth(side Side, maxLevels int) []Level {
	tree := b.levels(side)
	n := tree.Len()
	if maxLevels > 0 && maxLevels < n {
		n = maxLevels
	}
	out := make([]Level, 0, n)
	tree.Scan(func(l *PriceLevel) bool {
		out = append(out, Level{Price: l.Price, Size: l.Size})
		return len(out) < n
	})
	return out
}

// Entries returns every order on side, best price first.
func (b *OrderBook) Entries(side Side) []Entry {
	var out []Entry
	b.levels(side).Scan(func(l *PriceLevel) bool {
		out = append(out, l.Entries()...)
		return true
	})
	return out
}

// Records flattens the book for persistence.
func (b *OrderBook) Records() []Record {
	out := make([]Record, 0, len(b.orders))
	for _, side := range []Side{Buy, Sell} {
		for _, e := range b.Entries(side) {
			out = append(out, Record{Sequence: b.Sequence, Side: side, Price: e.Price, Size: e.Size, OrderID: e.OrderID})
		}
	}
	return out
}

// Levels reports the number of price levels per side.
func (b *OrderBook) Levels() (bids, asks int) { return b.bids.Len(), b.asks.Len() }

func (b *OrderBook) Orders() int { return len(b.orders) }

// Clone returns a deep copy sharing no mutable state with b.
func (b *OrderBook) Clone() *OrderBook {
	c := New(b.Sequence)
	b.bids.Scan(func(l *PriceLevel) bool { c.bids.Set(l.clone()); return true })
	b.asks.Scan(func(l *PriceLevel) bool { c.asks.Set(l.clone()); return true })
	for id, ref := range b.orders {
		c.orders[id] = ref
	}
	return c
}

// Check verifies the structural invariants: cached level sizes, no empty levels, strict
// price ordering and a one-to-one index.
func (b *OrderBook) Check() error {
	seen := 0
	for _, side := range []Side{Buy, Sell} {
		var prev *PriceLevel
		var err error
		b.levels(side).Scan(func(l *PriceLevel) bool {
			if l.Empty() {
				err = fmt.Errorf("empty %s level at %s", side, l.Price)
				return false
			}
			if err = l.check(); err != nil {
				return false
			}
			if prev != nil {
				if side == Buy && !prev.Price.GreaterThan(l.Price) || side == Sell && !prev.Price.LessThan(l.Price) {
					err = fmt.Errorf("%s levels out of order: %s then %s", side, prev.Price, l.Price)
					return false
				}
			}
			for id := range l.orders {
				ref, ok := b.orders[id]
				if !ok {
					err = fmt.Errorf("order %s at %s %s missing from index", id, side, l.Price)
					return false
				}
				if ref.side != side || !ref.price.Equal(l.Price) {
					err = fmt.Errorf("order %s indexed at %s %s but rests at %s %s", id, ref.side, ref.price, side, l.Price)
					return false
				}
				seen++
			}
			prev = l
			return true
		})
		if err != nil {
			return err
		}
	}
	if seen != len(b.orders) {
		return fmt.Errorf("index holds %d orders but levels hold %d", len(b.orders), seen)
	}
	return nil
}
