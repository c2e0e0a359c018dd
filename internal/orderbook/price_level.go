package orderbook

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Entry is a single resting order as (price, size, order id).
type Entry struct {
	Price   decimal.Decimal
	Size    decimal.Decimal
	OrderID string
}

// PriceLevel holds every resting order at one price. Size always equals the sum of the
// order sizes.
type PriceLevel struct {
	Price  decimal.Decimal
	Size   decimal.Decimal
	orders map[string]decimal.Decimal
}

func newPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{Price: price, Size: decimal.Zero, orders: make(map[string]decimal.Decimal)}
}

// Add inserts a new order. The owning book guarantees the id is not already resting.
func (l *PriceLevel) Add(size decimal.Decimal, orderID string) Entry {
	l.Size = l.Size.Add(size)
	l.orders[orderID] = size
	return Entry{Price: l.Price, Size: size, OrderID: orderID}
}

// Update sets the order to newSize, removing it when newSize is zero.
func (l *PriceLevel) Update(orderID string, newSize decimal.Decimal) (Entry, error) {
	old, ok := l.orders[orderID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s at %s", ErrUnknownOrder, orderID, l.Price)
	}
	l.Size = l.Size.Add(newSize.Sub(old))
	if newSize.IsZero() {
		delete(l.orders, orderID)
	} else {
		l.orders[orderID] = newSize
	}
	return Entry{Price: l.Price, Size: newSize, OrderID: orderID}, nil
}

// OrderSize returns the resting size of orderID at this level.
func (l *PriceLevel) OrderSize(orderID string) (decimal.Decimal, bool) {
	s, ok := l.orders[orderID]
	return s, ok
}

func (l *PriceLevel) Len() int { return len(l.orders) }

func (l *PriceLevel) Empty() bool { return len(l.orders) == 0 }

// Entries returns the level's orders in no particular order.
func (l *PriceLevel) Entries() []Entry {
	out := make([]Entry, 0, len(l.orders))
	for id, size := range l.orders {
		out = append(out, Entry{Price: l.Price, Size: size, OrderID: id})
	}
	return out
}

func (l *PriceLevel) clone() *PriceLevel {
	c := &PriceLevel{Price: l.Price, Size: l.Size, orders: make(map[string]decimal.Decimal, len(l.orders))}
	for id, size := range l.orders {
		c.orders[id] = size
	}
	return c
}

func (l *PriceLevel) check() error {
	sum := decimal.Zero
	for id, size := range l.orders {
		if !size.IsPositive() {
			return fmt.Errorf("order %s at %s has non-positive size %s", id, l.Price, size)
		}
		sum = sum.Add(size)
	}
	if !sum.Equal(l.Size) {
		return fmt.Errorf("level %s cached size %s != sum of orders %s", l.Price, l.Size, sum)
	}
	return nil
}
