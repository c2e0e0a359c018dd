package orderbook

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInsufficientDepth = errors.New("not enough resting size")

var bps = decimal.NewFromInt(10000)

// Fill describes taking size from one side of the book.
type Fill struct {
	Side     Side            `json:"side"`
	Size     decimal.Decimal `json:"size"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	Worst    decimal.Decimal `json:"worst_price"`
	Levels   int             `json:"levels"`
	// SlippageBps is the distance of AvgPrice from the mid, positive when worse than mid.
	SlippageBps decimal.Decimal `json:"slippage_bps"`
}

// Sweep walks side from the top until size is covered. Sell takes bids, buy lifts asks.
// The book is not modified.
func (b *OrderBook) Sweep(taker Side, size decimal.Decimal) (Fill, error) {
	if !size.IsPositive() {
		return Fill{}, fmt.Errorf("%w: %s", ErrInvalidSize, size)
	}
	bid, ask, err := b.BestBidAsk()
	if err != nil {
		return Fill{}, err
	}
	var resting Side
	switch taker {
	case Buy:
		resting = Sell
	case Sell:
		resting = Buy
	default:
		return Fill{}, fmt.Errorf("%w: %q", ErrUnknownSide, taker)
	}

	f := Fill{Side: taker, Size: size}
	var cost, filled decimal.Decimal
	b.levels(resting).Scan(func(l *PriceLevel) bool {
		use := decimal.Min(size.Sub(filled), l.Size)
		cost = cost.Add(use.Mul(l.Price))
		filled = filled.Add(use)
		f.Worst = l.Price
		f.Levels++
		return filled.LessThan(size)
	})
	if filled.LessThan(size) {
		return Fill{}, fmt.Errorf("%w: %s of %s available", ErrInsufficientDepth, filled, size)
	}
	f.AvgPrice = cost.Div(size)
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	diff := f.AvgPrice.Sub(mid)
	if taker == Sell {
		diff = diff.Neg()
	}
	f.SlippageBps = diff.Div(mid).Mul(bps).Round(4)
	return f, nil
}
