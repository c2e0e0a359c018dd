package feed

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/divir94/bitcoin/internal/orderbook"
)

var (
	ErrSequenceGap    = errors.New("sequence gap")
	ErrStaleReference = errors.New("message references unknown order")
	ErrInvariant      = errors.New("book invariant violated")
	ErrExchange       = errors.New("exchange error frame")
)

// GapError reports a delta that skipped ahead of the book.
type GapError struct {
	Expected int64
	Got      int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("sequence gap: expected %d, got %d", e.Expected, e.Got)
}

func (e *GapError) Unwrap() error { return ErrSequenceGap }

type Outcome int

const (
	// Applied means the book sequence advanced, whether or not the book itself changed.
	Applied Outcome = iota + 1
	// Skipped means the message was a duplicate, stale, or carries no sequence.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// RequiresResync reports whether err means the book can no longer be trusted.
func RequiresResync(err error) bool {
	return errors.Is(err, ErrSequenceGap) ||
		errors.Is(err, ErrStaleReference) ||
		errors.Is(err, ErrInvariant) ||
		errors.Is(err, ErrExchange)
}

// Apply enforces the sequencing precondition and applies msg to book. Every check runs
// before the first mutation, so a returned error leaves the book as it was.
func Apply(book *orderbook.OrderBook, msg Message) (Outcome, error) {
	switch m := msg.(type) {
	case Error:
		return 0, fmt.Errorf("%w: %s %s", ErrExchange, m.Message, m.Reason)
	case Subscriptions:
		return Skipped, nil
	}

	seq := msg.Seq()
	if seq <= book.Sequence {
		return Skipped, nil
	}
	if seq > book.Sequence+1 {
		return 0, &GapError{Expected: book.Sequence + 1, Got: seq}
	}

	var err error
	switch m := msg.(type) {
	case Open:
		_, err = book.Add(m.Side, m.Price, m.RemainingSize, m.OrderID)
		if err != nil {
			err = fmt.Errorf("%w: open %d: %w", ErrInvariant, seq, err)
		}
	case Done:
		err = applyDone(book, m)
	case Match:
		err = applyMatch(book, m)
	case Change:
		err = applyChange(book, m)
	case Received, Heartbeat:
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	if err != nil {
		return 0, err
	}
	book.Sequence = seq
	return Applied, nil
}

func applyDone(book *orderbook.OrderBook, m Done) error {
	if !book.Has(m.OrderID) {
		return nil
	}
	e, err := resting(book, m.OrderID, m.Side, m.Seq())
	if err != nil {
		return err
	}
	if m.Price != nil && !m.Price.Equal(e.Price) {
		return priceMismatch("done", m.Seq(), m.OrderID, *m.Price, e.Price)
	}
	return update(book, m.OrderID, decimal.Zero, m.Seq())
}

func applyMatch(book *orderbook.OrderBook, m Match) error {
	if !book.Has(m.MakerOrderID) {
		return fmt.Errorf("%w: match %d maker %s", ErrStaleReference, m.Seq(), m.MakerOrderID)
	}
	e, err := resting(book, m.MakerOrderID, m.Side, m.Seq())
	if err != nil {
		return err
	}
	if !m.Price.Equal(e.Price) {
		return priceMismatch("match", m.Seq(), m.MakerOrderID, m.Price, e.Price)
	}
	if !m.Size.IsPositive() || m.Size.GreaterThan(e.Size) {
		return fmt.Errorf("%w: match %d trades %s against %s resting on %s",
			ErrInvariant, m.Seq(), m.Size, e.Size, m.MakerOrderID)
	}
	return update(book, m.MakerOrderID, e.Size.Sub(m.Size), m.Seq())
}

func applyChange(book *orderbook.OrderBook, m Change) error {
	// market orders carry no price and never rest on the book
	if m.Price == nil || m.NewSize == nil || !book.Has(m.OrderID) {
		return nil
	}
	e, err := resting(book, m.OrderID, m.Side, m.Seq())
	if err != nil {
		return err
	}
	if !m.Price.Equal(e.Price) {
		return priceMismatch("change", m.Seq(), m.OrderID, *m.Price, e.Price)
	}
	old := e.Size
	if m.OldSize != nil && m.OldSize.LessThan(old) {
		old = *m.OldSize
	}
	if m.NewSize.GreaterThan(old) || m.NewSize.IsNegative() {
		return fmt.Errorf("%w: change %d grows %s from %s to %s",
			ErrInvariant, m.Seq(), m.OrderID, old, m.NewSize)
	}
	return update(book, m.OrderID, *m.NewSize, m.Seq())
}

// resting looks up an order and, when the message names a side, checks it rests there.
func resting(book *orderbook.OrderBook, id string, side orderbook.Side, seq int64) (orderbook.Entry, error) {
	e, err := book.Get(id)
	if err != nil {
		return e, fmt.Errorf("%w: %d: %w", ErrInvariant, seq, err)
	}
	if side != "" {
		if got, _ := book.SideOf(id); got != side {
			return e, fmt.Errorf("%w: %d: %s rests on %s, message says %s", ErrInvariant, seq, id, got, side)
		}
	}
	return e, nil
}

func update(book *orderbook.OrderBook, id string, size decimal.Decimal, seq int64) error {
	if _, err := book.Update(id, size); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrInvariant, seq, err)
	}
	return nil
}

func priceMismatch(kind string, seq int64, id string, stated, have decimal.Decimal) error {
	return fmt.Errorf("%w: %s %d prices %s at %s, book has %s", ErrInvariant, kind, seq, id, stated, have)
}
