// Package feed decodes full-channel websocket frames into typed delta messages and applies
// them to an order book under the sequencing rules of the exchange feed.
package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/divir94/bitcoin/internal/orderbook"
)

type Kind string

const (
	KindReceived      Kind = "received"
	KindOpen          Kind = "open"
	KindDone          Kind = "done"
	KindMatch         Kind = "match"
	KindChange        Kind = "change"
	KindHeartbeat     Kind = "heartbeat"
	KindError         Kind = "error"
	KindSubscriptions Kind = "subscriptions"
)

var (
	ErrUnknownKind = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Message is one decoded frame. The concrete type is one of Received, Open, Done, Match,
// Change, Heartbeat, Error or Subscriptions.
type Message interface {
	Seq() int64
	Kind() Kind
	At() time.Time
}

type Header struct {
	Sequence  int64
	ProductID string
	Time      time.Time
}

func (h Header) Seq() int64 { return h.Sequence }

// At is the exchange timestamp, zero when the frame had none.
func (h Header) At() time.Time { return h.Time }

type Received struct {
	Header
	OrderID string
	Side    orderbook.Side
}

type Open struct {
	Header
	OrderID       string
	Side          orderbook.Side
	Price         decimal.Decimal
	RemainingSize decimal.Decimal
}

// Done has no price for market orders.
type Done struct {
	Header
	OrderID       string
	Side          orderbook.Side
	Price         *decimal.Decimal
	RemainingSize *decimal.Decimal
	Reason        string
}

// Match is a trade against the resting maker order; Side is the maker's side.
type Match struct {
	Header
	TradeID      int64
	MakerOrderID string
	TakerOrderID string
	Side         orderbook.Side
	Price        decimal.Decimal
	Size         decimal.Decimal
}

// Change shrinks an order. A nil Price marks a market order.
type Change struct {
	Header
	OrderID string
	Side    orderbook.Side
	Price   *decimal.Decimal
	NewSize *decimal.Decimal
	OldSize *decimal.Decimal
}

type Heartbeat struct {
	Header
	LastTradeID int64
}

type Error struct {
	Header
	Message string
	Reason  string
}

// Subscriptions acknowledges a subscribe request. It carries no sequence.
type Subscriptions struct{ Header }

func (Received) Kind() Kind      { return KindReceived }
func (Open) Kind() Kind          { return KindOpen }
func (Done) Kind() Kind          { return KindDone }
func (Match) Kind() Kind         { return KindMatch }
func (Change) Kind() Kind        { return KindChange }
func (Heartbeat) Kind() Kind     { return KindHeartbeat }
func (Error) Kind() Kind         { return KindError }
func (Subscriptions) Kind() Kind { return KindSubscriptions }

type wireMessage struct {
	Type          string           `json:"type"`
	Sequence      int64            `json:"sequence"`
	ProductID     string           `json:"product_id"`
	Time          *time.Time       `json:"time"`
	Side          string           `json:"side"`
	OrderID       string           `json:"order_id"`
	MakerOrderID  string           `json:"maker_order_id"`
	TakerOrderID  string           `json:"taker_order_id"`
	TradeID       int64            `json:"trade_id"`
	LastTradeID   int64            `json:"last_trade_id"`
	Price         *decimal.Decimal `json:"price"`
	Size          *decimal.Decimal `json:"size"`
	RemainingSize *decimal.Decimal `json:"remaining_size"`
	NewSize       *decimal.Decimal `json:"new_size"`
	OldSize       *decimal.Decimal `json:"old_size"`
	Reason        string           `json:"reason"`
	Message       string           `json:"message"`
}

// Decode parses one websocket frame.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	h := Header{Sequence: w.Sequence, ProductID: w.ProductID}
	if w.Time != nil {
		h.Time = *w.Time
	}
	side, sideErr := orderbook.ParseSide(w.Side)

	switch Kind(w.Type) {
	case KindReceived:
		return Received{Header: h, OrderID: w.OrderID, Side: side}, nil
	case KindOpen:
		if w.OrderID == "" || w.Price == nil || w.RemainingSize == nil || sideErr != nil {
			return nil, malformed(w, "open needs order_id, side, price and remaining_size")
		}
		return Open{Header: h, OrderID: w.OrderID, Side: side, Price: *w.Price, RemainingSize: *w.RemainingSize}, nil
	case KindDone:
		if w.OrderID == "" {
			return nil, malformed(w, "done needs order_id")
		}
		return Done{Header: h, OrderID: w.OrderID, Side: side, Price: w.Price, RemainingSize: w.RemainingSize, Reason: w.Reason}, nil
	case KindMatch:
		if w.MakerOrderID == "" || w.Price == nil || w.Size == nil {
			return nil, malformed(w, "match needs maker_order_id, price and size")
		}
		return Match{Header: h, TradeID: w.TradeID, MakerOrderID: w.MakerOrderID, TakerOrderID: w.TakerOrderID,
			Side: side, Price: *w.Price, Size: *w.Size}, nil
	case KindChange:
		if w.OrderID == "" {
			return nil, malformed(w, "change needs order_id")
		}
		return Change{Header: h, OrderID: w.OrderID, Side: side, Price: w.Price, NewSize: w.NewSize, OldSize: w.OldSize}, nil
	case KindHeartbeat:
		return Heartbeat{Header: h, LastTradeID: w.LastTradeID}, nil
	case KindError:
		return Error{Header: h, Message: w.Message, Reason: w.Reason}, nil
	case KindSubscriptions:
		return Subscriptions{Header: h}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
}

func malformed(w wireMessage, why string) error {
	return fmt.Errorf("%w: %s (sequence %d)", ErrMalformed, why, w.Sequence)
}
