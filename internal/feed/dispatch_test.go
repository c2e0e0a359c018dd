package feed

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divir94/bitcoin/internal/orderbook"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal { v := d(s); return &v }

func hdr(seq int64) Header { return Header{Sequence: seq} }

// stateA is the book after the snapshot at 10 plus open c at 11.
func stateA(t *testing.T) *orderbook.OrderBook {
	t.Helper()
	b, err := orderbook.FromSnapshot(orderbook.Snapshot{
		Sequence: 10,
		Level:    3,
		Bids:     []orderbook.Entry{{Price: d("100"), Size: d("5"), OrderID: "a"}},
		Asks:     []orderbook.Entry{{Price: d("105"), Size: d("2"), OrderID: "b"}},
	})
	require.NoError(t, err)
	out, err := Apply(b, Open{Header: hdr(11), OrderID: "c", Side: orderbook.Buy, Price: d("99"), RemainingSize: d("3")})
	require.NoError(t, err)
	require.Equal(t, Applied, out)
	return b
}

func TestOpenAddsLevel(t *testing.T) {
	b := stateA(t)
	assert.Equal(t, int64(11), b.Sequence)
	depth := b.Depth(orderbook.Buy, 0)
	require.Len(t, depth, 2)
	assert.True(t, depth[0].Price.Equal(d("100")))
	assert.True(t, depth[0].Size.Equal(d("5")))
	assert.True(t, depth[1].Price.Equal(d("99")))
	assert.True(t, depth[1].Size.Equal(d("3")))
	e, err := b.Get("c")
	require.NoError(t, err)
	assert.True(t, e.Size.Equal(d("3")))
}

func TestMatchFullFillRemovesLevel(t *testing.T) {
	b := stateA(t)
	_, err := Apply(b, Match{Header: hdr(12), MakerOrderID: "b", Side: orderbook.Sell, Price: d("105"), Size: d("2")})
	require.NoError(t, err)
	assert.Empty(t, b.Depth(orderbook.Sell, 0))
	assert.False(t, b.Has("b"))
	assert.Equal(t, int64(12), b.Sequence)
	require.NoError(t, b.Check())
}

func TestChangeShrinks(t *testing.T) {
	b := stateA(t)
	_, err := Apply(b, Received{Header: hdr(12)})
	require.NoError(t, err)
	_, err = Apply(b, Change{Header: hdr(13), OrderID: "a", Side: orderbook.Buy, Price: dp("100"), OldSize: dp("5"), NewSize: dp("2")})
	require.NoError(t, err)
	lvl, ok := b.LevelAt(orderbook.Buy, d("100"))
	require.True(t, ok)
	assert.True(t, lvl.Size.Equal(d("2")))
	e, err := b.Get("a")
	require.NoError(t, err)
	assert.True(t, e.Size.Equal(d("2")))
}

func TestDoneUnknownAdvances(t *testing.T) {
	b := stateA(t)
	for seq := int64(12); seq <= 13; seq++ {
		_, err := Apply(b, Heartbeat{Header: hdr(seq)})
		require.NoError(t, err)
	}
	before := b.Records()
	out, err := Apply(b, Done{Header: hdr(14), OrderID: "zzz", Reason: "filled"})
	require.NoError(t, err)
	assert.Equal(t, Applied, out)
	assert.Equal(t, int64(14), b.Sequence)
	after := b.Records()
	require.Len(t, after, len(before))
}

func TestDoneIdempotent(t *testing.T) {
	b := stateA(t)
	_, err := Apply(b, Done{Header: hdr(12), OrderID: "c", Side: orderbook.Buy, Price: dp("99"), Reason: "canceled"})
	require.NoError(t, err)
	once := b.Clone()

	// same order again under the next sequence: nothing left to remove
	_, err = Apply(b, Done{Header: hdr(13), OrderID: "c", Side: orderbook.Buy, Price: dp("99"), Reason: "canceled"})
	require.NoError(t, err)
	assert.True(t, orderbook.Compare(b, orderbook.Snapshot{
		Sequence: once.Sequence, Level: 3,
		Bids: once.Entries(orderbook.Buy), Asks: once.Entries(orderbook.Sell),
	}).Empty())

	// replay of the same frame is dropped as stale
	out, err := Apply(b, Done{Header: hdr(13), OrderID: "c"})
	require.NoError(t, err)
	assert.Equal(t, Skipped, out)
}

func TestGapLeavesBookUntouched(t *testing.T) {
	b := stateA(t)
	before := b.Clone()
	_, err := Apply(b, Open{Header: hdr(15), OrderID: "x", Side: orderbook.Sell, Price: d("110"), RemainingSize: d("1")})
	var gap *GapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, int64(12), gap.Expected)
	assert.Equal(t, int64(15), gap.Got)
	assert.True(t, errors.Is(err, ErrSequenceGap))
	assert.True(t, RequiresResync(err))
	assert.Equal(t, int64(11), b.Sequence)
	assert.False(t, b.Has("x"))
	assert.Equal(t, before.Orders(), b.Orders())
}

func TestStaleIsSkipped(t *testing.T) {
	b := stateA(t)
	out, err := Apply(b, Open{Header: hdr(11), OrderID: "c", Side: orderbook.Buy, Price: d("99"), RemainingSize: d("3")})
	require.NoError(t, err)
	assert.Equal(t, Skipped, out)
	out, err = Apply(b, Heartbeat{Header: hdr(3)})
	require.NoError(t, err)
	assert.Equal(t, Skipped, out)
}

func TestMatchUnknownMakerForcesResync(t *testing.T) {
	b := stateA(t)
	_, err := Apply(b, Match{Header: hdr(12), MakerOrderID: "nope", Side: orderbook.Sell, Price: d("105"), Size: d("1")})
	assert.ErrorIs(t, err, ErrStaleReference)
	assert.True(t, RequiresResync(err))
	assert.Equal(t, int64(11), b.Sequence)
}

func TestInvariantViolations(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{"match price", Match{Header: hdr(12), MakerOrderID: "b", Side: orderbook.Sell, Price: d("106"), Size: d("1")}},
		{"match oversize", Match{Header: hdr(12), MakerOrderID: "b", Side: orderbook.Sell, Price: d("105"), Size: d("3")}},
		{"match negative size", Match{Header: hdr(12), MakerOrderID: "b", Side: orderbook.Sell, Price: d("105"), Size: d("-3")}},
		{"match zero size", Match{Header: hdr(12), MakerOrderID: "b", Side: orderbook.Sell, Price: d("105"), Size: d("0")}},
		{"match side", Match{Header: hdr(12), MakerOrderID: "b", Side: orderbook.Buy, Price: d("105"), Size: d("1")}},
		{"done price", Done{Header: hdr(12), OrderID: "a", Price: dp("101")}},
		{"change grows", Change{Header: hdr(12), OrderID: "a", Price: dp("100"), OldSize: dp("5"), NewSize: dp("6")}},
		{"change price", Change{Header: hdr(12), OrderID: "a", Price: dp("99"), NewSize: dp("1")}},
		{"open duplicate", Open{Header: hdr(12), OrderID: "a", Side: orderbook.Sell, Price: d("110"), RemainingSize: d("1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := stateA(t)
			before := b.Records()
			_, err := Apply(b, tc.msg)
			require.ErrorIs(t, err, ErrInvariant)
			assert.True(t, RequiresResync(err))
			assert.Equal(t, int64(11), b.Sequence)
			assert.Equal(t, before, b.Records())
			require.NoError(t, b.Check())
		})
	}
}

func TestNegativeMatchNeverGrowsMaker(t *testing.T) {
	b := stateA(t)
	msg, err := Decode([]byte(`{"type":"match","sequence":12,"maker_order_id":"b","side":"sell","price":"105","size":"-3"}`))
	require.NoError(t, err)
	_, err = Apply(b, msg)
	require.ErrorIs(t, err, ErrInvariant)
	e, err := b.Get("b")
	require.NoError(t, err)
	assert.True(t, e.Size.Equal(d("2")), e.Size.String())
}

func TestChangeWithoutPriceIsIgnored(t *testing.T) {
	b := stateA(t)
	_, err := Apply(b, Change{Header: hdr(12), OrderID: "a", NewSize: dp("1")})
	require.NoError(t, err)
	_, err = Apply(b, Change{Header: hdr(13), OrderID: "unknown", Price: dp("100"), NewSize: dp("1")})
	require.NoError(t, err)
	e, err := b.Get("a")
	require.NoError(t, err)
	assert.True(t, e.Size.Equal(d("5")))
	assert.Equal(t, int64(13), b.Sequence)
}

func TestErrorFrameRequestsResync(t *testing.T) {
	b := stateA(t)
	_, err := Apply(b, Error{Message: "Failed to subscribe"})
	assert.ErrorIs(t, err, ErrExchange)
	assert.True(t, RequiresResync(err))
	out, err := Apply(b, Subscriptions{})
	require.NoError(t, err)
	assert.Equal(t, Skipped, out)
}
