package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Sequence: 10,
		Level:    3,
		Bids: []Entry{
			{Price: d("100"), Size: d("5"), OrderID: "a"},
			{Price: d("100"), Size: d("1"), OrderID: "c"},
			{Price: d("99"), Size: d("2"), OrderID: "d"},
		},
		Asks: []Entry{{Price: d("105"), Size: d("2"), OrderID: "b"}},
	}
}

func TestFromSnapshotRoundTrip(t *testing.T) {
	snap := sampleSnapshot()
	b, err := FromSnapshot(snap)
	require.NoError(t, err)
	require.NoError(t, b.Check())
	assert.Equal(t, int64(10), b.Sequence)
	assert.True(t, Compare(b, snap).Empty())

	// set equality with the raw triples
	got := map[string]bool{}
	for _, r := range b.Records() {
		got[r.Price.String()+"|"+r.Size.String()+"|"+r.OrderID] = true
	}
	for _, e := range append(snap.Bids, snap.Asks...) {
		assert.True(t, got[e.Price.String()+"|"+e.Size.String()+"|"+e.OrderID], e.OrderID)
	}
	assert.Len(t, got, 4)
}

func TestFromSnapshotDuplicateID(t *testing.T) {
	snap := sampleSnapshot()
	snap.Asks = append(snap.Asks, Entry{Price: d("106"), Size: d("1"), OrderID: "a"})
	_, err := FromSnapshot(snap)
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestCompareLevel3(t *testing.T) {
	snap := sampleSnapshot()
	b, err := FromSnapshot(snap)
	require.NoError(t, err)

	// drift: an order the exchange no longer has, and a size mismatch
	_, err = b.Add(Sell, d("106"), d("1"), "ghost")
	require.NoError(t, err)
	_, err = b.Update("d", d("1.5"))
	require.NoError(t, err)

	diff := Compare(b, snap)
	assert.Equal(t, 3, diff.Count())
	require.Len(t, diff.Missing, 1)
	assert.Equal(t, "d", diff.Missing[0].OrderID)
	assert.True(t, diff.Missing[0].Size.Equal(d("2")))
	require.Len(t, diff.Extra, 2)
	ids := []string{diff.Extra[0].OrderID, diff.Extra[1].OrderID}
	assert.ElementsMatch(t, []string{"d", "ghost"}, ids)
}

func TestCompareNumericEquality(t *testing.T) {
	snap := Snapshot{Sequence: 1, Level: 3, Bids: []Entry{{Price: d("100.00"), Size: d("5.0"), OrderID: "a"}}}
	b := New(1)
	_, _ = b.Add(Buy, d("100"), d("5"), "a")
	assert.True(t, Compare(b, snap).Empty())
}

func TestCompareLevel2(t *testing.T) {
	b, err := FromSnapshot(sampleSnapshot())
	require.NoError(t, err)
	l2 := Snapshot{
		Sequence: 10,
		Level:    2,
		Bids:     []Entry{{Price: d("100"), Size: d("6")}, {Price: d("99"), Size: d("2")}},
		Asks:     []Entry{{Price: d("105"), Size: d("2")}},
	}
	assert.True(t, Compare(b, l2).Empty())

	l2.Asks[0].Size = d("3")
	diff := Compare(b, l2)
	assert.Equal(t, 2, diff.Count())
	assert.Equal(t, Sell, diff.Missing[0].Side)
}

func TestFromLevel2Snapshot(t *testing.T) {
	l2 := Snapshot{
		Sequence: 3,
		Level:    2,
		Bids:     []Entry{{Price: d("100"), Size: d("6")}},
		Asks:     []Entry{{Price: d("105"), Size: d("2")}},
	}
	b, err := FromSnapshot(l2)
	require.NoError(t, err)
	bid, ask, err := b.BestBidAsk()
	require.NoError(t, err)
	assert.True(t, bid.Equal(d("100")))
	assert.True(t, ask.Equal(d("105")))
}
