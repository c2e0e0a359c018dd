package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divir94/bitcoin/internal/config"
	"github.com/divir94/bitcoin/internal/exchange/common"
	"github.com/divir94/bitcoin/internal/orderbook"
	"github.com/divir94/bitcoin/internal/replica"
)

type stream struct{ frames chan []byte }

func (s *stream) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stream) Close() error { return nil }

type dialer struct{ s *stream }

func (d dialer) Dial(ctx context.Context) (common.Stream, error) { return d.s, nil }

type fetcher struct {
	snaps chan orderbook.Snapshot
	calls atomic.Int32
	level atomic.Int32
}

func (f *fetcher) FetchSnapshot(ctx context.Context, level int) (orderbook.Snapshot, error) {
	f.calls.Add(1)
	f.level.Store(int32(level))
	select {
	case s := <-f.snaps:
		return s, nil
	case <-ctx.Done():
		return orderbook.Snapshot{}, ctx.Err()
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func exchangeBook(seq int64) orderbook.Snapshot {
	return orderbook.Snapshot{
		Sequence: seq,
		Level:    3,
		Bids:     []orderbook.Entry{{Price: d("100"), Size: d("5"), OrderID: "a"}},
		Asks:     []orderbook.Entry{{Price: d("105"), Size: d("2"), OrderID: "b"}},
	}
}

// liveEngine returns an engine live at sequence 11 whose book holds an order the
// exchange does not know about.
func liveEngine(t *testing.T) (*replica.Engine, *stream, *fetcher) {
	t.Helper()
	cfg := config.Default()
	cfg.Reconcile.ReplayTimeoutSeconds = 1
	s := &stream{frames: make(chan []byte, 16)}
	f := &fetcher{snaps: make(chan orderbook.Snapshot, 2)}
	e := replica.New(cfg, dialer{s}, f, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = e.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	f.snaps <- exchangeBook(10)
	s.frames <- []byte(`{"type":"open","sequence":11,"order_id":"ghost","side":"sell","price":"106","remaining_size":"1"}`)
	require.Eventually(t, func() bool { return e.State() == replica.Live && e.Sequence() == 11 }, 2*time.Second, 5*time.Millisecond)
	return e, s, f
}

func TestRunOnceDetectsAndRepairsDrift(t *testing.T) {
	e, s, _ := liveEngine(t)
	cfg := config.Default()
	cfg.Snapshot.ReconcileLevel = 3
	var logs syncBuffer
	rf := &fetcher{snaps: make(chan orderbook.Snapshot, 1)}

	// the exchange moved on to 12 and never had the ghost order
	s.frames <- []byte(`{"type":"heartbeat","sequence":12}`)
	require.Eventually(t, func() bool { return e.Sequence() == 12 }, 2*time.Second, 5*time.Millisecond)
	rf.snaps <- exchangeBook(12)

	r := New(cfg, e, rf, zerolog.New(&logs))
	rep, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Compared)
	assert.True(t, rep.Installed)
	require.Len(t, rep.Diff.Extra, 1)
	assert.Equal(t, "ghost", rep.Diff.Extra[0].OrderID)
	assert.Empty(t, rep.Diff.Missing)
	assert.Contains(t, logs.String(), `"order_id":"ghost"`)

	book, err := e.Snapshot()
	require.NoError(t, err)
	assert.True(t, orderbook.Compare(book, exchangeBook(12)).Empty())
	assert.Equal(t, replica.Live, e.State())
}

func TestRunOnceCleanBookStillReinstalls(t *testing.T) {
	e, s, _ := liveEngine(t)
	rf := &fetcher{snaps: make(chan orderbook.Snapshot, 1)}
	fresh := exchangeBook(11)
	fresh.Asks = append(fresh.Asks, orderbook.Entry{Price: d("106"), Size: d("1"), OrderID: "ghost"})
	rf.snaps <- fresh

	r := New(config.Default(), e, rf, zerolog.Nop())
	rep, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Compared)
	assert.True(t, rep.Diff.Empty())
	assert.True(t, rep.Installed)

	s.frames <- []byte(`{"type":"heartbeat","sequence":12}`)
	require.Eventually(t, func() bool { return e.Sequence() == 12 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunOnceLevel2Resyncs(t *testing.T) {
	e, _, f := liveEngine(t)
	cfg := config.Default()
	cfg.Snapshot.ReconcileLevel = 2
	rf := &fetcher{snaps: make(chan orderbook.Snapshot, 1)}
	rf.snaps <- orderbook.Snapshot{
		Sequence: 11,
		Level:    2,
		Bids:     []orderbook.Entry{{Price: d("100"), Size: d("5")}},
		Asks:     []orderbook.Entry{{Price: d("105"), Size: d("2")}},
	}

	rep, err := New(cfg, e, rf, zerolog.Nop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), rf.level.Load())
	assert.True(t, rep.Resynced)
	require.Len(t, rep.Diff.Extra, 1)
	assert.True(t, rep.Diff.Extra[0].Price.Equal(d("106")))

	// the engine fetched a full book of its own
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	f.snaps <- exchangeBook(11)
	require.Eventually(t, func() bool { return e.State() == replica.Live }, 2*time.Second, 5*time.Millisecond)
}

func TestRunOnceStaleSnapshotResyncs(t *testing.T) {
	e, _, f := liveEngine(t)
	rf := &fetcher{snaps: make(chan orderbook.Snapshot, 1)}
	rf.snaps <- exchangeBook(9)

	rep, err := New(config.Default(), e, rf, zerolog.Nop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Compared)
	assert.True(t, rep.Resynced)
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

type notReady struct{}

func (notReady) BeginAudit() (*replica.Audit, error) { return nil, replica.ErrNotReady }

func TestRunOnceNotReady(t *testing.T) {
	rf := &fetcher{snaps: make(chan orderbook.Snapshot)}
	_, err := New(config.Default(), notReady{}, rf, zerolog.Nop()).RunOnce(context.Background())
	assert.ErrorIs(t, err, replica.ErrNotReady)
	assert.Zero(t, rf.calls.Load())
}

func TestDiffLogIsCapped(t *testing.T) {
	var logs syncBuffer
	cfg := config.Default()
	cfg.Reconcile.MaxLoggedDiffs = 2
	r := New(cfg, notReady{}, nil, zerolog.New(&logs))
	var diff orderbook.Diff
	for i := 0; i < 5; i++ {
		diff.Extra = append(diff.Extra, orderbook.Record{Side: orderbook.Buy, Price: d("1"), Size: d("1"), OrderID: fmt.Sprint(i)})
	}
	r.logDiff(r.log, diff)
	out := logs.String()
	assert.Equal(t, 2, bytes.Count([]byte(out), []byte(`"diff entry"`)))
	assert.Contains(t, out, `"suppressed":3`)
}
