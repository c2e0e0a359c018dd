// Package replica keeps a local copy of the exchange order book in sync with the live feed.
//
// One reader goroutine owns the feed connection and is the only goroutine that applies
// deltas to the live book. While a snapshot is outstanding, deltas are staged in a Queue and
// the resync goroutine replays them onto the fresh book before handing it to the reader.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/divir94/bitcoin/internal/config"
	"github.com/divir94/bitcoin/internal/exchange/common"
	"github.com/divir94/bitcoin/internal/feed"
	"github.com/divir94/bitcoin/internal/infra/health"
	"github.com/divir94/bitcoin/internal/infra/metrics"
	"github.com/divir94/bitcoin/internal/orderbook"
)

var (
	ErrNotReady  = errors.New("order book not ready")
	errAbandoned = errors.New("resync superseded")
)

type Engine struct {
	dialer  common.FeedDialer
	fetcher common.SnapshotFetcher
	log     zerolog.Logger
	level   int
	replay  time.Duration

	newBackOff func() backoff.BackOff

	state   atomic.Int32
	restart atomic.Bool

	// mu guards book. Readers take it shared; the reader goroutine and the book
	// handoff take it exclusively.
	mu   sync.RWMutex
	book *orderbook.OrderBook

	// syncMu orders routing decisions on the reader against resync and audit handoffs.
	// Lock order is syncMu then mu.
	syncMu       sync.Mutex
	gen          uint64
	queue        *Queue
	staged       int64 // highest sequence staged in the current generation
	tap          *Queue
	cancelResync context.CancelFunc
	runCtx       context.Context
	stop         context.CancelCauseFunc

	wg sync.WaitGroup
}

func New(cfg config.Config, dialer common.FeedDialer, fetcher common.SnapshotFetcher, logger zerolog.Logger) *Engine {
	return &Engine{
		dialer:  dialer,
		fetcher: fetcher,
		log:     logger,
		level:   cfg.Snapshot.InitialLevel,
		replay:  time.Duration(cfg.Reconcile.ReplayTimeoutSeconds) * time.Second,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
		queue: NewQueue(),
	}
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	metrics.EngineState.Set(float64(s))
}

// Run connects, syncs and applies the feed until ctx ends. Connection failures and
// heartbeat timeouts reconnect with backoff. It returns an error only when a snapshot
// could not be fetched within the retry budget.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	e.syncMu.Lock()
	e.runCtx, e.stop = runCtx, stop
	e.syncMu.Unlock()

	bo := e.newBackOff()
	for runCtx.Err() == nil {
		e.setState(Connecting)
		stream, err := e.dialer.Dial(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			metrics.WSReconnectsTotal.WithLabelValues("dial_error").Inc()
			e.log.Warn().Err(err).Msg("feed dial failed")
			sleep(runCtx, bo.NextBackOff())
			continue
		}
		bo.Reset()

		err = e.consume(runCtx, stream)
		_ = stream.Close()
		e.disconnect()
		if runCtx.Err() != nil {
			break
		}
		reason := "read_error"
		if errors.Is(err, common.ErrHeartbeatTimeout) {
			reason = "heartbeat_timeout"
		}
		metrics.WSReconnectsTotal.WithLabelValues(reason).Inc()
		e.log.Warn().Err(err).Str("reason", reason).Msg("feed lost, reconnecting")
		sleep(runCtx, bo.NextBackOff())
	}

	e.disconnect()
	e.wg.Wait()
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d == backoff.Stop {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// disconnect abandons any resync and audit tied to the closed connection. The last
// installed book stays readable.
func (e *Engine) disconnect() {
	e.syncMu.Lock()
	e.gen++
	if e.cancelResync != nil {
		e.cancelResync()
		e.cancelResync = nil
	}
	e.queue.Reset()
	e.staged = 0
	e.tap = nil
	e.restart.Store(false)
	e.setState(Disconnected)
	e.syncMu.Unlock()
	health.SetReady(false)
}

func (e *Engine) consume(ctx context.Context, stream common.Stream) error {
	e.syncMu.Lock()
	e.enterSyncing("connect")
	e.syncMu.Unlock()

	for {
		frame, err := stream.Read(ctx)
		if err != nil {
			return err
		}
		msg, err := feed.Decode(frame)
		if err != nil {
			metrics.DecodeErrorsTotal.Inc()
			e.log.Warn().Err(err).Bytes("frame", truncate(frame, 256)).Msg("dropping undecodable frame")
			continue
		}
		e.handle(msg)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

func (e *Engine) handle(msg feed.Message) {
	if !msg.At().IsZero() {
		metrics.BookStalenessMs.Set(float64(time.Since(msg.At()).Milliseconds()))
	}
	switch m := msg.(type) {
	case feed.Subscriptions:
		e.log.Info().Msg("subscription confirmed")
		return
	case feed.Error:
		metrics.MessagesTotal.WithLabelValues(string(m.Kind()), "error").Inc()
		e.log.Error().Str("message", m.Message).Str("reason", m.Reason).Msg("exchange error frame, resyncing")
		e.syncMu.Lock()
		e.enterSyncing("exchange_error")
		e.syncMu.Unlock()
		return
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if e.tap != nil {
		e.tap.Push(msg)
	}
	if e.restart.Load() {
		e.enterSyncing("restart", msg)
		return
	}
	switch e.State() {
	case Syncing:
		if e.staged > 0 && msg.Seq() > e.staged+1 {
			// the staged stream is already broken; the pending snapshot cannot be joined to it
			metrics.SequenceGapsTotal.Inc()
			e.log.Warn().Int64("expected", e.staged+1).Int64("got", msg.Seq()).Msg("gap while syncing")
			e.enterSyncing("gap", msg)
			return
		}
		e.stage(msg)
		metrics.QueueDepth.Set(float64(e.queue.Len()))
	case Live:
		e.applyLive(msg)
	}
}

// applyLive runs on the reader with syncMu held.
func (e *Engine) applyLive(msg feed.Message) {
	start := time.Now()
	e.mu.Lock()
	out, err := feed.Apply(e.book, msg)
	bids, asks := e.book.Levels()
	orders := e.book.Orders()
	e.mu.Unlock()
	metrics.ApplyLatencyUs.Observe(float64(time.Since(start).Microseconds()))

	if err != nil {
		metrics.MessagesTotal.WithLabelValues(string(msg.Kind()), "rejected").Inc()
		reason := "invariant"
		if errors.Is(err, feed.ErrSequenceGap) {
			reason = "gap"
			metrics.SequenceGapsTotal.Inc()
		}
		e.log.Warn().Err(err).Int64("sequence", msg.Seq()).Str("type", string(msg.Kind())).Msg("live book diverged")
		e.enterSyncing(reason, msg)
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Kind()), out.String()).Inc()
	metrics.BookSequence.Set(float64(msg.Seq()))
	metrics.BookLevels.WithLabelValues("buy").Set(float64(bids))
	metrics.BookLevels.WithLabelValues("sell").Set(float64(asks))
	metrics.BookOrders.Set(float64(orders))
}

// beginSync abandons any in-flight resync and stages seed as the head of a fresh queue.
// Callers hold syncMu.
func (e *Engine) beginSync(seed []feed.Message, reason string) uint64 {
	e.gen++
	if e.cancelResync != nil {
		e.cancelResync()
		e.cancelResync = nil
	}
	e.restart.Store(false)
	e.queue.Reset()
	e.staged = 0
	for _, m := range seed {
		e.stage(m)
	}
	e.setState(Syncing)
	metrics.BookRebuildsTotal.WithLabelValues(reason).Inc()
	metrics.QueueDepth.Set(float64(len(seed)))
	return e.gen
}

// stage appends m to the resync queue. Callers hold syncMu.
func (e *Engine) stage(m feed.Message) {
	e.queue.Push(m)
	if m.Seq() > e.staged {
		e.staged = m.Seq()
	}
}

// enterSyncing starts a snapshot fetch with seed as the head of the staging queue.
// Callers hold syncMu.
func (e *Engine) enterSyncing(reason string, seed ...feed.Message) {
	gen := e.beginSync(seed, reason)
	ctx, cancel := context.WithCancel(e.runCtx)
	e.cancelResync = cancel
	e.log.Info().Str("reason", reason).Uint64("generation", gen).Msg("syncing from snapshot")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.resync(ctx, gen)
	}()
}

func (e *Engine) resync(ctx context.Context, gen uint64) {
	snap, err := e.fetcher.FetchSnapshot(ctx, e.level)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.log.Error().Err(err).Msg("snapshot retries exhausted")
		e.stop(fmt.Errorf("snapshot: %w", err))
		return
	}
	book, err := orderbook.FromSnapshot(snap)
	if err != nil {
		e.log.Error().Err(err).Int64("snapshot", snap.Sequence).Msg("unusable snapshot")
		e.flagRestart(gen)
		return
	}
	if err := e.finish(gen, book); err != nil && !errors.Is(err, errAbandoned) {
		e.log.Warn().Err(err).Msg("replay failed, resyncing")
	}
}

// resyncFrom restarts generation gen with failed and everything still staged behind it.
func (e *Engine) resyncFrom(gen uint64, reason string, failed feed.Message) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if e.gen != gen {
		return
	}
	e.enterSyncing(reason, append([]feed.Message{failed}, e.queue.Drain()...)...)
}

func (e *Engine) flagRestart(gen uint64) {
	e.syncMu.Lock()
	if e.gen == gen {
		e.restart.Store(true)
	}
	e.syncMu.Unlock()
}

// finish replays the staged queue onto book and installs it once the queue is empty.
// The empty check and the switch to Live happen under syncMu, so the reader either
// staged a delta here or applies it to the installed book, never both.
func (e *Engine) finish(gen uint64, book *orderbook.OrderBook) error {
	base, replayed, skipped := book.Sequence, 0, 0
	for {
		e.syncMu.Lock()
		if e.gen != gen {
			e.syncMu.Unlock()
			return errAbandoned
		}
		msg, ok := e.queue.Pop()
		if !ok {
			// the reader may write book as soon as syncMu is released
			e.mu.Lock()
			e.book = book
			bids, asks := book.Levels()
			orders, seq := book.Orders(), book.Sequence
			e.mu.Unlock()
			e.setState(Live)
			e.syncMu.Unlock()

			health.SetReady(true)
			metrics.QueueDepth.Set(0)
			metrics.BookSequence.Set(float64(seq))
			metrics.BookLevels.WithLabelValues("buy").Set(float64(bids))
			metrics.BookLevels.WithLabelValues("sell").Set(float64(asks))
			metrics.BookOrders.Set(float64(orders))
			e.log.Info().Int64("snapshot", base).Int64("sequence", seq).
				Int("replayed", replayed).Int("skipped", skipped).Msg("book live")
			return nil
		}
		e.syncMu.Unlock()

		out, err := feed.Apply(book, msg)
		if err != nil {
			reason := "invariant"
			if errors.Is(err, feed.ErrSequenceGap) {
				reason = "gap"
				metrics.SequenceGapsTotal.Inc()
			}
			e.resyncFrom(gen, reason, msg)
			return fmt.Errorf("replay onto snapshot %d: %w", base, err)
		}
		if out == feed.Skipped {
			skipped++
		} else {
			replayed++
		}
	}
}

func (e *Engine) view(fn func(b *orderbook.OrderBook) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.book == nil {
		return ErrNotReady
	}
	return fn(e.book)
}

// Sequence is the sequence of the installed book, 0 before the first sync.
func (e *Engine) Sequence() int64 {
	var seq int64
	_ = e.view(func(b *orderbook.OrderBook) error { seq = b.Sequence; return nil })
	return seq
}

// Top is the best bid and ask together with the sequence they were read at.
type Top struct {
	Sequence int64           `json:"sequence"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
}

// Ladder is one side's aggregated depth at a sequence.
type Ladder struct {
	Sequence int64             `json:"sequence"`
	Side     orderbook.Side    `json:"side"`
	Levels   []orderbook.Level `json:"levels"`
}

func (e *Engine) Top() (Top, error) {
	var top Top
	err := e.view(func(b *orderbook.OrderBook) (err error) {
		top.Sequence = b.Sequence
		top.Bid, top.Ask, err = b.BestBidAsk()
		return err
	})
	return top, err
}

func (e *Engine) Depth(side orderbook.Side, maxLevels int) (Ladder, error) {
	l := Ladder{Side: side}
	err := e.view(func(b *orderbook.OrderBook) error {
		l.Sequence = b.Sequence
		l.Levels = b.Depth(side, maxLevels)
		return nil
	})
	return l, err
}

func (e *Engine) Records() ([]orderbook.Record, error) {
	var out []orderbook.Record
	err := e.view(func(b *orderbook.OrderBook) error {
		out = b.Records()
		return nil
	})
	return out, err
}

func (e *Engine) Sweep(taker orderbook.Side, size decimal.Decimal) (orderbook.Fill, error) {
	var f orderbook.Fill
	err := e.view(func(b *orderbook.OrderBook) (err error) {
		f, err = b.Sweep(taker, size)
		return err
	})
	return f, err
}

// Snapshot returns a deep copy of the installed book.
func (e *Engine) Snapshot() (*orderbook.OrderBook, error) {
	var out *orderbook.OrderBook
	err := e.view(func(b *orderbook.OrderBook) error {
		out = b.Clone()
		return nil
	})
	return out, err
}
