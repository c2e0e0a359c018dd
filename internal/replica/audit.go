package replica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/divir94/bitcoin/internal/feed"
	"github.com/divir94/bitcoin/internal/orderbook"
)

var (
	ErrAuditBusy     = errors.New("another audit is running")
	ErrAuditDetached = errors.New("audit detached by reconnect or newer audit")
	ErrReplayTimeout = errors.New("timed out waiting for deltas")
)

// Audit is an out-of-band check of the live book. Copy is a deep copy taken at Begin;
// every delta the reader sees afterwards is teed into the audit so the copy can be rolled
// forward to any later sequence.
type Audit struct {
	e    *Engine
	tap  *Queue
	Copy *orderbook.OrderBook
}

// BeginAudit copies the live book. It fails with ErrNotReady unless the engine is live.
func (e *Engine) BeginAudit() (*Audit, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if e.State() != Live {
		return nil, ErrNotReady
	}
	if e.tap != nil {
		return nil, ErrAuditBusy
	}
	e.mu.RLock()
	cp := e.book.Clone()
	e.mu.RUnlock()
	e.tap = NewQueue()
	return &Audit{e: e, tap: e.tap, Copy: cp}, nil
}

// ReplayUntil applies teed deltas to Copy until it reaches seq, waiting for the reader when
// none are pending. Deltas beyond seq stay queued for Install.
func (a *Audit) ReplayUntil(ctx context.Context, seq int64) error {
	timer := time.NewTimer(a.e.replay)
	defer timer.Stop()
	for a.Copy.Sequence < seq {
		msg, ok := a.tap.Peek()
		if !ok {
			select {
			case <-a.tap.Notify():
				continue
			case <-timer.C:
				return fmt.Errorf("%w: copy at %d, want %d", ErrReplayTimeout, a.Copy.Sequence, seq)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if msg.Seq() > seq {
			return &feed.GapError{Expected: a.Copy.Sequence + 1, Got: msg.Seq()}
		}
		a.tap.Pop()
		if _, err := feed.Apply(a.Copy, msg); err != nil {
			return err
		}
	}
	return nil
}

// Install replaces the live book with snap, replaying every teed delta newer than it.
// It returns once the new book is live.
func (a *Audit) Install(snap orderbook.Snapshot) error {
	book, err := orderbook.FromSnapshot(snap)
	if err != nil {
		return err
	}
	e := a.e
	e.syncMu.Lock()
	if e.tap != a.tap {
		e.syncMu.Unlock()
		return ErrAuditDetached
	}
	e.tap = nil
	gen := e.beginSync(a.tap.Drain(), "reconcile")
	e.syncMu.Unlock()
	return e.finish(gen, book)
}

// Resync drops the audit and rebuilds the live book from a fresh full snapshot.
func (a *Audit) Resync() error {
	e := a.e
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if e.tap != a.tap {
		return ErrAuditDetached
	}
	e.tap = nil
	e.enterSyncing("reconcile")
	return nil
}

// Close detaches the tap; it is a no-op after Install or Resync.
func (a *Audit) Close() {
	a.e.syncMu.Lock()
	if a.e.tap == a.tap {
		a.e.tap = nil
	}
	a.e.syncMu.Unlock()
}
