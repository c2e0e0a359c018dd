// Package store persists flat book checkpoints in an embedded pebble database.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/divir94/bitcoin/internal/infra/metrics"
	"github.com/divir94/bitcoin/internal/orderbook"
)

var ErrNoCheckpoint = errors.New("no checkpoint stored")

const prefix = "checkpoint/"

// Checkpoint is the flat form of a book at one sequence.
type Checkpoint struct {
	Sequence int64              `json:"sequence"`
	TakenAt  time.Time          `json:"taken_at"`
	Records  []orderbook.Record `json:"records"`
}

type Checkpoints struct {
	db   *pebble.DB
	keep int
}

// Open opens or creates the store at path. keep bounds how many checkpoints Prune retains.
func Open(path string, keep int) (*Checkpoints, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store %s: %w", path, err)
	}
	return &Checkpoints{db: db, keep: keep}, nil
}

func (c *Checkpoints) Close() error { return c.db.Close() }

func key(seq int64) []byte { return []byte(fmt.Sprintf("%s%020d", prefix, seq)) }

func bounds() *pebble.IterOptions {
	return &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: []byte(prefix + "~")}
}

func (c *Checkpoints) Save(cp Checkpoint) error {
	val, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return c.db.Set(key(cp.Sequence), val, pebble.Sync)
}

func (c *Checkpoints) Get(seq int64) (Checkpoint, error) {
	val, closer, err := c.db.Get(key(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, err
	}
	defer closer.Close()
	var cp Checkpoint
	if err := json.Unmarshal(val, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %d: %w", seq, err)
	}
	return cp, nil
}

// Latest returns the checkpoint with the highest sequence.
func (c *Checkpoints) Latest() (Checkpoint, error) {
	it, err := c.db.NewIter(bounds())
	if err != nil {
		return Checkpoint{}, err
	}
	if !it.Last() {
		_ = it.Close()
		return Checkpoint{}, ErrNoCheckpoint
	}
	seq, err := seqOf(it.Key())
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return c.Get(seq)
}

func seqOf(k []byte) (int64, error) {
	var seq int64
	if _, err := fmt.Sscanf(string(k[len(prefix):]), "%d", &seq); err != nil {
		return 0, fmt.Errorf("bad checkpoint key %q: %w", k, err)
	}
	return seq, nil
}

// Sequences lists stored checkpoints, oldest first.
func (c *Checkpoints) Sequences() ([]int64, error) {
	it, err := c.db.NewIter(bounds())
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []int64
	for ok := it.First(); ok; ok = it.Next() {
		seq, err := seqOf(it.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, it.Error()
}

// Prune drops all but the newest keep checkpoints and reports how many were removed.
func (c *Checkpoints) Prune() (int, error) {
	if c.keep <= 0 {
		return 0, nil
	}
	seqs, err := c.Sequences()
	if err != nil {
		return 0, err
	}
	drop := len(seqs) - c.keep
	if drop <= 0 {
		return 0, nil
	}
	if err := c.db.DeleteRange([]byte(prefix), key(seqs[drop]), pebble.Sync); err != nil {
		return 0, err
	}
	return drop, nil
}

// BookSource yields consistent copies of the live book.
type BookSource interface {
	Snapshot() (*orderbook.OrderBook, error)
}

// Recorder writes a checkpoint of the live book on a fixed interval.
type Recorder struct {
	src      BookSource
	store    *Checkpoints
	interval time.Duration
	log      zerolog.Logger
	last     int64
}

// NewRecorder resumes after the newest stored checkpoint, so a restart does not rewrite it.
func NewRecorder(src BookSource, store *Checkpoints, interval time.Duration, logger zerolog.Logger) *Recorder {
	r := &Recorder{src: src, store: store, interval: interval, log: logger}
	switch cp, err := store.Latest(); {
	case err == nil:
		r.last = cp.Sequence
		logger.Info().Int64("sequence", cp.Sequence).Time("taken_at", cp.TakenAt).
			Int("records", len(cp.Records)).Msg("resuming after stored checkpoint")
	case !errors.Is(err, ErrNoCheckpoint):
		logger.Warn().Err(err).Msg("cannot read latest checkpoint")
	}
	return r
}

func (r *Recorder) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := r.RecordOnce(); err != nil {
				r.log.Warn().Err(err).Msg("checkpoint failed")
			}
		}
	}
}

// RecordOnce stores the current book unless its sequence was already stored.
func (r *Recorder) RecordOnce() error {
	book, err := r.src.Snapshot()
	if err != nil {
		metrics.CheckpointsTotal.WithLabelValues("skipped").Inc()
		return err
	}
	if book.Sequence == r.last {
		metrics.CheckpointsTotal.WithLabelValues("unchanged").Inc()
		return nil
	}
	cp := Checkpoint{Sequence: book.Sequence, TakenAt: time.Now().UTC(), Records: book.Records()}
	if err := r.store.Save(cp); err != nil {
		metrics.CheckpointsTotal.WithLabelValues("error").Inc()
		return err
	}
	r.last = book.Sequence
	metrics.CheckpointsTotal.WithLabelValues("ok").Inc()
	pruned, err := r.store.Prune()
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	r.log.Debug().Int64("sequence", cp.Sequence).Int("records", len(cp.Records)).Int("pruned", pruned).Msg("checkpoint stored")
	return nil
}
