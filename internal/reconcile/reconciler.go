// Package reconcile audits the live replica against fresh exchange snapshots and repairs
// whatever drift it finds.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/divir94/bitcoin/internal/config"
	"github.com/divir94/bitcoin/internal/exchange/common"
	"github.com/divir94/bitcoin/internal/infra/metrics"
	"github.com/divir94/bitcoin/internal/orderbook"
	"github.com/divir94/bitcoin/internal/replica"
)

// Source hands out audits of the live book.
type Source interface {
	BeginAudit() (*replica.Audit, error)
}

type Report struct {
	Started          time.Time
	Level            int
	CopySequence     int64
	SnapshotSequence int64
	// Compared is false when the copy could not be rolled forward to the snapshot.
	Compared  bool
	Diff      orderbook.Diff
	Installed bool
	Resynced  bool
	Duration  time.Duration
}

type Reconciler struct {
	src       Source
	fetcher   common.SnapshotFetcher
	level     int
	interval  time.Duration
	maxLogged int
	log       zerolog.Logger
}

func New(cfg config.Config, src Source, fetcher common.SnapshotFetcher, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		src:       src,
		fetcher:   fetcher,
		level:     cfg.Snapshot.ReconcileLevel,
		interval:  time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second,
		maxLogged: cfg.Reconcile.MaxLoggedDiffs,
		log:       logger,
	}
}

// Run reconciles every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		rep, err := r.RunOnce(ctx)
		switch {
		case errors.Is(err, replica.ErrNotReady), errors.Is(err, replica.ErrAuditBusy):
			r.log.Debug().Err(err).Msg("reconcile skipped")
		case err != nil && ctx.Err() == nil:
			r.log.Error().Err(err).Msg("reconcile failed")
		case err == nil:
			r.log.Info().Int64("snapshot", rep.SnapshotSequence).Bool("compared", rep.Compared).
				Int("extra", len(rep.Diff.Extra)).Int("missing", len(rep.Diff.Missing)).
				Dur("took", rep.Duration).Msg("reconcile done")
		}
	}
}

// RunOnce copies the live book, fetches a fresh snapshot, rolls the copy forward to the
// snapshot's sequence and logs every entry that differs. The live book is then replaced
// with the snapshot whether or not anything differed.
func (r *Reconciler) RunOnce(ctx context.Context) (rep Report, err error) {
	rep = Report{Started: time.Now(), Level: r.level}
	defer func() { rep.Duration = time.Since(rep.Started) }()

	audit, err := r.src.BeginAudit()
	if err != nil {
		return rep, err
	}
	defer audit.Close()
	rep.CopySequence = audit.Copy.Sequence

	snap, err := r.fetcher.FetchSnapshot(ctx, r.level)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("fetch_error").Inc()
		return rep, err
	}
	rep.SnapshotSequence = snap.Sequence
	logger := r.log.With().Int64("snapshot", snap.Sequence).Int64("copy", rep.CopySequence).Logger()

	stale := snap.Sequence < rep.CopySequence
	switch {
	case stale:
		logger.Warn().Msg("snapshot older than replica, diff skipped")
	default:
		if err := audit.ReplayUntil(ctx, snap.Sequence); err != nil {
			// the copy itself rejected a delta: that is drift
			logger.Warn().Err(err).Msg("replica copy diverged during replay")
			break
		}
		rep.Compared = true
		rep.Diff = orderbook.Compare(audit.Copy, snap)
		r.logDiff(logger, rep.Diff)
	}

	// level 2 rows carry no order ids and stale snapshots cannot be joined to the
	// stream, so both fall back to a full resync
	if r.level == 3 && !stale {
		err = audit.Install(snap)
		rep.Installed = err == nil
	} else {
		err = audit.Resync()
		rep.Resynced = err == nil
	}
	result := "clean"
	switch {
	case err != nil:
		result = "install_error"
	case !rep.Compared:
		result = "not_compared"
	case !rep.Diff.Empty():
		result = "drift"
	}
	metrics.ReconcileRunsTotal.WithLabelValues(result).Inc()
	return rep, err
}

func (r *Reconciler) logDiff(logger zerolog.Logger, d orderbook.Diff) {
	metrics.ReconcileDiffs.WithLabelValues("extra").Set(float64(len(d.Extra)))
	metrics.ReconcileDiffs.WithLabelValues("missing").Set(float64(len(d.Missing)))
	if d.Empty() {
		logger.Info().Msg("replica matches snapshot")
		return
	}
	logger.Warn().Int("extra", len(d.Extra)).Int("missing", len(d.Missing)).Msg("replica drifted from snapshot")
	logged := 0
	for _, set := range []struct {
		kind string
		recs []orderbook.Record
	}{{"extra", d.Extra}, {"missing", d.Missing}} {
		for _, rec := range set.recs {
			if r.maxLogged > 0 && logged >= r.maxLogged {
				logger.Warn().Int("suppressed", d.Count()-logged).Msg("diff log truncated")
				return
			}
			logger.Warn().Str("kind", set.kind).Str("side", string(rec.Side)).
				Str("price", rec.Price.String()).Str("size", rec.Size.String()).
				Str("order_id", rec.OrderID).Int("level", d.Level).Msg("diff entry")
			logged++
		}
	}
}
