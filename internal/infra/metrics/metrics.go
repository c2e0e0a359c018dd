package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	MessagesTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_messages_total", Help: "Feed messages by type and outcome"}, []string{"type", "outcome"})
	DecodeErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_decode_errors_total", Help: "Frames that failed to decode"})
	SequenceGapsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_sequence_gaps_total", Help: "Detected sequence gaps"})
	ApplyLatencyUs    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "book_apply_latency_us", Help: "Per-delta apply latency", Buckets: prometheus.ExponentialBuckets(1, 2, 16)})

	// lifecycle and data health
	BookRebuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_rebuilds_total", Help: "Orderbook snapshot rebuilds by reason"}, []string{"reason"})
	WSReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ws_reconnects_total", Help: "WS reconnects by reason"}, []string{"reason"})
	BookStalenessMs   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "book_staleness_ms", Help: "Time since the last applied delta"})
	BookSequence      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "book_sequence", Help: "Sequence of the live book"})
	BookLevels        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "book_levels", Help: "Price levels per side"}, []string{"side"})
	BookOrders        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "book_orders", Help: "Resting orders in the live book"})
	EngineState       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "engine_state", Help: "0 disconnected, 1 connecting, 2 syncing, 3 live"})
	QueueDepth        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "resync_queue_depth", Help: "Deltas staged while syncing"})

	SnapshotLatencyMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "snapshot_fetch_latency_ms", Help: "REST snapshot fetch latency by level", Buckets: prometheus.ExponentialBuckets(10, 2, 12)}, []string{"level"})
	APIErrorsTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "api_errors_total", Help: "API errors by exchange and endpoint"}, []string{"exchange", "endpoint"})

	ReconcileRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reconcile_runs_total", Help: "Reconciliation passes by result"}, []string{"result"})
	ReconcileDiffs     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "reconcile_diffs", Help: "Entries differing in the last pass"}, []string{"kind"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests by route and status"}, []string{"route", "code"})
	HTTPLatencyMs     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "http_request_latency_ms", Help: "HTTP handler latency by route", Buckets: prometheus.ExponentialBuckets(0.1, 2, 14)}, []string{"route"})

	CheckpointsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "checkpoints_total", Help: "Book checkpoints by result"}, []string{"result"})
)

func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		MessagesTotal, DecodeErrorsTotal, SequenceGapsTotal, ApplyLatencyUs,
		BookRebuildsTotal, WSReconnectsTotal, BookStalenessMs, BookSequence, BookLevels, BookOrders,
		EngineState, QueueDepth, SnapshotLatencyMs, APIErrorsTotal,
		ReconcileRunsTotal, ReconcileDiffs, CheckpointsTotal, HTTPRequestsTotal, HTTPLatencyMs,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
