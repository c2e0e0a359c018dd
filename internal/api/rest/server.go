// Package rest exposes the read-only view of the replica over HTTP.
package rest

import (
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/divir94/bitcoin/internal/infra/health"
	"github.com/divir94/bitcoin/internal/infra/http/middleware"
	"github.com/divir94/bitcoin/internal/infra/metrics"
	"github.com/divir94/bitcoin/internal/infra/version"
	"github.com/divir94/bitcoin/internal/orderbook"
	"github.com/divir94/bitcoin/internal/replica"
)

// Book is the read side of the replica.
type Book interface {
	State() replica.State
	Sequence() int64
	Top() (replica.Top, error)
	Depth(side orderbook.Side, maxLevels int) (replica.Ladder, error)
	Records() ([]orderbook.Record, error)
	Sweep(taker orderbook.Side, size decimal.Decimal) (orderbook.Fill, error)
}

type Server struct {
	router *mux.Router
	book   Book
	log    zerolog.Logger
}

const maxDepth = 1000

func New(book Book, logger zerolog.Logger) *Server {
	s := &Server{router: mux.NewRouter(), book: book, log: logger}
	s.router.Use(middleware.Logger(logger))
	s.router.HandleFunc("/status", s.status).Methods(http.MethodGet)
	b := s.router.PathPrefix("/book").Subrouter()
	b.HandleFunc("/top", s.top).Methods(http.MethodGet)
	b.HandleFunc("/depth", s.depth).Methods(http.MethodGet)
	b.HandleFunc("/records", s.records).Methods(http.MethodGet)
	b.HandleFunc("/sweep", s.sweep).Methods(http.MethodGet)
	return s
}

// MountOps adds probes, version and the admin-gated metrics and pprof routes.
func (s *Server) MountOps(reg *prometheus.Registry, admin []*net.IPNet, withPprof bool) {
	gate := middleware.Allowlist(admin)
	s.router.HandleFunc("/healthz", health.Healthz)
	s.router.HandleFunc("/readyz", health.Readyz)
	s.router.HandleFunc("/version", version.Handler)
	s.router.Handle("/metrics", gate.Gate(metrics.Handler(reg)))
	if withPprof {
		dbg := s.router.PathPrefix("/debug/pprof").Subrouter()
		dbg.Use(gate.Gate)
		dbg.HandleFunc("/cmdline", pprof.Cmdline)
		dbg.HandleFunc("/profile", pprof.Profile)
		dbg.HandleFunc("/symbol", pprof.Symbol)
		dbg.HandleFunc("/trace", pprof.Trace)
		dbg.PathPrefix("/").HandlerFunc(pprof.Index)
	}
}

func (s *Server) Handler() http.Handler { return middleware.RequestID(s.router) }

type statusResponse struct {
	State    string `json:"state"`
	Sequence int64  `json:"sequence"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{State: s.book.State().String(), Sequence: s.book.Sequence()})
}

func (s *Server) top(w http.ResponseWriter, r *http.Request) {
	top, err := s.book.Top()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, top)
}

func (s *Server) depth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side, err := orderbook.ParseSide(q.Get("side"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	levels := 50
	if v := q.Get("levels"); v != "" {
		if levels, err = strconv.Atoi(v); err != nil || levels < 1 || levels > maxDepth {
			http.Error(w, "levels must be between 1 and 1000", http.StatusBadRequest)
			return
		}
	}
	ladder, err := s.book.Depth(side, levels)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ladder)
}

func (s *Server) records(w http.ResponseWriter, r *http.Request) {
	out, err := s.book.Records()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// sweep prices taking size from the book: /book/sweep?side=buy&size=1.5
func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side, err := orderbook.ParseSide(q.Get("side"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	size, err := decimal.NewFromString(q.Get("size"))
	if err != nil || !size.IsPositive() {
		http.Error(w, "size must be a positive decimal", http.StatusBadRequest)
		return
	}
	f, err := s.book.Sweep(side, size)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replica.ErrNotReady):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, orderbook.ErrEmptySide):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, orderbook.ErrInsufficientDepth):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.log.Error().Err(err).Msg("book read failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
