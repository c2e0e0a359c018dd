package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/divir94/bitcoin/internal/infra/metrics"
)

const requestIDHeader = "X-Request-Id"

type ctxKey struct{}

// RequestID propagates the caller's X-Request-Id or assigns a fresh one, on both
// the request context and the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, rid)))
	})
}

func GetRequestID(ctx context.Context) string {
	rid, _ := ctx.Value(ctxKey{}).(string)
	return rid
}

// Logger is mux middleware that logs each request and observes it under its route
// template, so /book/depth?side=buy and ?side=sell share one series.
func Logger(l zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			lat := time.Since(start)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rw.status)).Inc()
			metrics.HTTPLatencyMs.WithLabelValues(route).Observe(float64(lat.Microseconds()) / 1000)

			ev := l.Debug()
			if rw.status >= 500 {
				ev = l.Warn()
			}
			ev.Str("rid", GetRequestID(r.Context())).
				Str("method", r.Method).
				Str("route", route).
				Int("status", rw.status).
				Dur("latency", lat).
				Msg("http_request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
