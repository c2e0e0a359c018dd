package health

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

var (
	ready   atomic.Bool
	changed atomic.Int64
)

// SetReady marks whether a synced book is being served.
func SetReady(v bool) {
	if ready.Swap(v) != v {
		changed.Store(time.Now().UnixMilli())
	}
}

func Ready() bool { return ready.Load() }

// Healthz is the liveness probe; the process is alive while it can answer.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readiness struct {
	Ready   bool  `json:"ready"`
	SinceMs int64 `json:"since_ms"`
}

// Readyz answers 200 once the book is live and 503 while it is syncing or reconnecting.
func Readyz(w http.ResponseWriter, r *http.Request) {
	body := readiness{Ready: Ready(), SinceMs: changed.Load()}
	w.Header().Set("Content-Type", "application/json")
	if body.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
