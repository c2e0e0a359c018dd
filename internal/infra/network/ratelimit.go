package network

import "golang.org/x/time/rate"

// NewLimiter returns a token bucket allowing perSecond requests with the given burst.
// perSecond <= 0 disables limiting.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
