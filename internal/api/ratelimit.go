package api

import (
	"net/http"
	"os"
	"strconv"

	"golang.org/x/time/rate"
)

// RateLimit wraps mutation handlers with a token-bucket limiter so a burst
// of zone or fleet mutations cannot starve planning cycles. Tune with
// RATE_LIMIT_RPS and RATE_LIMIT_BURST.
func RateLimit(next http.HandlerFunc) http.HandlerFunc {
	rps := 50.0
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rps = f
		}
	}
	burst := 100
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			burst = n
		}
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			if !lim.Allow() {
				writeProblem(w, http.StatusTooManyRequests, "Rate limit exceeded", "try again later", r.URL.Path)
				return
			}
		}
		next(w, r)
	}
}
