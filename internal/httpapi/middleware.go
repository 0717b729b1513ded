package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	logx "homerbot/pkg/logx"
)

// requestLogger logs one line per request at debug, slow or failed
// requests at warn.
func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			dur := time.Since(start)

			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", dur),
			}
			switch {
			case ww.Status() >= 500:
				log.Warn("http request failed", fields...)
			case dur >= time.Second:
				log.Warn("slow http request", fields...)
			default:
				log.Debug("http request", fields...)
			}
		})
	}
}

// rateLimit rejects requests over the shared limit with 429. Used on the
// notification ingest, which is driven by external relays that can burst.
func rateLimit(perSec int) func(http.Handler) http.Handler {
	if perSec <= 0 {
		perSec = 5
	}
	lim := rate.NewLimiter(rate.Limit(perSec), perSec*2)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
