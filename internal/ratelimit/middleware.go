package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/sterilis/internal/model"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request ID for the error envelope.
type RequestIDFunc func(r *http.Request) string

// Rule names a limit. Prefix namespaces keys so that one limiter can serve
// several endpoints with separate buckets.
type Rule struct {
	Prefix string
	// RetryAfter is reported to rejected clients. Defaults to one second.
	RetryAfter time.Duration
}

// Middleware rejects requests whose bucket is empty with 429 and the
// standard error envelope. Limiter errors let the request through.
func Middleware(limiter Limiter, rule Rule, keyFunc KeyFunc, reqID RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	retry := rule.RetryAfter
	if retry <= 0 {
		retry = time.Second
	}
	retrySecs := strconv.Itoa(int(math.Ceil(retry.Seconds())))

	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), rule.Prefix+":"+key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "rule", rule.Prefix, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				var id string
				if reqID != nil {
					id = reqID(r)
				}
				w.Header().Set("Retry-After", retrySecs)
				writeRateLimited(w, id)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "too many requests"},
		Meta:  model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
	})
}

// IPKeyFunc keys on the connection's remote address. X-Forwarded-For is
// ignored since any client can set it.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
