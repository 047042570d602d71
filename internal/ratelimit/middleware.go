package ratelimit

import (
	"net"
	"net/http"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/ashita-ai/mamori/internal/auth"
	"github.com/ashita-ai/mamori/internal/ctxutil"
	"github.com/ashita-ai/mamori/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// An empty key skips rate limiting for the request.
type KeyFunc func(r *http.Request) string

// Middleware enforces limiter on every request keyed by keyFunc. Limiter
// errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), key)
			if err != nil || ok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", "1")
			writeRateLimitError(w, ctxutil.RequestIDFromContext(r.Context()))
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// CallerKeyFunc keys authenticated requests by API key or JWT subject and
// everything else by client IP. The master admin key is never limited.
func CallerKeyFunc(r *http.Request) string {
	if p := ctxutil.PrincipalFromContext(r.Context()); p != nil {
		switch {
		case p.APIKeyID != nil:
			return "key:" + p.APIKeyID.String()
		case p.Method == auth.MethodAdminKey:
			return ""
		case p.Subject != "":
			return "sub:" + p.Subject
		}
	}
	return "ip:" + IPKeyFunc(r)
}

// IPKeyFunc returns the client IP from RemoteAddr. X-Forwarded-For is not
// trusted since any client can set it.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
