// Package middleware holds the HTTP guards placed in front of the remote
// execution daemon.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecretHeader carries the shared secret between client and daemon.
const SecretHeader = "X-Conduit-Secret"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies mws so the first one is outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// SecurityHeaders sets response headers suited to a JSON and event-stream
// API that browsers should never cache or frame.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// SharedSecret rejects requests whose SecretHeader does not equal secret
// before the wrapped handler runs. An empty secret disables the check.
func SharedSecret(secret string) Middleware {
	want := []byte(secret)
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(SecretHeader))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				WriteError(w, http.StatusUnauthorized, "invalid or missing shared secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBody caps request bodies at n bytes.
func MaxBody(n int64) Middleware {
	return func(next http.Handler) http.Handler {
		if n <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// TrustedProxies lists peers whose X-Forwarded-For is believed.
	TrustedProxies []string
	// IdleTTL drops buckets for clients not seen for this long.
	IdleTTL time.Duration
}

// RateLimit applies a token bucket per client IP. A non-positive rate
// disables limiting. The cleanup goroutine exits when ctx is done.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}

	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
	)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				for ip, c := range clients {
					if time.Since(c.lastSeen) > cfg.IdleTTL {
						delete(clients, ip)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, cfg.TrustedProxies)

			mu.Lock()
			c, ok := clients[ip]
			if !ok {
				c = &client{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
				clients[ip] = c
			}
			c.lastSeen = time.Now()
			limiter := c.limiter
			mu.Unlock()

			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the TCP peer address, or the first X-Forwarded-For hop
// when the peer is a trusted proxy.
func ClientIP(r *http.Request, trustedProxies []string) string {
	direct := r.RemoteAddr
	if host, _, err := net.SplitHostPort(direct); err == nil {
		direct = host
	}
	if len(trustedProxies) == 0 {
		return direct
	}

	trusted := false
	for _, p := range trustedProxies {
		if p == direct {
			trusted = true
			break
		}
	}
	if !trusted {
		return direct
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return direct
}

// errorBody is the JSON shape of every middleware rejection.
type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// WriteError writes a JSON error reply.
func WriteError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Status: "error", Error: msg})
}
