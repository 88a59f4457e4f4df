package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.TLS = &tls.ConnectionState{}
	w = httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, req)
	assert.Equal(t, "max-age=31536000; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
}

func TestSharedSecret(t *testing.T) {
	reached := false
	h := SharedSecret("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"prefix only", "s3c", http.StatusUnauthorized},
		{"match", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = false
			req := httptest.NewRequest(http.MethodPost, "/execute", nil)
			if tt.header != "" {
				req.Header.Set(SecretHeader, tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.want == http.StatusOK, reached)
		})
	}
}

func TestSharedSecretDisabled(t *testing.T) {
	w := httptest.NewRecorder()
	SharedSecret("")(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitPerClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2})(okHandler())

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1:1111"))
	assert.Equal(t, http.StatusOK, call("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:3333"))
	assert.Equal(t, http.StatusOK, call("10.0.0.2:1111"), "other clients have their own bucket")
}

func TestRateLimitDisabled(t *testing.T) {
	h := RateLimit(context.Background(), RateLimitConfig{})(okHandler())
	for range 50 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.9")

	assert.Equal(t, "10.0.0.9", ClientIP(req, nil), "untrusted peer cannot spoof")
	assert.Equal(t, "10.0.0.9", ClientIP(req, []string{"10.0.0.1"}))
	assert.Equal(t, "1.2.3.4", ClientIP(req, []string{"10.0.0.9"}))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", " 5.6.7.8 ")
	assert.Equal(t, "5.6.7.8", ClientIP(req, []string{"10.0.0.9"}))

	req.RemoteAddr = "[::1]:80"
	assert.Equal(t, "::1", ClientIP(req, nil))
}

func TestMaxBodyAndChain(t *testing.T) {
	var readErr error
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		for readErr == nil {
			_, readErr = r.Body.Read(buf)
		}
	})
	h := Chain(inner, SecurityHeaders, MaxBody(8))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 100))))

	var maxErr *http.MaxBytesError
	assert.ErrorAs(t, readErr, &maxErr)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
