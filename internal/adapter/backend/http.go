package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"conduit/internal/domain"
	"conduit/internal/infra/config"
)

// maxResponseBody is the maximum response body size read from hosted APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// Default connection pool settings: few hosts, high concurrency, long-lived
// connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second

	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout <= 0 {
		respTimeout = defaultRespTimeout
	}
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates an *http.Client for a hosted backend. The client has
// no overall timeout: streamed responses may run as long as the caller's
// context allows.
func NewHTTPClient(cfg config.BackendConfig) *http.Client {
	return &http.Client{
		Transport: NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool),
	}
}

// newRequest builds a request with JSON headers and the given extras.
func newRequest(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", domain.ErrInvalidInput, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// do executes req and maps transport failures into the taxonomy.
func do(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if cerr := domain.Checkpoint(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return resp, nil
}

// doJSONRequest performs a JSON request and returns the response body.
// Non-200 responses become taxonomy errors.
func doJSONRequest(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := newRequest(ctx, method, url, body, headers)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := do(ctx, client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if cerr := domain.Checkpoint(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, MapHTTPError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// doStreamRequest performs a JSON POST expecting a push stream.
// It returns the open response; the caller must close Body.
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := newRequest(ctx, http.MethodPost, url, body, headers)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := do(ctx, client, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, MapHTTPError(resp.StatusCode, respBody)
	}
	return resp, nil
}

// MapHTTPError maps an HTTP status code and body to a taxonomy error.
func MapHTTPError(statusCode int, body []byte) error {
	bodyStr := strings.TrimSpace(string(body))
	detail := fmt.Sprintf("API error %d: %s", statusCode, bodyStr)
	lower := strings.ToLower(bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		if strings.Contains(lower, "quota") {
			return fmt.Errorf("%w: %s", domain.ErrQuotaExceeded, detail)
		}
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusNotFound && strings.Contains(lower, "model"):
		return fmt.Errorf("%w: %s", domain.ErrModelNotFound, detail)
	case statusCode == http.StatusBadGateway, statusCode == http.StatusServiceUnavailable, statusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", domain.ErrServiceUnavailable, detail)
	}

	// Providers often report quota or capacity problems under a generic
	// status; the body decides before the status does.
	if sig := domain.MatchSignature(bodyStr); sig != nil {
		return fmt.Errorf("%w: %s", sig, detail)
	}
	if statusCode == http.StatusBadRequest || statusCode == http.StatusRequestEntityTooLarge {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, detail)
	}
	return fmt.Errorf("%w: %s", domain.ErrExecutionFailed, detail)
}
