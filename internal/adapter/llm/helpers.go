package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"swarmbridge/internal/domain"
)

// maxResponseBody is the maximum response body size we read from the API.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// doJSONRequest performs a JSON POST request and returns the response body.
// It handles: create request, set headers, execute, read body (with limit),
// and check HTTP status code. Returns a domain error for non-200 responses.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// doStreamRequest performs a JSON POST request for SSE streaming.
// It returns the open *http.Response (caller must close Body).
// Returns a domain error for non-200 responses.
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return httpResp, nil
}

// mapHTTPError maps an HTTP status code + response body to a domain error.
// Rate limits and server errors wrap ErrProviderError so the circuit breaker
// and the scheduler's graceful-failure path classify them consistently.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, string(body))

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", domain.ErrTimeout, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}

// Default connection pool settings for a single local inference host:
// one origin, moderate concurrency, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second

	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

func timeoutDefaults(connTimeout, respTimeout time.Duration) (time.Duration, time.Duration) {
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}
	return connTimeout, respTimeout
}

func newTransport(connTimeout, respTimeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       defaultMaxConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// newHTTPClient creates an *http.Client with a pooled transport and an
// overall deadline, for single request/response exchanges.
func newHTTPClient(connTimeout, respTimeout time.Duration) *http.Client {
	connTimeout, respTimeout = timeoutDefaults(connTimeout, respTimeout)
	return &http.Client{
		Transport: newTransport(connTimeout, respTimeout),
		Timeout:   connTimeout + respTimeout,
	}
}

// newStreamClient has no overall deadline: a generation stream lives as long
// as its request context. ResponseHeaderTimeout still bounds the wait for
// the first byte.
func newStreamClient(connTimeout, respTimeout time.Duration) *http.Client {
	connTimeout, respTimeout = timeoutDefaults(connTimeout, respTimeout)
	return &http.Client{
		Transport: newTransport(connTimeout, respTimeout),
	}
}
