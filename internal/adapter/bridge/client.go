package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"swarmbridge/internal/domain"
)

// Client is the driver-side view of the bridge: submit a goal, fetch the
// last completed output, probe reachability. It holds no state beyond the
// endpoint address; every call is an independent HTTP exchange.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a driver client against baseURL (e.g.
// "http://127.0.0.1:1234"). probeTimeout bounds every request; the bridge
// only ever moves small JSON bodies, so a short timeout doubles as the
// health check.
func NewClient(baseURL string, probeTimeout time.Duration) *Client {
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: probeTimeout},
	}
}

// Submit injects content into the driver→app slot.
func (c *Client) Submit(ctx context.Context, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/bridge/cli/input", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge submit: %s", readError(resp))
	}
	return nil
}

// Fetch reads the last published output without consuming it. A nil message
// with nil error means nothing has been published yet.
func (c *Client) Fetch(ctx context.Context) (*domain.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/bridge/cli/output", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge fetch: %s", readError(resp))
	}

	var body struct {
		Message *domain.Message `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("bridge fetch: decode: %w", err)
	}
	return body.Message, nil
}

// Probe reports whether the bridge endpoint answers at all.
func (c *Client) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/bridge/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode == http.StatusOK
}

func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return resp.Status
}
