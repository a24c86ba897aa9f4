package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"swarmbridge/internal/domain"
)

// AppClient is the engine-side view of the bridge over HTTP. Keeping this
// on the wire (instead of reaching into the slots directly) preserves the
// polling-only channel semantics: the engine sees exactly what an external
// app process would see.
type AppClient struct {
	baseURL string
	client  *http.Client
}

// NewAppClient creates an engine client against baseURL.
func NewAppClient(baseURL string, timeout time.Duration) *AppClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &AppClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// PollInput consumes the driver→app slot. A nil message with nil error is
// an empty slot.
func (c *AppClient) PollInput(ctx context.Context) (*domain.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/bridge/app/input", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge poll: %s", resp.Status)
	}

	var body struct {
		Message *domain.Message `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("bridge poll: decode: %w", err)
	}
	return body.Message, nil
}

// GoalFunc handles one injected goal. It may block for the whole cycle; the
// poller keeps polling while it runs.
type GoalFunc func(ctx context.Context, goal string)

// Poller drives the app-side polling loop: every interval it consumes the
// driver→app slot and hands any goal to the handler. Reachability is the
// by-product of the same cadence.
type Poller struct {
	client    *AppClient
	interval  time.Duration
	onGoal    GoalFunc
	logger    *slog.Logger
	reachable atomic.Bool
}

// NewPoller creates a poller with the given cadence.
func NewPoller(client *AppClient, interval time.Duration, onGoal GoalFunc, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{client: client, interval: interval, onGoal: onGoal, logger: logger}
}

// Reachable reports whether the last poll round-trip succeeded.
func (p *Poller) Reachable() bool { return p.reachable.Load() }

// Run polls until ctx is cancelled. Repeated empty polls are the normal
// idle state and produce no log traffic.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	msg, err := p.client.PollInput(ctx)
	if err != nil {
		if p.reachable.Swap(false) {
			p.logger.Warn("bridge unreachable", "error", err)
		}
		return
	}
	if !p.reachable.Swap(true) {
		p.logger.Info("bridge reachable")
	}
	if msg == nil {
		return
	}

	p.logger.Info("goal received from bridge", "id", msg.ID)
	// The handler may run a full cycle; polling continues meanwhile so the
	// slot keeps its overwrite semantics instead of backing up.
	go func(goal string) {
		p.onGoal(ctx, goal)
	}(msg.Content)
}
