package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerProvider wraps an InferenceProvider with circuit breaker
// protection. When the backend fails repeatedly, the circuit opens and
// subsequent calls fail fast without reaching it, so a dead local server
// does not stall every round on a full connection timeout.
type CircuitBreakerProvider struct {
	inner   domain.InferenceProvider
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker.
// Zero-valued settings fall back to defaults.
func NewCircuitBreakerProvider(inner domain.InferenceProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "llm:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerProvider{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Complete implements domain.InferenceProvider.
func (p *CircuitBreakerProvider) Complete(ctx context.Context, prompt string, opts domain.CompleteOptions) (string, error) {
	out, err := p.breaker.Execute(func() (any, error) {
		return p.inner.Complete(ctx, prompt, opts)
	})
	if err != nil {
		return "", p.wrapBreakerErr(err)
	}
	return out.(string), nil
}

// Generate implements domain.InferenceProvider. The breaker judges the whole
// call, so a stream that dies mid-way counts as a failure too.
func (p *CircuitBreakerProvider) Generate(ctx context.Context, req domain.GenerateRequest, onToken domain.TokenFunc) (*domain.GenerateResult, error) {
	out, err := p.breaker.Execute(func() (any, error) {
		return p.inner.Generate(ctx, req, onToken)
	})
	if err != nil {
		return nil, p.wrapBreakerErr(err)
	}
	return out.(*domain.GenerateResult), nil
}

// Name implements domain.InferenceProvider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts {
	return p.breaker.Counts()
}

func (p *CircuitBreakerProvider) wrapBreakerErr(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("provider %q circuit open: %w", p.inner.Name(), domain.ErrProviderError)
	}
	return err
}

var _ domain.InferenceProvider = (*CircuitBreakerProvider)(nil)
