package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Selector  SelectorConfig  `yaml:"selector"`
	Provider  ProviderConfig  `yaml:"provider"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Storage   StorageConfig   `yaml:"storage"`
	Workspace string          `yaml:"workspace"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// SchedulerConfig holds the round-loop settings. The fallback thresholds and
// completion marker are deliberately configuration, not embedded literals.
type SchedulerConfig struct {
	MaxRounds        int           `yaml:"max_rounds"`
	FallbackLead     string        `yaml:"fallback_lead"`
	FallbackCritic   string        `yaml:"fallback_critic"`
	CriticAfterRound int           `yaml:"critic_after_round"`
	FinalAgent       string        `yaml:"final_agent"`
	CompletionMarker string        `yaml:"completion_marker"`
	JitterMin        time.Duration `yaml:"jitter_min"`
	JitterMax        time.Duration `yaml:"jitter_max"`
}

// SelectorConfig bounds the speaker-selection request.
type SelectorConfig struct {
	TailWindow  int     `yaml:"tail_window"`
	EntryCap    int     `yaml:"entry_cap"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// ProviderConfig holds settings for the inference backend.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for the provider.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// BridgeConfig holds the cross-process handoff settings.
type BridgeConfig struct {
	Listen         string        `yaml:"listen"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ContextLog     string        `yaml:"context_log"`
	SubmitsPerMin  int           `yaml:"submits_per_min"`
	SubmitBurst    int           `yaml:"submit_burst"`
}

// GatewayConfig holds the control API settings.
type GatewayConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// AgentConfig defines one roster entry.
type AgentConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	Instructions string `yaml:"instructions"`
	Model        string `yaml:"model"`
}

// Default returns a configuration with working defaults for a local setup.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxRounds:        25,
			FallbackLead:     "chief-orchestrator",
			FallbackCritic:   "qa-critic",
			CriticAfterRound: 5,
			FinalAgent:       "qa-critic",
			CompletionMarker: "ready for handoff",
			JitterMin:        500 * time.Millisecond,
			JitterMax:        1500 * time.Millisecond,
		},
		Selector: SelectorConfig{
			TailWindow:  10,
			EntryCap:    200,
			Temperature: 0.1,
			MaxTokens:   20,
		},
		Provider: ProviderConfig{
			Name:        "lmstudio",
			BaseURL:     "http://127.0.0.1:1235/v1",
			Model:       "local-model",
			ConnTimeout: 10 * time.Second,
			RespTimeout: 120 * time.Second,
		},
		Bridge: BridgeConfig{
			Listen:        "127.0.0.1:1234",
			PollInterval:  2 * time.Second,
			ProbeTimeout:  2 * time.Second,
			ContextLog:    "SWARM_CONTEXT.md",
			SubmitsPerMin: 60,
			SubmitBurst:   10,
		},
		Gateway:   GatewayConfig{Listen: "127.0.0.1:1233"},
		Storage:   StorageConfig{Dir: "./data"},
		Workspace: "./workspace",
		Logger:    LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer:    TracerConfig{Enabled: false},
	}
}

// Load reads a YAML config file, applies defaults for unset fields, and
// validates. A missing path returns pure defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	if c.Scheduler.MaxRounds <= 0 {
		return fmt.Errorf("scheduler.max_rounds must be positive, got %d", c.Scheduler.MaxRounds)
	}
	if c.Scheduler.JitterMin < 0 || c.Scheduler.JitterMax < c.Scheduler.JitterMin {
		return fmt.Errorf("scheduler jitter window invalid: min=%s max=%s",
			c.Scheduler.JitterMin, c.Scheduler.JitterMax)
	}
	if c.Selector.TailWindow <= 0 {
		return fmt.Errorf("selector.tail_window must be positive")
	}
	if c.Bridge.PollInterval <= 0 {
		return fmt.Errorf("bridge.poll_interval must be positive")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}
