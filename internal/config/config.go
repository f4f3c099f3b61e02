// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/forgeflow/internal/handoff"
	"git.home.luguber.info/inful/forgeflow/internal/state"
)

// Config represents the application configuration
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Signals  SignalsConfig  `yaml:"signals"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Handoff  HandoffConfig  `yaml:"handoff"`
	Worker   WorkerConfig   `yaml:"worker"`
	Server   ServerConfig   `yaml:"server"`
	Quota    QuotaConfig    `yaml:"quota"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PipelineConfig holds the retry bounds and phase time budgets.
type PipelineConfig struct {
	MaxIterations int               `yaml:"max_iterations"` // inner QA loop bound
	MaxCycles     int               `yaml:"max_cycles"`     // outer infrastructure loop bound
	PhaseTimeout  string            `yaml:"phase_timeout"`  // default wall-clock budget per phase
	PhaseTimeouts map[string]string `yaml:"phase_timeouts"` // per-phase overrides
	SweepInterval string            `yaml:"sweep_interval"` // timeout sweep cadence
	GracePeriod   string            `yaml:"grace_period"`   // output fetch window after termination
}

// SignalsConfig configures the worker-termination signal channel.
type SignalsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
	Stream  string `yaml:"stream"`
	Durable string `yaml:"durable"`
}

// LedgerConfig locates the status ledger and phase-event databases.
type LedgerConfig struct {
	Path       string `yaml:"path"`
	EventsPath string `yaml:"events_path"`
}

// HandoffConfig selects and configures the object handoff backend.
type HandoffConfig struct {
	Backend string              `yaml:"backend"` // fs|minio
	FSPath  string              `yaml:"fs_path"`
	MinIO   handoff.MinIOConfig `yaml:"minio"`
}

// WorkerConfig describes how phase worker processes are launched.
type WorkerConfig struct {
	Command []string `yaml:"command"` // argv of the worker binary
	WorkDir string   `yaml:"workdir"` // parent directory for per-run sandboxes
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// QuotaConfig selects the default launch-quota plan.
type QuotaConfig struct {
	DefaultPlan string            `yaml:"default_plan"` // free|pro|enterprise
	OrgPlans    map[string]string `yaml:"org_plans"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Load loads configuration from the specified file
func Load(configPath string) (*Config, error) {
	// Load .env files if present; real env always wins.
	_ = godotenv.Load(".env", ".env.local")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Pipeline.MaxIterations <= 0 {
		c.Pipeline.MaxIterations = 3
	}
	if c.Pipeline.MaxCycles <= 0 {
		c.Pipeline.MaxCycles = 2
	}
	if c.Pipeline.PhaseTimeout == "" {
		c.Pipeline.PhaseTimeout = "30m"
	}
	if c.Pipeline.SweepInterval == "" {
		c.Pipeline.SweepInterval = "30s"
	}
	if c.Pipeline.GracePeriod == "" {
		c.Pipeline.GracePeriod = "10s"
	}
	if c.Signals.NATSURL == "" {
		c.Signals.NATSURL = "nats://127.0.0.1:4222"
	}
	if c.Signals.Subject == "" {
		c.Signals.Subject = "forgeflow.workers.terminated"
	}
	if c.Signals.Stream == "" {
		c.Signals.Stream = "FORGEFLOW_TERMINATIONS"
	}
	if c.Signals.Durable == "" {
		c.Signals.Durable = "forgeflow-router"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "./forgeflow.db"
	}
	if c.Ledger.EventsPath == "" {
		c.Ledger.EventsPath = "./forgeflow-events.db"
	}
	if c.Handoff.Backend == "" {
		c.Handoff.Backend = "fs"
	}
	if c.Handoff.FSPath == "" {
		c.Handoff.FSPath = "./handoff"
	}
	if c.Worker.WorkDir == "" {
		c.Worker.WorkDir = "./workers"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Quota.DefaultPlan == "" {
		c.Quota.DefaultPlan = "pro"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for mistakes that would only surface at runtime.
func (c *Config) Validate() error {
	if _, err := time.ParseDuration(c.Pipeline.PhaseTimeout); err != nil {
		return fmt.Errorf("pipeline.phase_timeout: %w", err)
	}
	for phase, v := range c.Pipeline.PhaseTimeouts {
		if _, err := state.ParsePhase(phase); err != nil {
			return fmt.Errorf("pipeline.phase_timeouts: %w", err)
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("pipeline.phase_timeouts.%s: %w", phase, err)
		}
	}
	if _, err := time.ParseDuration(c.Pipeline.SweepInterval); err != nil {
		return fmt.Errorf("pipeline.sweep_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Pipeline.GracePeriod); err != nil {
		return fmt.Errorf("pipeline.grace_period: %w", err)
	}
	switch c.Handoff.Backend {
	case "fs":
		// nothing else to check
	case "minio":
		if err := c.Handoff.MinIO.Validate(); err != nil {
			return fmt.Errorf("handoff.minio: %w", err)
		}
	default:
		return fmt.Errorf("handoff.backend must be fs or minio, got %q", c.Handoff.Backend)
	}
	return nil
}

// TimeoutFor returns the wall-clock budget for one phase.
func (c *Config) TimeoutFor(phase state.Phase) time.Duration {
	if v, ok := c.Pipeline.PhaseTimeouts[string(phase)]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	d, err := time.ParseDuration(c.Pipeline.PhaseTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// SweepInterval returns the timeout sweep cadence.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.SweepInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GracePeriod returns the output fetch window applied after a termination signal.
func (c *Config) GracePeriod() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.GracePeriod)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
