package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pipebridge/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Gateway GatewayConfig `yaml:"gateway"`
	Breaker BreakerConfig `yaml:"breaker"`
	Flowise FlowiseConfig `yaml:"flowise"`
	N8N     N8NConfig     `yaml:"n8n"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled bool       `yaml:"enabled"`
	Addr    string     `yaml:"addr"`
	Auth    AuthConfig `yaml:"auth"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles,omitempty"`
}

// BreakerConfig configures the optional circuit breaker around pipes.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// FlowiseConfig holds the valves of the Flowise pipe: the prediction
// endpoint, optional bearer token, and streaming behavior. Immutable
// for the duration of one call.
type FlowiseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	APIKey          string        `yaml:"api_key,omitempty"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	Streaming       bool          `yaml:"streaming"`
	StreamDelay     time.Duration `yaml:"stream_delay"`
	StatusIndicator bool          `yaml:"status_indicator"`
	Debug           bool          `yaml:"debug"`
}

// N8NConfig holds the valves of the n8n pipe: the webhook endpoint,
// bearer token, payload field names, and status throttling.
type N8NConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	BearerToken     string        `yaml:"bearer_token,omitempty"`
	InputField      string        `yaml:"input_field"`
	ResponseField   string        `yaml:"response_field"`
	EmitInterval    time.Duration `yaml:"emit_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	StatusIndicator bool          `yaml:"status_indicator"`
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8930",
		},
		Breaker: BreakerConfig{
			Enabled:     false,
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Flowise: FlowiseConfig{
			RequestTimeout:  300 * time.Second,
			Streaming:       true,
			StreamDelay:     50 * time.Millisecond,
			StatusIndicator: true,
		},
		N8N: N8NConfig{
			InputField:      "chatInput",
			ResponseField:   "output",
			EmitInterval:    2 * time.Second,
			RequestTimeout:  300 * time.Second,
			StatusIndicator: true,
		},
	}
}

// Load reads the configuration file at path, applies environment
// overrides, decrypts "enc:" secrets when PIPEBRIDGE_CONFIG_KEY is
// set, and validates the result. A missing file is not an error;
// defaults plus environment overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: read config: %v", domain.ErrConfigLoad, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfigLoad, err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("PIPEBRIDGE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("%w: decrypt secrets: %v", domain.ErrConfigLoad, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides lets environment variables override the most
// commonly deployed knobs without editing the config file.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PIPEBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PIPEBRIDGE_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PIPEBRIDGE_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}

	if v := os.Getenv("PIPEBRIDGE_FLOWISE_URL"); v != "" {
		cfg.Flowise.URL = v
		cfg.Flowise.Enabled = true
	}
	if v := os.Getenv("PIPEBRIDGE_FLOWISE_API_KEY"); v != "" {
		cfg.Flowise.APIKey = v
	}
	if v := os.Getenv("PIPEBRIDGE_FLOWISE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Flowise.RequestTimeout = d
		}
	}
	if v := os.Getenv("PIPEBRIDGE_FLOWISE_STREAMING"); v == "false" {
		cfg.Flowise.Streaming = false
	}
	if v := os.Getenv("PIPEBRIDGE_FLOWISE_DEBUG"); v == "true" {
		cfg.Flowise.Debug = true
	}

	if v := os.Getenv("PIPEBRIDGE_N8N_URL"); v != "" {
		cfg.N8N.URL = v
		cfg.N8N.Enabled = true
	}
	if v := os.Getenv("PIPEBRIDGE_N8N_BEARER_TOKEN"); v != "" {
		cfg.N8N.BearerToken = v
	}
	if v := os.Getenv("PIPEBRIDGE_N8N_INPUT_FIELD"); v != "" {
		cfg.N8N.InputField = v
	}
	if v := os.Getenv("PIPEBRIDGE_N8N_RESPONSE_FIELD"); v != "" {
		cfg.N8N.ResponseField = v
	}
	if v := os.Getenv("PIPEBRIDGE_N8N_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.N8N.RequestTimeout = d
		}
	}
	if v := os.Getenv("PIPEBRIDGE_N8N_EMIT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.N8N.EmitInterval = d
		}
	}
}

// Validate checks the configuration for inconsistencies.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", domain.ErrConfigLoad, cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", domain.ErrConfigLoad, cfg.Logger.Format)
	}

	if cfg.Gateway.Enabled && cfg.Gateway.Addr == "" {
		return fmt.Errorf("%w: gateway enabled without addr", domain.ErrConfigLoad)
	}

	if cfg.Flowise.Enabled {
		if cfg.Flowise.URL == "" {
			return fmt.Errorf("%w: flowise enabled without url", domain.ErrConfigLoad)
		}
		if cfg.Flowise.RequestTimeout <= 0 {
			return fmt.Errorf("%w: flowise request_timeout must be positive", domain.ErrConfigLoad)
		}
		if cfg.Flowise.StreamDelay < 0 {
			return fmt.Errorf("%w: flowise stream_delay must not be negative", domain.ErrConfigLoad)
		}
	}

	if cfg.N8N.Enabled {
		if cfg.N8N.URL == "" {
			return fmt.Errorf("%w: n8n enabled without url", domain.ErrConfigLoad)
		}
		if cfg.N8N.InputField == "" || cfg.N8N.ResponseField == "" {
			return fmt.Errorf("%w: n8n input_field and response_field are required", domain.ErrConfigLoad)
		}
		if cfg.N8N.EmitInterval <= 0 {
			return fmt.Errorf("%w: n8n emit_interval must be positive", domain.ErrConfigLoad)
		}
		if cfg.N8N.RequestTimeout <= 0 {
			return fmt.Errorf("%w: n8n request_timeout must be positive", domain.ErrConfigLoad)
		}
	}

	return nil
}
