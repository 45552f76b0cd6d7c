package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable the gateway reads.
const EnvPrefix = "RELAY_"

// Config is the gateway configuration. Keys are flat; RELAY_GENERATE_TIMEOUT
// maps to generate_timeout.
type Config struct {
	Port            string        `koanf:"port"`
	Env             string        `koanf:"env"`
	LogLevel        string        `koanf:"log_level"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// UpstreamInsecureSkipVerify disables TLS verification toward the
	// inference server. Opt-in only.
	UpstreamInsecureSkipVerify bool          `koanf:"upstream_insecure_skip_verify"`
	GenerateTimeout            time.Duration `koanf:"generate_timeout"`
	ListTimeout                time.Duration `koanf:"list_timeout"`
	ReadBufferSize             int           `koanf:"read_buffer_size"`

	MaxBodyBytes  int64 `koanf:"max_body_bytes"`
	MaxAudioBytes int64 `koanf:"max_audio_bytes"`

	// AllowedOrigins is a comma separated CORS origin list; "*" allows all.
	AllowedOrigins string `koanf:"allowed_origins"`

	TracingEnabled bool `koanf:"tracing_enabled"`
}

var defaults = map[string]interface{}{
	"port":                          "8443",
	"env":                           "production",
	"log_level":                     "info",
	"shutdown_timeout":              "10s",
	"upstream_insecure_skip_verify": false,
	"generate_timeout":              "120s",
	"list_timeout":                  "10s",
	"read_buffer_size":              32 * 1024,
	"max_body_bytes":                10 << 20,
	"max_audio_bytes":               25 << 20,
	"allowed_origins":               "*",
	"tracing_enabled":               false,
}

// Load reads, in increasing precedence: built-in defaults, the YAML file
// named by RELAY_CONFIG_FILE, a .env file in the working directory, and
// RELAY_* environment variables.
func Load() (*Config, error) {
	// A missing .env is normal; variables already set win over the file.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, err
		}
	}

	if path := os.Getenv(EnvPrefix + "CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return errors.New("port is required")
	}
	if c.GenerateTimeout <= 0 {
		return errors.New("generate_timeout must be positive")
	}
	if c.ListTimeout <= 0 {
		return errors.New("list_timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	if c.ReadBufferSize <= 0 {
		return errors.New("read_buffer_size must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("max_body_bytes must be positive")
	}
	if c.MaxAudioBytes <= 0 {
		return errors.New("max_audio_bytes must be positive")
	}
	return nil
}

// Origins splits AllowedOrigins into a list. An empty result disables CORS.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
