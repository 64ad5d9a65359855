// Package config loads the proxy configuration from config.yaml and VCR_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: VCR_REPLAY__MODE=strict sets replay.mode.
const EnvPrefix = "VCR_"

// DefaultFile is read when Load is given no explicit path. Its absence is not
// an error.
const DefaultFile = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Replay    ReplayConfig    `koanf:"replay"`
	Providers ProvidersConfig `koanf:"providers"`
	Storage   StorageConfig   `koanf:"storage"`
	Redaction RedactionConfig `koanf:"redaction"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
}

// ReplayConfig governs mode dispatch and the cassette directory.
type ReplayConfig struct {
	Mode              string `koanf:"mode" validate:"oneof=off record replay auto strict"`
	MatchPolicy       string `koanf:"match_policy" validate:"oneof=exact fuzzy"`
	AllowModeOverride bool   `koanf:"allow_mode_override"`
	CassetteDir       string `koanf:"cassette_dir" validate:"required"`

	// IntegritySecret keys cassette integrity tags. Empty disables tagging.
	IntegritySecret string `koanf:"integrity_secret"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `koanf:"openai"`
	Anthropic ProviderConfig `koanf:"anthropic"`
}

type ProviderConfig struct {
	// BaseURL overrides the provider's public endpoint.
	BaseURL string `koanf:"base_url" validate:"omitempty,url"`

	// APIKey is used upstream in place of the caller's credentials. Supports
	// ${VAR} substitution.
	APIKey string `koanf:"api_key"`

	// PathPrefix mounts the provider's native routes on the proxy.
	PathPrefix string `koanf:"path_prefix" validate:"required,startswith=/"`

	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	// RateLimit is the sustained upstream budget in requests per second.
	// Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit" validate:"gte=0"`
	Burst     int     `koanf:"burst" validate:"gte=0"`
}

type StorageConfig struct {
	Primary   BackendConfig   `koanf:"primary"`
	Fallbacks []BackendConfig `koanf:"fallbacks" validate:"dive"`

	// Retention bounds trace age; zero keeps traces forever.
	Retention     time.Duration `koanf:"retention" validate:"gte=0"`
	PruneInterval time.Duration `koanf:"prune_interval" validate:"gte=0"`

	Breaker BreakerConfig `koanf:"breaker"`
}

type BackendConfig struct {
	Type string `koanf:"type" validate:"oneof=file sqlite badger memory"`
	Path string `koanf:"path" validate:"required_unless=Type memory"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"gte=1"`
	Cooldown         time.Duration `koanf:"cooldown" validate:"gt=0"`
}

type RedactionConfig struct {
	Enabled       bool            `koanf:"enabled"`
	FieldDenylist []string        `koanf:"field_denylist"`
	Patterns      []PatternConfig `koanf:"patterns" validate:"dive"`
}

type PatternConfig struct {
	Name  string `koanf:"name" validate:"required"`
	Regex string `koanf:"regex" validate:"required"`
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"`
	Metrics bool `koanf:"metrics"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

var defaults = map[string]any{
	"server.port":                       8080,
	"server.read_timeout":               "30s",
	"server.write_timeout":              "5m",
	"server.shutdown_timeout":           "15s",
	"replay.mode":                       "auto",
	"replay.match_policy":               "fuzzy",
	"replay.cassette_dir":               "cassettes",
	"providers.openai.path_prefix":      "/openai/v1",
	"providers.openai.timeout":          "120s",
	"providers.anthropic.path_prefix":   "/anthropic",
	"providers.anthropic.timeout":       "120s",
	"storage.primary.type":              "file",
	"storage.primary.path":              "traces",
	"storage.retention":                 "720h",
	"storage.prune_interval":            "1h",
	"storage.breaker.failure_threshold": 5,
	"storage.breaker.cooldown":          "30s",
	"redaction.enabled":                 true,
	"telemetry.metrics":                 true,
	"logging.level":                     "info",
	"logging.format":                    "json",
}

var (
	envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
	validate      = validator.New()
)

// Load reads path (or DefaultFile when path is empty), applies VCR_*
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// A missing default file is fine; env and defaults still apply
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("config: default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.Providers.OpenAI.APIKey = substituteEnvVars(cfg.Providers.OpenAI.APIKey)
	cfg.Providers.Anthropic.APIKey = substituteEnvVars(cfg.Providers.Anthropic.APIKey)
	cfg.Replay.IntegritySecret = substituteEnvVars(cfg.Replay.IntegritySecret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and reports every failing field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}

// Provider returns the settings for the named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	switch name {
	case "openai":
		return c.Providers.OpenAI, true
	case "anthropic":
		return c.Providers.Anthropic, true
	}
	return ProviderConfig{}, false
}

// Backends returns the primary backend followed by the fallbacks.
func (s StorageConfig) Backends() []BackendConfig {
	return append([]BackendConfig{s.Primary}, s.Fallbacks...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
