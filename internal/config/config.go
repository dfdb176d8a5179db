// Package config loads the dashboard configuration from YAML, the environment and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. MDMVIEW_BACKEND_URL.
const EnvPrefix = "MDMVIEW"

// Source kinds.
const (
	SourceBackend = "backend"
	SourceClone   = "clone"
	SourceGit     = "git"
)

// ErrNoSource is returned when no record source is configured.
var ErrNoSource = errors.New("one of backend_url, git_url or clone_path is required")

// Config is the complete dashboard configuration.
type Config struct {
	Listen          string        `yaml:"listen"           envconfig:"LISTEN"           validate:"required"`
	BackendURL      string        `yaml:"backend_url"      envconfig:"BACKEND_URL"      validate:"omitempty,url"`
	APIKey          string        `yaml:"api_key"          envconfig:"API_KEY"`
	GitURL          string        `yaml:"git_url"          envconfig:"GIT_URL"`
	ClonePath       string        `yaml:"clone_path"       envconfig:"CLONE_PATH"`
	RedisAddr       string        `yaml:"redis_addr"       envconfig:"REDIS_ADDR"       validate:"omitempty,hostname_port"`
	NATSURL         string        `yaml:"nats_url"         envconfig:"NATS_URL"         validate:"omitempty,url"`
	NATSSubject     string        `yaml:"nats_subject"     envconfig:"NATS_SUBJECT"     validate:"required"`
	LogLevel        string        `yaml:"log_level"        envconfig:"LOG_LEVEL"        validate:"oneof=debug info warn error"`
	OSOptions       []string      `yaml:"os_options"       envconfig:"OS_OPTIONS"       validate:"min=1,dive,required"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"    envconfig:"FETCH_TIMEOUT"    validate:"gt=0"`
	CacheTTL        time.Duration `yaml:"cache_ttl"        envconfig:"CACHE_TTL"        validate:"gte=0"`
	RenderWait      time.Duration `yaml:"render_wait"      envconfig:"RENDER_WAIT"      validate:"gte=0"`
	Retries         uint          `yaml:"retries"          envconfig:"RETRIES"          validate:"gte=1,lte=10"`
	SessionCapacity int           `yaml:"session_capacity" envconfig:"SESSION_CAPACITY" validate:"gte=1"`
	ActionsPerMin   int           `yaml:"actions_per_min"  envconfig:"ACTIONS_PER_MIN"  validate:"gte=1"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Listen:          ":8080",
		NATSSubject:     "mdm.machines.updated",
		LogLevel:        "info",
		OSOptions:       []string{"Windows", "Linux", "macOS"},
		FetchTimeout:    15 * time.Second,
		CacheTTL:        30 * time.Second,
		RenderWait:      2 * time.Second,
		Retries:         3,
		SessionCapacity: 1024,
		ActionsPerMin:   120,
	}
}

// Load reads path (if not empty) over the defaults, then applies environment overrides.
// The result is not validated; call Validate once flags have been applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and that exactly one record source is configured.
func (c *Config) Validate() error {
	c.LogLevel = normalizeLevel(c.LogLevel)
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	sources := 0
	for _, v := range []string{c.BackendURL, c.GitURL, c.ClonePath} {
		if v != "" {
			sources++
		}
	}
	if sources == 0 {
		return ErrNoSource
	}
	if sources > 1 {
		return errors.New("backend_url, git_url and clone_path are mutually exclusive")
	}
	return nil
}

// normalizeLevel maps the spellings the logger accepts onto the validated set.
func normalizeLevel(level string) string {
	switch level = strings.ToLower(strings.TrimSpace(level)); level {
	case "":
		return "info"
	case "warning":
		return "warn"
	default:
		return level
	}
}

// Source returns which record source the configuration selects.
func (c *Config) Source() string {
	switch {
	case c.BackendURL != "":
		return SourceBackend
	case c.ClonePath != "":
		return SourceClone
	case c.GitURL != "":
		return SourceGit
	default:
		return ""
	}
}
