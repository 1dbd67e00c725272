// Package config loads gateway configuration from YAML with environment
// variable substitution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/cache"
	"github.com/lanternhq/modelgate/internal/services/circuitbreaker"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string `yaml:"port" json:"port,omitzero"`
	AllowedOrigins string `yaml:"allowed_origins" json:"allowed_origins,omitzero"`
	Environment    string `yaml:"environment" json:"environment,omitzero"`
	LogLevel       string `yaml:"log_level" json:"log_level,omitzero"`
}

// RoutingConfig holds selection and circuit breaker tunables.
type RoutingConfig struct {
	Strategy         string `yaml:"strategy" json:"strategy,omitzero"`
	MaxInputBytes    int    `yaml:"max_input_bytes" json:"max_input_bytes,omitzero"`
	FailureThreshold int    `yaml:"failure_threshold" json:"failure_threshold,omitzero"`
	FailureWindowMs  int    `yaml:"failure_window_ms" json:"failure_window_ms,omitzero"`
	ResetTimeoutMs   int    `yaml:"reset_timeout_ms" json:"reset_timeout_ms,omitzero"`
}

// BreakerConfig converts the millisecond tunables into breaker config,
// leaving zero values for the breaker defaults to fill.
func (r RoutingConfig) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: r.FailureThreshold,
		FailureWindow:    time.Duration(r.FailureWindowMs) * time.Millisecond,
		ResetTimeout:     time.Duration(r.ResetTimeoutMs) * time.Millisecond,
	}
}

// ProviderEntry configures one backend: its adapter, credentials, routing
// metadata and exposed models.
type ProviderEntry struct {
	ID         string                   `yaml:"id" json:"id"`
	Adapter    string                   `yaml:"adapter" json:"adapter"`
	APIKey     string                   `yaml:"api_key" json:"api_key,omitzero"`
	BaseURL    string                   `yaml:"base_url" json:"base_url,omitzero"`
	Enabled    bool                     `yaml:"enabled" json:"enabled"`
	Priority   int                      `yaml:"priority" json:"priority"`
	Weight     float64                  `yaml:"weight" json:"weight"`
	TimeoutMs  int                      `yaml:"timeout_ms" json:"timeout_ms,omitzero"`
	MaxRetries int                      `yaml:"max_retries" json:"max_retries,omitzero"`
	Models     []models.ModelDescriptor `yaml:"models" json:"models"`
}

// Descriptor converts the entry into the registry's provider descriptor.
func (p ProviderEntry) Descriptor() models.ProviderDescriptor {
	return models.ProviderDescriptor{
		ID:          p.ID,
		DisplayType: p.Adapter,
		Enabled:     p.Enabled,
		Priority:    p.Priority,
		Weight:      p.Weight,
		Timeout:     time.Duration(p.TimeoutMs) * time.Millisecond,
		MaxRetries:  p.MaxRetries,
	}
}

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig           `yaml:"server"`
	Routing   RoutingConfig          `yaml:"routing"`
	Providers []ProviderEntry        `yaml:"providers"`
	Cache     cache.Config           `yaml:"cache"`
	Database  *models.DatabaseConfig `yaml:"database,omitempty"`
}

// LoadFromFile loads configuration from a YAML file with environment
// variable substitution.
func LoadFromFile(configPath string) (*Config, error) {
	cleanPath := filepath.Clean(configPath)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config path: path traversal not allowed")
	}
	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	content := substituteEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Provider ids are matched case-insensitively against explicit overrides.
	for i := range config.Providers {
		config.Providers[i].ID = strings.ToLower(config.Providers[i].ID)
	}

	return &config, nil
}

// LoadEnvFiles loads environment variables from .env files in order of
// precedence; the first file listed wins.
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				fmt.Printf("Loaded environment variables from %s\n", envFile)
			}
		}
	}
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns
// with environment variables.
func substituteEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

	return re.ReplaceAllStringFunc(content, func(match string) string {
		submatches := re.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""
		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Adapter == "" {
			return fmt.Errorf("provider %q has no adapter", p.ID)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %q exposes no models", p.ID)
		}
		for _, m := range p.Models {
			if m.ModelID == "" {
				return fmt.Errorf("provider %q has a model with empty model_id", p.ID)
			}
			if len(m.Capabilities) == 0 {
				return fmt.Errorf("provider %q model %q declares no capabilities", p.ID, m.ModelID)
			}
		}
	}

	switch strategy := models.SelectionStrategy(c.Routing.Strategy); strategy {
	case "", models.StrategyCost, models.StrategyPerformance, models.StrategyAvailability, models.StrategyPriority:
	default:
		return fmt.Errorf("unknown routing strategy %q", c.Routing.Strategy)
	}

	return nil
}

// Strategy returns the configured selection strategy, defaulting to
// priority.
func (c *Config) Strategy() models.SelectionStrategy {
	if c.Routing.Strategy == "" {
		return models.StrategyPriority
	}
	return models.SelectionStrategy(c.Routing.Strategy)
}

// GetNormalizedLogLevel returns the configured log level in lowercase.
func (c *Config) GetNormalizedLogLevel() string {
	if c.Server.LogLevel == "" {
		return "info"
	}
	return strings.ToLower(c.Server.LogLevel)
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}
