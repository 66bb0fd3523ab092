// Package config handles loading and validating service configuration.
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

	"github.com/howard-nolan/newsllm/internal/provider"
)

// EnvPrefix marks environment variables that override file values.
const EnvPrefix = "NEWSLLM_"

// Config is the top-level configuration for the newsllm service.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Log       LogConfig        `koanf:"log"`
	Database  DatabaseConfig   `koanf:"database"`
	Registry  RegistryConfig   `koanf:"registry"`
	Redis     RedisConfig      `koanf:"redis"`
	HTTP      HTTPConfig       `koanf:"http"`
	Ledger    LedgerConfig     `koanf:"ledger"`
	Prompt    PromptConfig     `koanf:"prompt"`
	Providers []ProviderConfig `koanf:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// AdminToken guards /admin routes with a bearer check. Empty disables
	// the check.
	AdminToken string `koanf:"admin_token"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DatabaseConfig locates the SQLite file shared by the registry and ledger.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// Registry drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// RegistryConfig picks where provider records live.
type RegistryConfig struct {
	Driver string `koanf:"driver"`
}

// RedisConfig is used when registry.driver is "redis".
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// HTTPConfig configures the outbound client shared by all adapters.
type HTTPConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	Referer string        `koanf:"referer"`
	Title   string        `koanf:"title"`
}

// LedgerConfig holds accounting settings.
type LedgerConfig struct {
	CostPerToken float64 `koanf:"cost_per_token"`
}

// PromptConfig bounds source text embedded in rewrite prompts.
type PromptConfig struct {
	MaxWords         int `koanf:"max_words"`
	LongFormMaxWords int `koanf:"long_form_max_words"`
}

// ProviderConfig seeds one provider into an empty registry at startup.
type ProviderConfig struct {
	Name         string `koanf:"name"`
	Kind         string `koanf:"kind"`
	APIKey       string `koanf:"api_key"`
	BaseURL      string `koanf:"base_url"`
	Model        string `koanf:"model"`
	Priority     int    `koanf:"priority"`
	MonthlyLimit int    `koanf:"monthly_limit"`
	Active       *bool  `koanf:"active"`
}

// IsActive defaults an absent active flag to true.
func (p ProviderConfig) IsActive() bool {
	return p.Active == nil || *p.Active
}

// Default returns the configuration used for any key the file and
// environment leave unset.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		Log:      LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Path: "newsllm.db"},
		Registry: RegistryConfig{Driver: DriverSQLite},
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "newsllm:"},
		HTTP:     HTTPConfig{Timeout: 60 * time.Second},
		Ledger:   LedgerConfig{CostPerToken: 0.0000005},
		Prompt:   PromptConfig{MaxWords: 1200, LongFormMaxWords: 2000},
	}
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a validated Config. An empty path skips
// the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	// Create a koanf instance. The "." delimiter is how koanf separates
	// nested keys internally, so the YAML block server: {port: 8080} lives
	// at "server.port".
	k := koanf.New(".")

	// Load the YAML file when one is given. file.Provider reads the bytes
	// and yaml.Parser() turns them into koanf's nested map. An empty path
	// means "env only", which is how containers usually run it.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// NEWSLLM_SERVER_PORT -> server.port. Only the first underscore splits
	// section from key, so NEWSLLM_SERVER_READ_TIMEOUT -> server.read_timeout.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal over a Config that already holds the defaults. Keys absent
	// from both the file and the environment keep their default value, so
	// a three-line config file is enough to boot.
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Secrets are written as ${VAR} in the YAML so the file can be
	// committed. Resolve them now, after the env overlay, so a value set
	// directly through NEWSLLM_* is left alone.
	cfg.Server.AdminToken = expandEnv(cfg.Server.AdminToken)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = expandEnv(cfg.Providers[i].APIKey)
	}

	// Validate last: every problem is reported at once instead of failing
	// on the first bad field.
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

// expandEnv resolves a value of the exact form ${VAR} from the environment.
// Anything else is returned unchanged.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch c.Registry.Driver {
	case DriverSQLite:
	case DriverRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.driver %q must be %q or %q", c.Registry.Driver, DriverSQLite, DriverRedis))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("http.timeout must be positive, got %s", c.HTTP.Timeout))
	}
	if c.Ledger.CostPerToken < 0 {
		errs = append(errs, errors.New("ledger.cost_per_token must not be negative"))
	}

	for i, p := range c.Providers {
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
		}
		if strings.TrimSpace(p.Model) == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: model is required", i))
		}
		if _, err := provider.ParseKind(p.Kind); err != nil {
			errs = append(errs, fmt.Errorf("providers[%d]: %w", i, err))
		}
		if p.MonthlyLimit < 0 {
			errs = append(errs, fmt.Errorf("providers[%d]: monthly_limit must not be negative", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
