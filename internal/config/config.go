// Package config handles loading and validating credrouter configuration.
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

// envPrefix marks environment variables that override file values.
// CREDROUTER_SERVER_PORT=3000 becomes server.port=3000.
const envPrefix = "CREDROUTER_"

// Config is the top-level configuration for the credrouter service.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Log       LogConfig                 `koanf:"log"`
	Redis     RedisConfig               `koanf:"redis"`
	Postgres  PostgresConfig            `koanf:"postgres"`
	Router    RouterConfig              `koanf:"router"`
	Usage     UsageConfig               `koanf:"usage"`
	Policy    PolicyConfig              `koanf:"policy"`
	Providers map[string]ProviderConfig `koanf:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig controls the slog handler built at startup.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or text
}

// RedisConfig points at the shared key/value backend. A single address
// yields a plain client; several addresses yield a cluster client.
type RedisConfig struct {
	Addrs     []string `koanf:"addrs"`
	Password  string   `koanf:"password"`
	DB        int      `koanf:"db"`
	KeyPrefix string   `koanf:"key_prefix"`
}

// PostgresConfig points at the durable store. An empty DSN selects the
// in-memory keystore.
type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	Migrate  bool   `koanf:"migrate"`
}

// RouterConfig tunes the selection loop and the cooldown table.
type RouterConfig struct {
	CallTimeout time.Duration  `koanf:"call_timeout"`
	MaxAttempts int            `koanf:"max_attempts"` // 0 means one attempt per candidate
	Cooldowns   CooldownConfig `koanf:"cooldowns"`
}

// CooldownConfig maps failure classes to circuit-breaker durations.
type CooldownConfig struct {
	RateLimit   time.Duration `koanf:"rate_limit"`
	Quota       time.Duration `koanf:"quota"`
	Auth        time.Duration `koanf:"auth"`
	ServerError time.Duration `koanf:"server_error"`
	Timeout     time.Duration `koanf:"timeout"`
}

// UsageConfig tunes the accounting buffer and the background sweeper.
type UsageConfig struct {
	FlushInterval        time.Duration `koanf:"flush_interval"`
	LockLease            time.Duration `koanf:"lock_lease"`
	LockWait             time.Duration `koanf:"lock_wait"`
	Window               time.Duration `koanf:"window"`
	SweepInterval        time.Duration `koanf:"sweep_interval"`
	ExhaustionStaleAfter time.Duration `koanf:"exhaustion_stale_after"`
}

// PolicyConfig tunes the local caches and the version watermark poll.
type PolicyConfig struct {
	CacheTTL      time.Duration `koanf:"cache_ttl"`
	WatchInterval time.Duration `koanf:"watch_interval"`
}

// ProviderConfig holds per-provider defaults. Credentials stored in the
// keystore may carry their own base URL override.
//
// APIKey and Models are only read when the in-memory keystore is in use:
// they seed one shared credential per provider so a single-node setup can
// route without a database.
type ProviderConfig struct {
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// A single underscore separates path segments and a double underscore
	// stands for a literal underscore inside one segment:
	//   CREDROUTER_SERVER_PORT              -> server.port
	//   CREDROUTER_ROUTER_CALL__TIMEOUT     -> router.call_timeout
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in secrets. koanf doesn't do this
	// automatically.
	cfg.Postgres.DSN = expand(cfg.Postgres.DSN)
	cfg.Redis.Password = expand(cfg.Redis.Password)
	for name, p := range cfg.Providers {
		p.APIKey = expand(p.APIKey)
		cfg.Providers[name] = p // write back into the map
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	s = strings.ReplaceAll(s, "__", "\x00")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "\x00", "_")
}

// expand resolves a ${VAR_NAME} placeholder from the environment. Values
// without the placeholder shape are returned unchanged.
func expand(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func (c *Config) applyDefaults() {
	setDuration := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	setDuration(&c.Server.ReadTimeout, 30*time.Second)
	setDuration(&c.Server.WriteTimeout, 120*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 15*time.Second)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if len(c.Redis.Addrs) == 0 {
		c.Redis.Addrs = []string{"localhost:6379"}
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "credrouter:"
	}
	if c.Postgres.MaxConns <= 0 {
		c.Postgres.MaxConns = 10
	}

	setDuration(&c.Router.CallTimeout, 60*time.Second)
	setDuration(&c.Router.Cooldowns.RateLimit, 30*time.Second)
	setDuration(&c.Router.Cooldowns.Quota, 60*time.Second)
	setDuration(&c.Router.Cooldowns.Auth, 24*time.Hour)
	setDuration(&c.Router.Cooldowns.ServerError, 15*time.Second)
	setDuration(&c.Router.Cooldowns.Timeout, 10*time.Second)

	setDuration(&c.Usage.FlushInterval, 5*time.Second)
	setDuration(&c.Usage.LockLease, 2*time.Second)
	setDuration(&c.Usage.LockWait, 1*time.Second)
	setDuration(&c.Usage.Window, 24*time.Hour)
	setDuration(&c.Usage.SweepInterval, time.Minute)
	setDuration(&c.Usage.ExhaustionStaleAfter, time.Hour)

	setDuration(&c.Policy.CacheTTL, 30*time.Second)
	setDuration(&c.Policy.WatchInterval, 5*time.Second)
}

// Validate rejects combinations that would make a background loop misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if c.Router.MaxAttempts < 0 {
		errs = append(errs, errors.New("router.max_attempts must not be negative"))
	}
	if c.Usage.LockWait >= c.Usage.FlushInterval {
		errs = append(errs, fmt.Errorf("usage.lock_wait (%s) must be shorter than usage.flush_interval (%s)",
			c.Usage.LockWait, c.Usage.FlushInterval))
	}
	if c.Policy.WatchInterval > c.Policy.CacheTTL {
		errs = append(errs, fmt.Errorf("policy.watch_interval (%s) must not exceed policy.cache_ttl (%s)",
			c.Policy.WatchInterval, c.Policy.CacheTTL))
	}
	return errors.Join(errs...)
}

// BaseURL returns the configured base URL for a provider, or "" when the
// provider's built-in default should be used.
func (c *Config) BaseURL(provider string) string {
	return c.Providers[provider].BaseURL
}
