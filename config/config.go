// Package config loads limiter configuration from a YAML file and the environment.
//
// Load order: Default -> YAML file -> DOMAINLIMIT_* environment overrides -> Validate.
// The domainlimit package itself never reads the environment; applications
// either use this package or build policies and options in code.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/nhalm/domainlimit"
	"github.com/nhalm/domainlimit/store"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "DOMAINLIMIT_"

// Config holds the limiter, store and admin settings.
type Config struct {
	Addr     string         `yaml:"addr" validate:"required"`
	Policies []PolicyConfig `yaml:"policies" validate:"required,min=1,dive"`

	Headers                bool   `yaml:"headers"`
	DraftHeaders           bool   `yaml:"draft_headers"`
	SkipFailedRequests     bool   `yaml:"skip_failed_requests"`
	SkipSuccessfulRequests bool   `yaml:"skip_successful_requests"`
	StatusCode             int    `yaml:"status_code" validate:"gte=400,lte=599"`
	Message                string `yaml:"message" validate:"required"`

	// DomainSource selects the domain indicator: "headers" (raw Origin/Referer) or "host".
	DomainSource string `yaml:"domain_source" validate:"oneof=headers host"`
	// KeySource selects the counting key: "ip", "real_ip" or "header".
	KeySource string `yaml:"key_source" validate:"oneof=ip real_ip header"`
	KeyHeader string `yaml:"key_header" validate:"required_if=KeySource header"`

	Store StoreConfig `yaml:"store"`
	Stats StatsConfig `yaml:"stats"`
	Admin AdminConfig `yaml:"admin"`
}

// PolicyConfig is one domain policy with a static max.
type PolicyConfig struct {
	Domain string        `yaml:"domain" validate:"required"`
	Max    int           `yaml:"max" validate:"gte=0"`
	Window time.Duration `yaml:"window" validate:"gt=0"`
}

// StoreConfig selects the counter backend.
type StoreConfig struct {
	Type          string        `yaml:"type" validate:"oneof=memory redis"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig is the connection used by the redis store and stats backends.
type RedisConfig struct {
	URL      string `yaml:"url" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0,lte=15"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size" validate:"gte=0"`
}

// StatsConfig controls decision statistics.
type StatsConfig struct {
	Enabled   bool `yaml:"enabled"`
	TrackKeys bool `yaml:"track_keys"`
}

// AdminConfig controls the admin router.
type AdminConfig struct {
	Enabled bool    `yaml:"enabled"`
	APIKey  string  `yaml:"api_key" validate:"required_if=Enabled true"`
	RPS     float64 `yaml:"rps" validate:"gte=0"`
	Burst   int     `yaml:"burst" validate:"gte=0"`
}

// Default returns the configuration used before the file and environment are applied.
// It has no policies; at least a wildcard policy must come from the file.
func Default() *Config {
	return &Config{
		Addr:         ":8080",
		Headers:      true,
		StatusCode:   429,
		Message:      domainlimit.DefaultMessage,
		DomainSource: "headers",
		KeySource:    "ip",
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				URL:    "localhost:6379",
				Prefix: "ratelimit:",
			},
		},
		Admin: AdminConfig{
			RPS:   5,
			Burst: 10,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnvOverrides(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides overrides scalar settings from DOMAINLIMIT_* variables.
// Policies are only configurable through the file.
func (c *Config) ApplyEnvOverrides(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	str("ADDR", &c.Addr)
	boolean("HEADERS", &c.Headers)
	boolean("DRAFT_HEADERS", &c.DraftHeaders)
	boolean("SKIP_FAILED_REQUESTS", &c.SkipFailedRequests)
	boolean("SKIP_SUCCESSFUL_REQUESTS", &c.SkipSuccessfulRequests)
	integer("STATUS_CODE", &c.StatusCode)
	str("MESSAGE", &c.Message)
	str("DOMAIN_SOURCE", &c.DomainSource)
	str("KEY_SOURCE", &c.KeySource)
	str("KEY_HEADER", &c.KeyHeader)

	str("STORE_TYPE", &c.Store.Type)
	str("REDIS_URL", &c.Store.Redis.URL)
	str("REDIS_PASSWORD", &c.Store.Redis.Password)
	integer("REDIS_DB", &c.Store.Redis.DB)
	str("REDIS_PREFIX", &c.Store.Redis.Prefix)

	boolean("STATS_ENABLED", &c.Stats.Enabled)
	boolean("ADMIN_ENABLED", &c.Admin.Enabled)
	str("ADMIN_API_KEY", &c.Admin.APIKey)

	return errors.Join(errs...)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that a wildcard policy exists.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, p := range c.Policies {
		if p.Domain == domainlimit.Wildcard {
			return nil
		}
	}
	return fmt.Errorf("invalid config: a %q policy is required", domainlimit.Wildcard)
}

// LimiterPolicies converts the configured policies in order.
func (c *Config) LimiterPolicies() []domainlimit.Policy {
	out := make([]domainlimit.Policy, len(c.Policies))
	for i, p := range c.Policies {
		out[i] = domainlimit.Policy{
			Domain: p.Domain,
			Max:    domainlimit.StaticMax(p.Max),
			Window: p.Window,
		}
	}
	return out
}

// Options converts the limiter settings. The store factory is added separately
// because it may own a connection.
func (c *Config) Options() []domainlimit.Option {
	opts := []domainlimit.Option{
		domainlimit.WithHeaders(c.Headers),
		domainlimit.WithDraftHeaders(c.DraftHeaders),
		domainlimit.WithSkipFailedRequests(c.SkipFailedRequests),
		domainlimit.WithSkipSuccessfulRequests(c.SkipSuccessfulRequests),
		domainlimit.WithStatusCode(c.StatusCode),
		domainlimit.WithMessage(c.Message),
	}

	if c.DomainSource == "host" {
		opts = append(opts, domainlimit.WithDomainFunc(domainlimit.DomainFromOriginHost))
	}

	switch c.KeySource {
	case "real_ip":
		opts = append(opts, domainlimit.WithKeyFunc(domainlimit.KeyByRealIP()))
	case "header":
		opts = append(opts, domainlimit.WithKeyFunc(domainlimit.KeyByHeader(c.KeyHeader)))
	}

	return opts
}

// RedisClient connects to the configured Redis server and pings it.
func (c *Config) RedisClient(ctx context.Context) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     c.Store.Redis.URL,
		Password: c.Store.Redis.Password,
		DB:       c.Store.Redis.DB,
	}
	if c.Store.Redis.PoolSize > 0 {
		opts.PoolSize = c.Store.Redis.PoolSize
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// StoreFactory returns the factory for the configured store type. For "redis",
// client must be non-nil and stays owned by the caller.
func (c *Config) StoreFactory(client *redis.Client) (store.Factory, error) {
	switch c.Store.Type {
	case "redis":
		if client == nil {
			return nil, errors.New("redis store requires a client")
		}
		return store.RedisFactory(client, c.Store.Redis.Prefix), nil
	default:
		return store.MemoryFactory(store.WithSweepInterval(c.Store.SweepInterval)), nil
	}
}
