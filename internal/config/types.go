package config

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Config holds every server-level option plus the weather processor and cache settings.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Weather WeatherConfig `koanf:"weather"`
	Cache   CacheConfig   `koanf:"cache"`

	// Warnings collects non-fatal corrections applied during validation (for
	// example a TTL raised to the service tier floor). The loader cannot log
	// them itself because the logger is built from the loaded config.
	Warnings []string `koanf:"-"`
}

// ServerConfig collects the socket listener and lifecycle knobs.
type ServerConfig struct {
	Listen       ListenConfig  `koanf:"listen"`
	Admin        AdminConfig   `koanf:"admin"`
	Logging      LoggingConfig `koanf:"logging"`
	IdleTimeout  string        `koanf:"idleTimeout"`
	WriteTimeout string        `koanf:"writeTimeout"`
	MaxLineBytes int           `koanf:"maxLineBytes"`
}

// ListenConfig instructs the TCP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// AdminConfig controls the HTTP listener that exposes metrics and health.
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// WeatherConfig describes the upstream forecast API and how its hourly records are scored.
type WeatherConfig struct {
	APIKey      string `koanf:"apiKey"`
	ServiceType string `koanf:"serviceType"`
	TTLSeconds  int    `koanf:"ttlSeconds"`
	Location    string `koanf:"location"`
	AutoIP      bool   `koanf:"autoIP"`
	BaseURL     string `koanf:"baseURL"`
	URLTemplate string `koanf:"urlTemplate"`
	Formula     string `koanf:"formula"`
	FormulaFile string `koanf:"formulaFile"`
	Timeout     string `koanf:"timeout"`
}

// CacheConfig selects the request cache entry store.
type CacheConfig struct {
	Backend string           `koanf:"backend"`
	Redis   RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	Retention string         `koanf:"retention"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// DefaultFormula reproduces the stock precipitation curve: the expected rain
// volume weighted by probability, capped at 100, square-rooted and scaled to a byte.
const DefaultFormula = "sqrt(min((qpf + 0.05) * pop, 100.0) / 100.0) * 255.0"

// DefaultURLTemplate composes the hourly forecast URL for a fixed station or auto-ip lookup.
const DefaultURLTemplate = "{{ .BaseURL }}/api/{{ .APIKey }}/hourly{{ if .AutoIP }}/q/autoip{{ else }}{{ .Location }}{{ end }}.json"

var (
	apiKeyPattern   = regexp.MustCompile(`[A-Za-z0-9_]{16}`)
	locationPattern = regexp.MustCompile(`/q/zmw:\d{5}\.\d\.\d{5}`)
)

// serviceQuotas maps the upstream service tier to its daily call allowance.
var serviceQuotas = map[string]int{
	"developer": 500,
	"drizzle":   5000,
	"shower":    100000,
	"downpour":  1000000,
}

// DailyQuota returns the number of upstream calls per day the tier allows.
func DailyQuota(serviceType string) (int, bool) {
	quota, ok := serviceQuotas[strings.TrimSpace(strings.ToLower(serviceType))]
	return quota, ok
}

// MinimumTTL is the shortest refresh interval that stays within the tier's daily quota.
func MinimumTTL(quota int) int {
	if quota <= 0 {
		return 0
	}
	return int(math.Ceil(float64(24*60*60) / float64(quota)))
}

// TTL returns the effective minimum interval between upstream fetches.
func (w WeatherConfig) TTL() time.Duration {
	return time.Duration(w.TTLSeconds) * time.Second
}

// RequestTimeout parses the upstream HTTP timeout, falling back to 10s.
func (w WeatherConfig) RequestTimeout() time.Duration {
	return parseDurationOr(w.Timeout, 10*time.Second)
}

// IdleDuration parses the idle eviction window. Zero disables eviction.
func (s ServerConfig) IdleDuration() time.Duration {
	return parseDurationOr(s.IdleTimeout, 0)
}

// WriteDuration parses the per-client write deadline used by broadcasts.
func (s ServerConfig) WriteDuration() time.Duration {
	return parseDurationOr(s.WriteTimeout, 5*time.Second)
}

// RetentionDuration parses how long redis keeps an entry after its last refresh.
func (r RedisCacheConfig) RetentionDuration() time.Duration {
	return parseDurationOr(r.Retention, 24*time.Hour)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return fallback
	}
	return d
}

// Validate enforces invariants that keep the runtime predictable before the
// listener starts. A TTL below the service tier floor, or a redis retention
// shorter than the TTL, is corrected in place and reported through Warnings
// instead of failing.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: server.listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Admin.Enabled && (c.Server.Admin.Port <= 0 || c.Server.Admin.Port > 65535) {
		return fmt.Errorf("config: server.admin.port invalid: %d", c.Server.Admin.Port)
	}
	if c.Server.MaxLineBytes < 0 {
		return fmt.Errorf("config: server.maxLineBytes invalid: %d", c.Server.MaxLineBytes)
	}
	if err := validateDuration("server.idleTimeout", c.Server.IdleTimeout); err != nil {
		return err
	}
	if err := validateDuration("server.writeTimeout", c.Server.WriteTimeout); err != nil {
		return err
	}
	if err := c.Weather.validate(); err != nil {
		return err
	}
	quota, _ := DailyQuota(c.Weather.ServiceType)
	if floor := MinimumTTL(quota); c.Weather.TTLSeconds < floor {
		c.Warnings = append(c.Warnings, fmt.Sprintf(
			"weather.ttlSeconds %d is below the minimum allowed for service type %q; raised to %d",
			c.Weather.TTLSeconds, c.Weather.ServiceType, floor))
		c.Weather.TTLSeconds = floor
	}

	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
		if err := validateDuration("cache.redis.retention", c.Cache.Redis.Retention); err != nil {
			return err
		}
		if ttl := c.Weather.TTL(); c.Cache.Redis.RetentionDuration() < ttl {
			c.Warnings = append(c.Warnings, fmt.Sprintf(
				"cache.redis.retention %s is shorter than weather.ttlSeconds; raised to %s",
				c.Cache.Redis.RetentionDuration(), ttl))
			c.Cache.Redis.Retention = ttl.String()
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	return nil
}

func (w WeatherConfig) validate() error {
	if !apiKeyPattern.MatchString(w.APIKey) {
		return fmt.Errorf("config: weather.apiKey %q is malformed; expected a 16 character key", w.APIKey)
	}
	if !w.AutoIP && !locationPattern.MatchString(w.Location) {
		return fmt.Errorf("config: weather.location %q is malformed; expected /q/zmw:12345.1.12345", w.Location)
	}
	if _, ok := DailyQuota(w.ServiceType); !ok {
		return fmt.Errorf("config: weather.serviceType %q unsupported; use developer, drizzle, shower or downpour", w.ServiceType)
	}
	if w.TTLSeconds < 0 {
		return fmt.Errorf("config: weather.ttlSeconds invalid: %d", w.TTLSeconds)
	}
	if strings.TrimSpace(w.BaseURL) == "" {
		return errors.New("config: weather.baseURL required")
	}
	if strings.TrimSpace(w.URLTemplate) == "" {
		return errors.New("config: weather.urlTemplate required")
	}
	if strings.TrimSpace(w.Formula) == "" && strings.TrimSpace(w.FormulaFile) == "" {
		return errors.New("config: weather.formula or weather.formulaFile required")
	}
	return validateDuration("weather.timeout", w.Timeout)
}

func validateDuration(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return fmt.Errorf("config: %s invalid: %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("config: %s must not be negative", field)
	}
	return nil
}

// DefaultConfig returns the baseline values. The API key and location have no
// usable default; operators must supply them.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    9000,
			},
			Admin: AdminConfig{
				Enabled: true,
				Address: "127.0.0.1",
				Port:    9100,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			IdleTimeout:  "10m",
			WriteTimeout: "5s",
			MaxLineBytes: 4096,
		},
		Weather: WeatherConfig{
			ServiceType: "developer",
			TTLSeconds:  300,
			BaseURL:     "http://api.wunderground.com",
			URLTemplate: DefaultURLTemplate,
			Formula:     DefaultFormula,
			Timeout:     "10s",
		},
		Cache: CacheConfig{
			Backend: "memory",
			Redis: RedisCacheConfig{
				Retention: "24h",
			},
		},
	}
}
