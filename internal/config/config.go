// Package config loads the nested priceverse configuration from a YAML
// file and overrides it from the environment. Precedence: defaults <
// file < environment. Environment variables use the PRICEVERSE_ prefix
// with "__" as the nesting separator, e.g.
// PRICEVERSE_AGGREGATION__WINDOW_SIZE=30000.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envPrefix    = "PRICEVERSE_"
	envSeparator = "__"
)

// Config is the root configuration tree.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Exchanges   ExchangesConfig   `yaml:"exchanges"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	CBR         CBRConfig         `yaml:"cbr"`
	Retention   RetentionConfig   `yaml:"retention"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// AppConfig holds the RPC server bind address.
type AppConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Dialect               string     `yaml:"dialect"`
	Host                  string     `yaml:"host"`
	Port                  int        `yaml:"port"`
	Database              string     `yaml:"database"`
	User                  string     `yaml:"user"`
	Password              string     `yaml:"password"`
	SSL                   bool       `yaml:"ssl"`
	SSLRejectUnauthorized bool       `yaml:"sslRejectUnauthorized"`
	Pool                  PoolConfig `yaml:"pool"`
}

// PoolConfig bounds the database connection pool.
type PoolConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	sslmode := "disable"
	if d.SSL {
		sslmode = "verify-full"
		if !d.SSLRejectUnauthorized {
			sslmode = "require"
		}
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.User, d.Password, sslmode)
}

// RedisConfig holds the stream / cache / pub-sub connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr renders the host:port address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ExchangesConfig selects the subset of venues to run.
type ExchangesConfig struct {
	Enabled []string `yaml:"enabled"`
}

// AggregationConfig tunes the stream aggregator.
type AggregationConfig struct {
	IntervalMs           int      `yaml:"interval"`
	WindowSizeMs         int      `yaml:"windowSize"`
	Pairs                []string `yaml:"pairs"`
	MaxConsecutiveErrors int      `yaml:"maxConsecutiveErrors"`
}

// Interval returns the tick interval as a duration.
func (a AggregationConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMs) * time.Millisecond
}

// Window returns the trailing VWAP window as a duration.
func (a AggregationConfig) Window() time.Duration {
	return time.Duration(a.WindowSizeMs) * time.Millisecond
}

// CBRConfig configures the fiat-rate source.
type CBRConfig struct {
	URL           string  `yaml:"url"`
	CacheTTLSec   int     `yaml:"cacheTtl"`
	RetryAttempts int     `yaml:"retryAttempts"`
	RetryDelayMs  int     `yaml:"retryDelay"`
	FallbackRate  float64 `yaml:"fallbackRate"`
}

// CacheTTL returns the rate cache TTL as a duration.
func (c CBRConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// RetentionConfig drives the sweeper. Zero days means keep forever.
type RetentionConfig struct {
	Enabled          bool   `yaml:"enabled"`
	PriceHistoryDays int    `yaml:"priceHistoryDays"`
	Candles5MinDays  int    `yaml:"candles5minDays"`
	Candles1HourDays int    `yaml:"candles1hourDays"`
	Candles1DayDays  int    `yaml:"candles1dayDays"`
	CleanupSchedule  string `yaml:"cleanupSchedule"`
}

// AlertsConfig configures the webhook alert sink.
type AlertsConfig struct {
	Enabled     bool            `yaml:"enabled"`
	WebhookURL  string          `yaml:"webhookUrl"`
	Environment string          `yaml:"environment"`
	Thresholds  AlertThresholds `yaml:"thresholds"`
}

// AlertThresholds holds the alert trigger levels.
type AlertThresholds struct {
	DisconnectSec        int `yaml:"disconnectSeconds"`
	AggregatorErrorCount int `yaml:"aggregatorErrorCount"`
}

// APIConfig holds the boundary knobs of the RPC surface.
type APIConfig struct {
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Cache     APICacheConfig  `yaml:"cache"`
	Streaming StreamingConfig `yaml:"streaming"`
}

// RateLimitConfig tunes the per-client sliding-window limiter.
type RateLimitConfig struct {
	Enabled  bool `yaml:"enabled"`
	WindowMs int  `yaml:"window"`
	Max      int  `yaml:"max"`
}

// Window returns the limiter window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// APICacheConfig tunes the price cache read path.
type APICacheConfig struct {
	TTLSec      int `yaml:"ttl"`
	MaxAgeSec   int `yaml:"maxAge"`
	StaleAgeSec int `yaml:"staleAge"`
}

// StreamingConfig tunes streamPrices subscriptions.
type StreamingConfig struct {
	IdleTimeoutSec int `yaml:"idleTimeout"`
	MaxQueueSize   int `yaml:"maxQueueSize"`
}

// IdleTimeout returns the subscriber idle timeout as a duration.
func (s StreamingConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		App: AppConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			Dialect:  "postgres",
			Host:     "localhost",
			Port:     5432,
			Database: "priceverse",
			User:     "priceverse",
			Pool:     PoolConfig{Min: 2, Max: 10},
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Exchanges: ExchangesConfig{
			Enabled: []string{"binance", "kraken", "coinbase", "kucoin", "okx", "bybit"},
		},
		Aggregation: AggregationConfig{
			IntervalMs:           10000,
			WindowSizeMs:         30000,
			Pairs:                []string{"btc-usd", "eth-usd", "xmr-usd"},
			MaxConsecutiveErrors: 10,
		},
		CBR: CBRConfig{
			URL:           "https://www.cbr-xml-daily.ru/daily_json.js",
			CacheTTLSec:   3600,
			RetryAttempts: 3,
			RetryDelayMs:  5000,
			FallbackRate:  90.0,
		},
		Retention: RetentionConfig{
			Enabled:          true,
			PriceHistoryDays: 7,
			Candles5MinDays:  30,
			Candles1HourDays: 365,
			Candles1DayDays:  0,
			CleanupSchedule:  "0 3 * * *",
		},
		Alerts: AlertsConfig{
			Environment: "production",
			Thresholds: AlertThresholds{
				DisconnectSec:        300,
				AggregatorErrorCount: 5,
			},
		},
		API: APIConfig{
			RateLimit: RateLimitConfig{Enabled: true, WindowMs: 60000, Max: 100},
			Cache:     APICacheConfig{TTLSec: 60, MaxAgeSec: 120, StaleAgeSec: 120},
			Streaming: StreamingConfig{IdleTimeoutSec: 60, MaxQueueSize: 1000},
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads the config file (when path is non-empty and exists),
// applies environment overrides and returns the effective config.
func Load(path string) (Config, error) {
	tree := map[string]interface{}{}
	if def, err := toTree(Default()); err == nil {
		tree = def
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			fileTree := map[string]interface{}{}
			if err := yaml.Unmarshal(data, &fileTree); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			merge(tree, fileTree)
		}
	}

	applyEnv(tree, os.Environ())

	var cfg Config
	out, err := yaml.Marshal(tree)
	if err != nil {
		return Config{}, fmt.Errorf("merge config: %w", err)
	}
	if err := yaml.Unmarshal(out, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func toTree(cfg Config) (map[string]interface{}, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	tree := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func merge(dst, src map[string]interface{}) {
	for k, v := range src {
		if sub, ok := v.(map[string]interface{}); ok {
			if dsub, ok := dst[k].(map[string]interface{}); ok {
				merge(dsub, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// applyEnv sets PRICEVERSE_-prefixed variables into the tree. Each "__"
// separated segment is a nesting level; SNAKE_CASE segments map to the
// camelCase YAML keys.
func applyEnv(tree map[string]interface{}, environ []string) {
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[len(envPrefix):eq], kv[eq+1:]
		segments := strings.Split(key, envSeparator)
		node := tree
		for i, seg := range segments {
			name := camelKey(seg)
			if i == len(segments)-1 {
				node[name] = parseScalar(value)
				break
			}
			next, ok := node[name].(map[string]interface{})
			if !ok {
				next = map[string]interface{}{}
				node[name] = next
			}
			node = next
		}
	}
}

func camelKey(segment string) string {
	parts := strings.Split(strings.ToLower(segment), "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

func parseScalar(s string) interface{} {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		out := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	}
	return s
}
