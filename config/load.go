package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"exchange-connector-go/infrastructure/logger"
	"exchange-connector-go/throttle"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string            `yaml:"env"`
	Venue      VenueConfig       `yaml:"venue"`
	Pairs      []string          `yaml:"pairs"`
	RateLimits []RateLimitConfig `yaml:"rateLimits"`
	Book       BookConfig        `yaml:"book"`
	Orders     OrderConfig       `yaml:"orders"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Log        logger.Config     `yaml:"log"`
	StatePath  string            `yaml:"statePath"` // 在途订单落盘路径，空则不持久化
}

// VenueConfig 交易所接入参数。密钥建议通过环境变量注入，不落配置文件。
type VenueConfig struct {
	Name        string `yaml:"name"`
	APIKey      string `yaml:"apiKey"`
	APISecret   string `yaml:"apiSecret"`
	RESTBaseURL string `yaml:"restBaseURL"`
	WSURL       string `yaml:"wsURL"`
}

// RateLimitConfig 一条限流规则。WindowMs 为滑动窗口长度（毫秒）。
type RateLimitConfig struct {
	LimitID     string           `yaml:"limitId"`
	Capacity    int              `yaml:"capacity"`
	WindowMs    int              `yaml:"windowMs"`
	Weight      int              `yaml:"weight"`
	LinkedPools []LinkedPoolYAML `yaml:"linkedPools"`
}

type LinkedPoolYAML struct {
	PoolID string `yaml:"poolId"`
	Weight int    `yaml:"weight"`
}

// BookConfig 订单簿同步参数。
type BookConfig struct {
	DiffBufferSize          int `yaml:"diffBufferSize"`          // 默认 1000
	SnapshotIntervalSec     int `yaml:"snapshotIntervalSec"`     // 默认 3600
	SnapshotRetryDelaySec   int `yaml:"snapshotRetryDelaySec"`   // 默认 5
	StreamReconnectDelaySec int `yaml:"streamReconnectDelaySec"` // 默认 30
}

// OrderConfig 订单生命周期参数。
type OrderConfig struct {
	StatusPollIntervalSec  int    `yaml:"statusPollIntervalSec"`  // 默认 10
	RuleRefreshIntervalMin int    `yaml:"ruleRefreshIntervalMin"` // 默认 60
	NotFoundThreshold      int    `yaml:"notFoundThreshold"`      // 默认 3
	CancelAllTimeoutSec    int    `yaml:"cancelAllTimeoutSec"`    // 默认 10
	ClientIDPrefix         string `yaml:"clientIdPrefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("XC_VENUE_API_KEY"); v != "" {
		cfg.Venue.APIKey = v
	}
	if v := os.Getenv("XC_VENUE_API_SECRET"); v != "" {
		cfg.Venue.APISecret = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Venue.Name == "" {
		return errors.New("venue.name is required")
	}
	if cfg.Venue.RESTBaseURL == "" {
		return errors.New("venue.restBaseURL is required")
	}
	if cfg.Venue.APIKey == "" || cfg.Venue.APISecret == "" {
		return errors.New("venue.apiKey/apiSecret is required (or env overrides)")
	}
	if len(cfg.Pairs) == 0 {
		return errors.New("pairs config is required")
	}
	seen := make(map[string]bool)
	for _, p := range cfg.Pairs {
		if seen[p] {
			return fmt.Errorf("pair %s listed twice", p)
		}
		seen[p] = true
	}
	if _, err := ThrottleRules(cfg.RateLimits); err != nil {
		return err
	}
	if cfg.Book.DiffBufferSize < 0 {
		return errors.New("book.diffBufferSize must be >= 0")
	}
	if cfg.Orders.NotFoundThreshold < 0 {
		return errors.New("orders.notFoundThreshold must be >= 0")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics.enabled")
	}
	return nil
}

// ThrottleRules 把配置里的限流段转换成限流器规则并做逐条校验。
func ThrottleRules(limits []RateLimitConfig) ([]throttle.Rule, error) {
	rules := make([]throttle.Rule, 0, len(limits))
	seen := make(map[string]bool)
	for _, rl := range limits {
		if seen[rl.LimitID] {
			return nil, fmt.Errorf("rate limit %s defined twice", rl.LimitID)
		}
		seen[rl.LimitID] = true
		r := throttle.Rule{
			LimitID:  rl.LimitID,
			Capacity: rl.Capacity,
			Window:   time.Duration(rl.WindowMs) * time.Millisecond,
			Weight:   rl.Weight,
		}
		for _, lp := range rl.LinkedPools {
			r.LinkedPools = append(r.LinkedPools, throttle.LinkedPool{PoolID: lp.PoolID, Weight: lp.Weight})
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
