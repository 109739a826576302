package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleet-console/internal/console"
	"fleet-console/internal/fleet"
)

type Config struct {
	API struct {
		BaseURL   string        `yaml:"base_url"`
		Token     string        `yaml:"token"`
		Timeout   time.Duration `yaml:"timeout"`
		RateLimit float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
		Burst     int           `yaml:"burst"`
	} `yaml:"api"`
	Console struct {
		PageSize            int `yaml:"page_size"`
		MaxPages            int `yaml:"max_pages"`
		ValidateConcurrency int `yaml:"validate_concurrency"`
	} `yaml:"console"`
	Poll struct {
		Enabled        *bool         `yaml:"enabled"`
		Interval       time.Duration `yaml:"interval"`
		MinInterval    time.Duration `yaml:"min_interval"`
		ActiveInterval time.Duration `yaml:"active_interval"`
	} `yaml:"poll"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Metrics        *bool    `yaml:"metrics"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Policy struct {
		Script  string        `yaml:"script"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"policy"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit must not be negative")
	}
	if c.Console.PageSize < 1 || c.Console.PageSize > 1000 {
		return fmt.Errorf("console.page_size must be 1-1000, got %d", c.Console.PageSize)
	}
	if c.Console.MaxPages < 1 {
		return fmt.Errorf("console.max_pages must be positive, got %d", c.Console.MaxPages)
	}
	if c.Console.ValidateConcurrency < 1 {
		return fmt.Errorf("console.validate_concurrency must be positive, got %d", c.Console.ValidateConcurrency)
	}
	if c.Poll.MinInterval <= 0 {
		return fmt.Errorf("poll.min_interval must be positive")
	}
	if c.Poll.Interval < c.Poll.MinInterval {
		return fmt.Errorf("poll.interval %v is below poll.min_interval %v", c.Poll.Interval, c.Poll.MinInterval)
	}
	if c.Poll.ActiveInterval < 0 {
		return fmt.Errorf("poll.active_interval must not be negative")
	}
	if c.Poll.ActiveInterval > 0 && c.Poll.ActiveInterval < c.Poll.MinInterval {
		return fmt.Errorf("poll.active_interval %v is below poll.min_interval %v", c.Poll.ActiveInterval, c.Poll.MinInterval)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (c *Config) consoleConfig() console.Config {
	return console.Config{
		PageSize:            c.Console.PageSize,
		MaxPages:            c.Console.MaxPages,
		ValidateConcurrency: c.Console.ValidateConcurrency,
		PollInterval:        c.Poll.Interval,
		PollEnabled:         *c.Poll.Enabled,
		MinPollInterval:     c.Poll.MinInterval,
		ActiveInterval:      c.Poll.ActiveInterval,
	}
}

func (c *Config) httpConfig() fleet.HTTPConfig {
	return fleet.HTTPConfig{
		BaseURL:   c.API.BaseURL,
		Token:     c.API.Token,
		Timeout:   c.API.Timeout,
		RateLimit: c.API.RateLimit,
		Burst:     c.API.Burst,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if env := os.Getenv("FLEET_CONSOLE_API_TOKEN"); env != "" {
		cfg.API.Token = env
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 10 * time.Second
	}
	if cfg.Console.PageSize == 0 {
		cfg.Console.PageSize = 100
	}
	if cfg.Console.MaxPages == 0 {
		cfg.Console.MaxPages = 50
	}
	if cfg.Console.ValidateConcurrency == 0 {
		cfg.Console.ValidateConcurrency = 4
	}
	if cfg.Poll.Enabled == nil {
		enabled := true
		cfg.Poll.Enabled = &enabled
	}
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = 5 * time.Second
	}
	if cfg.Poll.MinInterval == 0 {
		cfg.Poll.MinInterval = 500 * time.Millisecond
	}
	if cfg.Poll.ActiveInterval == 0 {
		cfg.Poll.ActiveInterval = time.Second
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Web.Metrics == nil {
		metrics := true
		cfg.Web.Metrics = &metrics
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "fleet-console.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "fleet"
	}
	if cfg.Policy.Timeout == 0 {
		cfg.Policy.Timeout = 100 * time.Millisecond
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
