// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"xmonitor/source"
	"xmonitor/storage"
)

// Config holds every setting. Field tags name the environment variables.
type Config struct {
	BotToken     string `envconfig:"BOT_TOKEN"`
	Port         string `envconfig:"PORT" default:"3000"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	MockTelegram bool   `envconfig:"MOCK_TELEGRAM"`

	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"10s"`
	PollWorkers  int           `envconfig:"POLL_WORKERS" default:"2"`

	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"10s"`
	FetchRate    float64       `envconfig:"FETCH_RATE" default:"2"`
	FetchWindow  int           `envconfig:"FETCH_WINDOW" default:"5"`

	Sources      []string `envconfig:"SOURCES" default:"rss,html,api"`
	RSSMirrors   []string `envconfig:"RSS_MIRRORS" default:"https://nitter.net"`
	HTMLBaseURL  string   `envconfig:"HTML_BASE_URL" default:"https://nitter.net"`
	XBearerToken string   `envconfig:"X_BEARER_TOKEN"`
	XAPIBaseURL  string   `envconfig:"X_API_BASE_URL" default:"https://api.x.com/2"`

	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	LocalStorage  string `envconfig:"LOCAL_STORAGE" default:"./data"`
	StorageBucket string `envconfig:"STORAGE_BUCKET"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"./data/xmonitor.db"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisKey      string `envconfig:"REDIS_KEY" default:"xmonitor:subscribers"`
}

var knownSources = []string{"rss", "html", "api"}

// Load reads an optional .env file and then the environment.
func Load(logger *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", "error", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.BotToken == "" && !c.MockTelegram {
		errs = append(errs, errors.New("BOT_TOKEN is required unless MOCK_TELEGRAM is set"))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.PollInterval))
	}
	if c.PollWorkers < 1 {
		errs = append(errs, fmt.Errorf("POLL_WORKERS must be positive, got %d", c.PollWorkers))
	}
	if c.FetchWindow < 1 || c.FetchWindow > 20 {
		errs = append(errs, fmt.Errorf("FETCH_WINDOW must be between 1 and 20, got %d", c.FetchWindow))
	}
	if c.FetchRate < 0 {
		errs = append(errs, fmt.Errorf("FETCH_RATE must not be negative, got %g", c.FetchRate))
	}

	c.Sources = normalizeList(c.Sources)
	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("SOURCES must name at least one of rss, html, api"))
	}
	for _, s := range c.Sources {
		if !slices.Contains(knownSources, s) {
			errs = append(errs, fmt.Errorf("unknown source %q in SOURCES", s))
		}
	}

	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Level parses LOG_LEVEL.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	return l, nil
}

// Storage returns the storage backend settings. Without an explicit driver,
// a bucket selects GCS and anything else uses local files.
func (c *Config) Storage() storage.Config {
	driver := c.StorageDriver
	if driver == "" {
		driver = storage.DriverLocal
		if c.StorageBucket != "" {
			driver = storage.DriverGCS
		}
	}
	return storage.Config{
		Driver:     driver,
		LocalPath:  c.LocalStorage,
		Bucket:     c.StorageBucket,
		SQLitePath: c.SQLitePath,
		RedisAddr:  c.RedisAddr,
		RedisKey:   c.RedisKey,
	}
}

// Chain returns the source chain settings.
func (c *Config) Chain() source.Config {
	return source.Config{
		Window:  c.FetchWindow,
		Timeout: c.FetchTimeout,
	}
}
