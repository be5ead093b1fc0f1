package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Source     SourceConfig     `yaml:"source"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the status API configuration.
type ServerConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Port            int     `yaml:"port"`
	RequestIPHeader string  `yaml:"request_ip_header"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateBurst       int     `yaml:"rate_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// SourceConfig describes the source schedule provider and its credentials.
type SourceConfig struct {
	URL                   string   `yaml:"url"`
	School                string   `yaml:"school"`
	Username              string   `yaml:"username"`
	Password              string   `yaml:"password"`
	ClientName            string   `yaml:"client_name"`
	Timezone              string   `yaml:"timezone"`
	Subjects              []string `yaml:"subjects"`
	RequestTimeoutSeconds int      `yaml:"request_timeout_seconds"`
	RateLimitPerSec       float64  `yaml:"rate_limit_per_sec"`
	MaxDays               int      `yaml:"max_days"`

	Location       *time.Location `yaml:"-"`
	RequestTimeout time.Duration  `yaml:"-"`
}

// CalendarConfig selects and configures the mirror calendar provider.
type CalendarConfig struct {
	Provider    string        `yaml:"provider"`
	WindowDays  int           `yaml:"window_days"`
	Parallelism int           `yaml:"parallelism"`
	Google      GoogleConfig  `yaml:"google"`
	CalDAV      CalDAVConfig  `yaml:"caldav"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// GoogleConfig holds the Google Calendar OAuth2 client and target calendar.
type GoogleConfig struct {
	BaseURL        string `yaml:"base_url"`
	CalendarID     string `yaml:"calendar_id"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RefreshToken   string `yaml:"refresh_token"`
	TokenURL       string `yaml:"token_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// CalDAVConfig holds the CalDAV server and credentials.
type CalDAVConfig struct {
	URL            string `yaml:"url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	CalendarPath   string `yaml:"calendar_path"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// BreakerConfig tunes the circuit breaker in front of the calendar provider.
type BreakerConfig struct {
	FailureThreshold   uint32 `yaml:"failure_threshold"`
	OpenTimeoutSeconds int    `yaml:"open_timeout_seconds"`
}

// ReconcileConfig holds the polling loop configuration.
type ReconcileConfig struct {
	IntervalMinutes     int `yaml:"interval_minutes"`
	MaxRetries          int `yaml:"max_retries"`
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`

	Interval     time.Duration `yaml:"-"`
	RetryBackoff time.Duration `yaml:"-"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size  int `yaml:"size"`
	Queue int `yaml:"queue"`
}

// LogConfig holds the logger configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the configuration from the given path, overlays the environment
// (including an optional .env file next to the working directory) and applies defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Fields where zero is meaningful get their defaults before decoding.
	cfg := Config{
		Server:    ServerConfig{Enabled: true},
		Reconcile: ReconcileConfig{MaxRetries: 10},
	}
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides credentials and the interval from the environment. The
// variable names match the historical deployment's .env file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("WEBURL"); ok && v != "" {
		c.Source.URL = v
	}
	if v, ok := lookup("SCHOOL"); ok && v != "" {
		c.Source.School = v
	}
	if v, ok := lookup("WEBUSER"); ok && v != "" {
		c.Source.Username = v
	}
	if v, ok := lookup("PASSWORD"); ok && v != "" {
		c.Source.Password = v
	}
	if v, ok := lookup("INTERVAL_MINUTES"); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reconcile.IntervalMinutes = n
		}
	}
	if v, ok := lookup("GOOGLE_REFRESH_TOKEN"); ok && v != "" {
		c.Calendar.Google.RefreshToken = v
	}
	if v, ok := lookup("CALDAV_PASSWORD"); ok && v != "" {
		c.Calendar.CalDAV.Password = v
	}
}

// Normalize fills in defaults, resolves derived fields and validates the result.
func (c *Config) Normalize() error {
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 10
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 5
	}
	if c.Server.CacheTTLSeconds <= 0 {
		c.Server.CacheTTLSeconds = 60
	}

	if c.Source.ClientName == "" {
		c.Source.ClientName = "class-mirror"
	}
	if c.Source.Timezone == "" {
		c.Source.Timezone = "Europe/Berlin"
	}
	loc, err := time.LoadLocation(c.Source.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load timezone %q: %w", c.Source.Timezone, err)
	}
	c.Source.Location = loc
	if c.Source.RequestTimeoutSeconds <= 0 {
		c.Source.RequestTimeoutSeconds = 30
	}
	c.Source.RequestTimeout = time.Duration(c.Source.RequestTimeoutSeconds) * time.Second
	if c.Source.RateLimitPerSec <= 0 {
		c.Source.RateLimitPerSec = 5
	}
	if c.Source.MaxDays <= 0 {
		c.Source.MaxDays = 400
	}
	for i, s := range c.Source.Subjects {
		c.Source.Subjects[i] = strings.TrimSpace(s)
	}

	if c.Calendar.Provider == "" {
		c.Calendar.Provider = "google"
	}
	c.Calendar.Provider = strings.ToLower(c.Calendar.Provider)
	if c.Calendar.WindowDays <= 0 {
		c.Calendar.WindowDays = 365
	}
	if c.Calendar.Parallelism <= 0 {
		c.Calendar.Parallelism = 4
	}
	if c.Calendar.Google.CalendarID == "" {
		c.Calendar.Google.CalendarID = "primary"
	}
	if c.Calendar.Google.TimeoutSeconds <= 0 {
		c.Calendar.Google.TimeoutSeconds = 15
	}
	if c.Calendar.CalDAV.TimeoutSeconds <= 0 {
		c.Calendar.CalDAV.TimeoutSeconds = 30
	}
	if c.Calendar.Breaker.FailureThreshold == 0 {
		c.Calendar.Breaker.FailureThreshold = 5
	}
	if c.Calendar.Breaker.OpenTimeoutSeconds <= 0 {
		c.Calendar.Breaker.OpenTimeoutSeconds = 30
	}

	if c.Reconcile.IntervalMinutes <= 0 {
		c.Reconcile.IntervalMinutes = 10
	}
	c.Reconcile.Interval = time.Duration(c.Reconcile.IntervalMinutes) * time.Minute
	if c.Reconcile.MaxRetries < 0 {
		return fmt.Errorf("reconcile.max_retries must not be negative, got %d", c.Reconcile.MaxRetries)
	}
	if c.Reconcile.RetryBackoffSeconds <= 0 {
		c.Reconcile.RetryBackoffSeconds = 3
	}
	c.Reconcile.RetryBackoff = time.Duration(c.Reconcile.RetryBackoffSeconds) * time.Second

	if c.Database.DSN == "" {
		c.Database.DSN = "file:mirror.db"
	}

	if c.Push.TTL <= 0 {
		c.Push.TTL = 3600
	}
	if c.WorkerPool.Size <= 0 {
		c.WorkerPool.Size = 1
	}
	if c.WorkerPool.Queue <= 0 {
		c.WorkerPool.Queue = 64
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	switch {
	case c.Source.URL == "":
		return errors.New("source.url is required")
	case c.Source.School == "":
		return errors.New("source.school is required")
	case c.Source.Username == "":
		return errors.New("source.username is required")
	}
	switch c.Calendar.Provider {
	case "google", "caldav":
	default:
		return fmt.Errorf("unknown calendar.provider %q", c.Calendar.Provider)
	}
	return nil
}

// PushEnabled reports whether VAPID keys are configured.
func (c *Config) PushEnabled() bool {
	return c.Push.PublicKey != "" && c.Push.PrivateKey != ""
}
