// Package config loads and validates mailer configuration.
package config

import (
	"fmt"
	"net/mail"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/relaykit/relaykit/internal/logging"
)

// Config holds all configuration for the mail delivery subsystem.
type Config struct {
	Driver      string            `koanf:"driver"`
	Drivers     DriversConfig     `koanf:"drivers"`
	Queue       QueueConfig       `koanf:"queue"`
	RateLimiter RateLimiterConfig `koanf:"rate_limiter"`
	Logging     logging.Config    `koanf:"logging"`
}

// DriversConfig holds per-transport configuration.
type DriversConfig struct {
	SMTP     SMTPConfig     `koanf:"smtp"`
	Mailgun  MailgunConfig  `koanf:"mailgun"`
	Sendmail SendmailConfig `koanf:"sendmail"`
	Null     NullConfig     `koanf:"null"`
}

// FromConfig is the From header identity applied by a transport.
type FromConfig struct {
	Address string `koanf:"address"`
	Name    string `koanf:"name"`
}

// DKIMConfig holds DKIM signing configuration shared by all transports.
type DKIMConfig struct {
	PrivateKey string `koanf:"dkim_private_key"` // base64 PEM body, no guards
	Selector   string `koanf:"dkim_selector"`
	Domain     string `koanf:"dkim_domain"`
}

// SMTPConfig configures the SMTP transport.
type SMTPConfig struct {
	Host       string     `koanf:"host"`
	Port       int        `koanf:"port"`
	Encryption string     `koanf:"encryption"` // tls, ssl, none
	Username   string     `koanf:"username"`
	Password   string     `koanf:"password"`
	TimeoutSec int        `koanf:"timeout_sec"`
	From       FromConfig `koanf:"from"`
	DKIM       DKIMConfig `koanf:",squash"`
}

// TrackingConfig configures Mailgun click/open tracking.
type TrackingConfig struct {
	Clicks bool `koanf:"clicks"`
	Opens  bool `koanf:"opens"`
}

// MailgunConfig configures the Mailgun HTTP transport.
type MailgunConfig struct {
	APIKey            string            `koanf:"api_key"`
	Domain            string            `koanf:"domain"`
	Region            string            `koanf:"region"` // us, eu
	From              FromConfig        `koanf:"from"`
	TimeoutSec        int               `koanf:"timeout_sec"`
	ConnectTimeoutSec int               `koanf:"connect_timeout_sec"`
	Tracking          TrackingConfig    `koanf:"tracking"`
	DeliveryTime      string            `koanf:"delivery_time"`
	Tags              []string          `koanf:"tags"`
	Variables         map[string]string `koanf:"variables"`
	DKIM              DKIMConfig        `koanf:",squash"`
}

// SendmailConfig configures the local sendmail transport.
type SendmailConfig struct {
	Path string     `koanf:"path"`
	From FromConfig `koanf:"from"`
	DKIM DKIMConfig `koanf:",squash"`
}

// NullConfig configures the discard transport.
type NullConfig struct {
	From FromConfig `koanf:"from"`
}

// WorkerConfig configures the queue worker loop.
type WorkerConfig struct {
	SleepSec   int `koanf:"sleep"`
	MaxTries   int `koanf:"max_tries"`
	MemoryMB   int `koanf:"memory_mb"`
	TimeoutSec int `koanf:"timeout_sec"`
}

// RedisConfig configures the queue store connection.
type RedisConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	Connection    RedisConfig  `koanf:"connection"`
	DefaultQueue  string       `koanf:"default_queue"`
	KeyPrefix     string       `koanf:"key_prefix"`
	FailedJobsKey string       `koanf:"failed_jobs_key"`
	Worker        WorkerConfig `koanf:"worker"`
}

// RateLimiterConfig configures sliding-window admission control.
type RateLimiterConfig struct {
	Key         string `koanf:"key"`
	Limit       int    `koanf:"limit"`
	Seconds     int    `koanf:"seconds"`
	StoragePath string `koanf:"storage_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Driver: "smtp",
		Drivers: DriversConfig{
			SMTP: SMTPConfig{
				Host:       "localhost",
				Port:       587,
				Encryption: "tls",
				TimeoutSec: 30,
			},
			Mailgun: MailgunConfig{
				Region:            "us",
				TimeoutSec:        30,
				ConnectTimeoutSec: 10,
			},
			Sendmail: SendmailConfig{
				Path: "/usr/sbin/sendmail",
			},
		},
		Queue: QueueConfig{
			Connection: RedisConfig{
				Host: "localhost",
				Port: 6379,
			},
			DefaultQueue:  "default",
			KeyPrefix:     "mail:queue:",
			FailedJobsKey: "failed",
			Worker: WorkerConfig{
				SleepSec:   3,
				MaxTries:   3,
				MemoryMB:   128,
				TimeoutSec: 60,
			},
		},
		RateLimiter: RateLimiterConfig{
			Key:         "global",
			Limit:       100,
			Seconds:     60,
			StoragePath: "/var/lib/relay/ratelimit",
		},
		Logging: logging.DefaultConfig(),
	}
}

// envPaths maps recognised environment variables onto config paths.
var envPaths = map[string]string{
	"MAIL_DRIVER":               "driver",
	"MAIL_HOST":                 "drivers.smtp.host",
	"MAIL_PORT":                 "drivers.smtp.port",
	"MAIL_ENCRYPTION":           "drivers.smtp.encryption",
	"MAIL_USERNAME":             "drivers.smtp.username",
	"MAIL_PASSWORD":             "drivers.smtp.password",
	"MAIL_TIMEOUT":              "drivers.smtp.timeout_sec",
	"MAIL_FROM_ADDRESS":         "drivers.smtp.from.address",
	"MAIL_FROM_NAME":            "drivers.smtp.from.name",
	"MAIL_DKIM_PRIVATE_KEY":     "drivers.smtp.dkim_private_key",
	"MAIL_DKIM_SELECTOR":        "drivers.smtp.dkim_selector",
	"MAIL_DKIM_DOMAIN":          "drivers.smtp.dkim_domain",
	"MAILGUN_API_KEY":           "drivers.mailgun.api_key",
	"MAILGUN_DOMAIN":            "drivers.mailgun.domain",
	"MAILGUN_REGION":            "drivers.mailgun.region",
	"REDIS_HOST":                "queue.connection.host",
	"REDIS_PORT":                "queue.connection.port",
	"REDIS_PASSWORD":            "queue.connection.password",
	"REDIS_DB":                  "queue.connection.db",
	"QUEUE_DEFAULT":             "queue.default_queue",
	"QUEUE_PREFIX":              "queue.key_prefix",
	"QUEUE_SLEEP":               "queue.worker.sleep",
	"QUEUE_MAX_TRIES":           "queue.worker.max_tries",
	"QUEUE_MEMORY":              "queue.worker.memory_mb",
	"QUEUE_TIMEOUT":             "queue.worker.timeout_sec",
	"RATE_LIMITER_KEY":          "rate_limiter.key",
	"RATE_LIMITER_LIMIT":        "rate_limiter.limit",
	"RATE_LIMITER_SECONDS":      "rate_limiter.seconds",
	"RATE_LIMITER_STORAGE_PATH": "rate_limiter.storage_path",
}

// Load reads configuration from a YAML file, then applies environment
// variable overrides. A missing file yields defaults plus environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	// Environment overrides the file. The variable names predate the
	// config layout, so they are mapped explicitly rather than by prefix.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		if p, ok := envPaths[s]; ok {
			return p
		}
		return "" // unrecognised variables are dropped
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Driver {
	case "smtp", "sendmail", "mailgun", "null":
	default:
		return fmt.Errorf("driver must be one of: smtp, sendmail, mailgun, null (got: %s)", c.Driver)
	}

	if err := c.validateDriver(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	return c.validateRateLimiter()
}

// validateDriver validates only the selected driver; unused driver
// sections may be incomplete.
func (c *Config) validateDriver() error {
	switch c.Driver {
	case "smtp":
		s := c.Drivers.SMTP
		if s.Host == "" {
			return fmt.Errorf("drivers.smtp.host is required")
		}
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("drivers.smtp.port must be between 1 and 65535 (got: %d)", s.Port)
		}
		switch s.Encryption {
		case "tls", "ssl", "none":
		default:
			return fmt.Errorf("drivers.smtp.encryption must be one of: tls, ssl, none (got: %s)", s.Encryption)
		}
		if s.TimeoutSec < 1 {
			return fmt.Errorf("drivers.smtp.timeout_sec must be positive")
		}
	case "mailgun":
		m := c.Drivers.Mailgun
		if m.APIKey == "" {
			return fmt.Errorf("drivers.mailgun.api_key is required")
		}
		if m.Domain == "" {
			return fmt.Errorf("drivers.mailgun.domain is required")
		}
		if m.Region != "us" && m.Region != "eu" {
			return fmt.Errorf("drivers.mailgun.region must be us or eu (got: %s)", m.Region)
		}
		if m.TimeoutSec < 1 || m.ConnectTimeoutSec < 1 {
			return fmt.Errorf("drivers.mailgun timeouts must be positive")
		}
		if len(m.Tags) > 3 {
			return fmt.Errorf("drivers.mailgun.tags cannot exceed 3 entries (got: %d)", len(m.Tags))
		}
		if _, err := mail.ParseAddress(m.From.Address); err != nil {
			return fmt.Errorf("drivers.mailgun.from.address is not a valid email: %w", err)
		}
	case "sendmail":
		if c.Drivers.Sendmail.Path == "" {
			return fmt.Errorf("drivers.sendmail.path is required")
		}
	}
	return nil
}

func (c *Config) validateQueue() error {
	q := c.Queue
	if q.Connection.Host == "" {
		return fmt.Errorf("queue.connection.host is required")
	}
	if q.Connection.Port < 1 || q.Connection.Port > 65535 {
		return fmt.Errorf("queue.connection.port must be between 1 and 65535 (got: %d)", q.Connection.Port)
	}
	if q.DefaultQueue == "" {
		return fmt.Errorf("queue.default_queue is required")
	}
	if q.Worker.MaxTries < 1 {
		return fmt.Errorf("queue.worker.max_tries must be at least 1")
	}
	if q.Worker.SleepSec < 1 {
		return fmt.Errorf("queue.worker.sleep must be at least 1 second")
	}
	if q.Worker.MemoryMB < 1 {
		return fmt.Errorf("queue.worker.memory_mb must be positive")
	}
	if q.Worker.TimeoutSec < 1 {
		return fmt.Errorf("queue.worker.timeout_sec must be positive")
	}
	return nil
}

func (c *Config) validateRateLimiter() error {
	r := c.RateLimiter
	if r.Limit < 1 {
		return fmt.Errorf("rate_limiter.limit must be at least 1")
	}
	if r.Seconds < 1 {
		return fmt.Errorf("rate_limiter.seconds must be at least 1")
	}
	if r.StoragePath == "" {
		return fmt.Errorf("rate_limiter.storage_path is required")
	}
	return nil
}

// RedisAddr returns the host:port address of the queue store.
func (q *QueueConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", q.Connection.Host, q.Connection.Port)
}

// Timeout returns the SMTP dial/read timeout as a duration.
func (s *SMTPConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// DriverFrom returns the From identity of the named driver.
func (c *Config) DriverFrom(driver string) FromConfig {
	switch driver {
	case "smtp":
		return c.Drivers.SMTP.From
	case "mailgun":
		return c.Drivers.Mailgun.From
	case "sendmail":
		return c.Drivers.Sendmail.From
	default:
		return c.Drivers.Null.From
	}
}

// DriverDKIM returns the DKIM settings of the named driver.
func (c *Config) DriverDKIM(driver string) DKIMConfig {
	switch driver {
	case "smtp":
		return c.Drivers.SMTP.DKIM
	case "mailgun":
		return c.Drivers.Mailgun.DKIM
	case "sendmail":
		return c.Drivers.Sendmail.DKIM
	default:
		return DKIMConfig{}
	}
}
