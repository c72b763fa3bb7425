// Package config loads server and admin-client settings from the
// environment. A .env file in the working directory is read first.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Server is the configuration of the site API.
type Server struct {
	Port    string `env:"PORT" envDefault:"8080"`
	GinMode string `env:"GIN_MODE" envDefault:"release"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// KVBackend selects the store: sqlite, badger or postgres.
	KVBackend   string `env:"KV_BACKEND" envDefault:"sqlite"`
	KVPath      string `env:"KV_PATH" envDefault:"./data/site.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	APISecret         string        `env:"API_SECRET"`
	SessionSecret     string        `env:"SESSION_SECRET"`
	AdminPassword     string        `env:"ADMIN_PASSWORD"`
	AdminPasswordHash string        `env:"ADMIN_PASSWORD_HASH"`
	SessionTTL        time.Duration `env:"ADMIN_SESSION_TTL" envDefault:"24h"`

	SMTPHost string `env:"SMTP_HOST" envDefault:"smtp.gmail.com"`
	SMTPPort string `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser string `env:"SMTP_USER"`
	SMTPPass string `env:"SMTP_PASS"`
	ToEmail  string `env:"TO_EMAIL"`
	SiteURL  string `env:"SITE_URL" envDefault:"http://localhost:8080"`

	CacheMaxEntries int           `env:"CACHE_MAX_ENTRIES" envDefault:"100"`
	SubscribersTTL  time.Duration `env:"CACHE_SUBSCRIBERS_TTL" envDefault:"120s"`
	NewslettersTTL  time.Duration `env:"CACHE_NEWSLETTERS_TTL" envDefault:"180s"`
	ContactsTTL     time.Duration `env:"CACHE_CONTACTS_TTL" envDefault:"90s"`
	NewsletterLimit int           `env:"DASHBOARD_NEWSLETTER_LIMIT" envDefault:"15"`
	ContactLimit    int           `env:"DASHBOARD_CONTACT_LIMIT" envDefault:"200"`

	FormRatePerMinute int `env:"FORM_RATE_PER_MINUTE" envDefault:"10"`
	SendConcurrency   int `env:"NEWSLETTER_SEND_CONCURRENCY" envDefault:"5"`
}

// Client is the configuration of the terminal admin client.
type Client struct {
	APIURL    string `env:"ADMIN_API_URL" envDefault:"http://localhost:8080"`
	APISecret string `env:"API_SECRET"`
	StatePath string `env:"ADMIN_STATE_PATH" envDefault:"./data/admin-client"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"warn"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	SessionTimeout  time.Duration `env:"ADMIN_SESSION_TIMEOUT" envDefault:"10m"`
	SessionWarning  time.Duration `env:"ADMIN_SESSION_WARNING" envDefault:"2m"`
	RefreshInterval time.Duration `env:"ADMIN_REFRESH_INTERVAL" envDefault:"120s"`
	DebounceQuiet   time.Duration `env:"ADMIN_DEBOUNCE" envDefault:"300ms"`
	CacheTTL        time.Duration `env:"ADMIN_CACHE_TTL" envDefault:"60s"`
}

// LoadServer reads .env (if present) and the environment.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()
	cfg := &Server{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no safe default.
func (c *Server) Validate() error {
	switch c.KVBackend {
	case "sqlite", "badger":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when KV_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown KV_BACKEND %q", c.KVBackend)
	}
	if c.CacheMaxEntries < 0 {
		return errors.New("CACHE_MAX_ENTRIES must not be negative")
	}
	if c.SendConcurrency < 1 {
		c.SendConcurrency = 1
	}
	return nil
}

// MailConfigured reports whether SMTP credentials are present.
func (c *Server) MailConfigured() bool {
	return c.SMTPUser != "" && c.SMTPPass != ""
}

// LoadClient reads .env (if present) and the environment.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()
	cfg := &Client{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.SessionWarning >= cfg.SessionTimeout {
		return nil, errors.New("ADMIN_SESSION_WARNING must be shorter than ADMIN_SESSION_TIMEOUT")
	}
	return cfg, nil
}
