// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

var configFile = altsrc.StringSourcer("config.toml")

// Mail drivers.
const (
	MailDriverLog  = "log"
	MailDriverSMTP = "smtp"
	MailDriverSES  = "ses"
)

// Rate limiter backends.
const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
	RateLimitSQL    = "sql"
)

type Config struct { //nolint:govet // fieldalignment not critical for config structs
	Server     ServerConfig
	Log        LogConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	RateLimit  RateLimitConfig
	Mail       MailConfig
	SMTP       SMTPConfig
	SES        SESConfig
	CRM        CRMConfig
	Newsletter NewsletterConfig
}

type ServerConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Host            string
	Port            int
	BaseURL         string
	MaxBodySize     int // in KB
	TrustProxy      bool
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

type DatabaseConfig struct {
	DSN string
}

type RedisConfig struct {
	URL string
}

// PolicyConfig mirrors one named rate limit policy.
type PolicyConfig struct {
	Limit  int
	Window time.Duration
}

type RateLimitConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Backend           string // memory, redis, sql
	FingerprintSecret string
	Policies          map[string]PolicyConfig
}

type MailConfig struct {
	Driver   string // log, smtp, ses
	From     string
	FromName string
}

type SMTPConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
}

type SESConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string // optional, for local emulators
}

type CRMConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Enabled           bool
	BaseURL           string
	APIKey            string
	FormID            string
	RequestsPerSecond float64
	MaxRetries        int
	Timeout           time.Duration
}

type NewsletterConfig struct { //nolint:govet // fieldalignment not critical for config structs
	SiteURL              string
	PrivacyPolicyVersion string
	ConsentText          string
	SweepInterval        time.Duration
}

// policyDefaults lists the configurable rate limit policies and their defaults.
var policyDefaults = []struct {
	Name   string
	Limit  int
	Window time.Duration
}{
	{"consent", 10, 15 * time.Minute},
	{"consent-read", 30, time.Minute},
	{"export", 5, time.Minute},
	{"delete", 3, time.Minute},
	{"contact", 5, 15 * time.Minute},
}

func NewFromCLI(cmd *cli.Command) *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:            cmd.String("host"),
			Port:            int(cmd.Int("port")),
			BaseURL:         cmd.String("base-url"),
			MaxBodySize:     int(cmd.Int("max-body-size")),
			TrustProxy:      cmd.Bool("trust-proxy"),
			ShutdownTimeout: cmd.Duration("shutdown-timeout"),
		},
		Log: LogConfig{
			Level:  cmd.String("log-level"),
			Format: cmd.String("log-format"),
		},
		Database: DatabaseConfig{
			DSN: cmd.String("database-dsn"),
		},
		Redis: RedisConfig{
			URL: cmd.String("redis-url"),
		},
		RateLimit: RateLimitConfig{
			Backend:           cmd.String("ratelimit-backend"),
			FingerprintSecret: cmd.String("fingerprint-secret"),
			Policies:          make(map[string]PolicyConfig, len(policyDefaults)),
		},
		Mail: MailConfig{
			Driver:   cmd.String("mail-driver"),
			From:     cmd.String("mail-from"),
			FromName: cmd.String("mail-from-name"),
		},
		SMTP: SMTPConfig{
			Host:     cmd.String("smtp-host"),
			Port:     int(cmd.Int("smtp-port")),
			Username: cmd.String("smtp-username"),
			Password: cmd.String("smtp-password"),
			TLS:      cmd.Bool("smtp-tls"),
		},
		SES: SESConfig{
			Region:    cmd.String("ses-region"),
			AccessKey: cmd.String("ses-access-key"),
			SecretKey: cmd.String("ses-secret-key"),
			Endpoint:  cmd.String("ses-endpoint"),
		},
		CRM: CRMConfig{
			Enabled:           cmd.Bool("crm-enabled"),
			BaseURL:           cmd.String("crm-base-url"),
			APIKey:            cmd.String("crm-api-key"),
			FormID:            cmd.String("crm-form-id"),
			RequestsPerSecond: cmd.Float("crm-rps"),
			MaxRetries:        int(cmd.Int("crm-max-retries")),
			Timeout:           cmd.Duration("crm-timeout"),
		},
		Newsletter: NewsletterConfig{
			SiteURL:              cmd.String("site-url"),
			PrivacyPolicyVersion: cmd.String("privacy-policy-version"),
			ConsentText:          cmd.String("consent-text"),
			SweepInterval:        cmd.Duration("sweep-interval"),
		},
	}

	for _, p := range policyDefaults {
		cfg.RateLimit.Policies[p.Name] = PolicyConfig{
			Limit:  int(cmd.Int(policyFlag(p.Name, "limit"))),
			Window: cmd.Duration(policyFlag(p.Name, "window")),
		}
	}

	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = buildBaseURL(cfg)
	}
	if cfg.Newsletter.SiteURL == "" {
		cfg.Newsletter.SiteURL = cfg.Server.BaseURL
	}
	cfg.Newsletter.SiteURL = strings.TrimSuffix(cfg.Newsletter.SiteURL, "/")

	return cfg
}

func buildBaseURL(cfg *Config) string {
	host := cfg.Server.Host
	port := cfg.Server.Port

	// Hide default ports in URL
	if port == 80 {
		return fmt.Sprintf("http://%s", host)
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// IsLocalhost checks if the host is a localhost address.
func IsLocalhost(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	// Check for *.localhost subdomains (e.g., app.localhost)
	return strings.HasSuffix(host, ".localhost")
}

// Validate checks the configuration for values that would only fail later
// at request time. It returns all problems joined together.
func (c *Config) Validate() error {
	var errs []error

	if c.Newsletter.SiteURL == "" {
		errs = append(errs, errors.New("site URL is required"))
	} else if u, err := url.Parse(c.Newsletter.SiteURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("site URL %q must be an absolute URL", c.Newsletter.SiteURL))
	}

	switch c.Mail.Driver {
	case MailDriverLog:
	case MailDriverSMTP:
		if c.SMTP.Host == "" {
			errs = append(errs, errors.New("SMTP host is required"))
		}
	case MailDriverSES:
		if c.SES.Region == "" {
			errs = append(errs, errors.New("SES region is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mail driver %q", c.Mail.Driver))
	}
	if c.Mail.Driver != MailDriverLog && c.Mail.From == "" {
		errs = append(errs, errors.New("mail from address is required"))
	}

	switch c.RateLimit.Backend {
	case RateLimitMemory, RateLimitSQL:
	case RateLimitRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis URL is required for the redis rate limit backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend))
	}

	for name, p := range c.RateLimit.Policies {
		if p.Limit < 1 {
			errs = append(errs, fmt.Errorf("rate limit policy %q: limit must be at least 1", name))
		}
		if p.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate limit policy %q: window must be positive", name))
		}
	}

	if c.CRM.Enabled {
		if c.CRM.APIKey == "" {
			errs = append(errs, errors.New("CRM API key is required when CRM sync is enabled"))
		}
		if c.CRM.FormID == "" {
			errs = append(errs, errors.New("CRM form ID is required when CRM sync is enabled"))
		}
	}

	if c.Newsletter.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep interval must not be negative"))
	}

	return errors.Join(errs...)
}

func policyFlag(policy, field string) string {
	return "ratelimit-" + policy + "-" + field
}

func policyEnv(policy, field string) string {
	return "RATELIMIT_" + strings.ToUpper(strings.ReplaceAll(policy, "-", "_")) + "_" + strings.ToUpper(field)
}

func policyKey(policy, field string) string {
	return "ratelimit." + strings.ReplaceAll(policy, "-", "_") + "." + field
}

func sources(env, key string) cli.ValueSourceChain {
	return cli.NewValueSourceChain(cli.EnvVar(env), toml.TOML(key, configFile))
}

// Flags returns every configuration flag with its env var and config.toml source.
func Flags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Value:   "localhost",
			Usage:   "Host to bind to",
			Sources: sources("HOST", "server.host"),
		},
		&cli.IntFlag{
			Name:    "port",
			Value:   8080,
			Usage:   "Port to listen on",
			Sources: sources("PORT", "server.port"),
		},
		&cli.StringFlag{
			Name:    "base-url",
			Usage:   "Base URL for the application",
			Sources: sources("BASE_URL", "server.base_url"),
		},
		&cli.IntFlag{
			Name:    "max-body-size",
			Value:   64,
			Usage:   "Maximum request body size in KB",
			Sources: sources("MAX_BODY_SIZE", "server.max_body_size"),
		},
		&cli.BoolFlag{
			Name:    "trust-proxy",
			Usage:   "Read client IPs from proxy headers (X-Forwarded-For, CF-Connecting-IP, ...)",
			Sources: sources("TRUST_PROXY", "server.trust_proxy"),
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Value:   10 * time.Second,
			Usage:   "Grace period for in-flight requests on shutdown",
			Sources: sources("SHUTDOWN_TIMEOUT", "server.shutdown_timeout"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: sources("LOG_LEVEL", "log.level"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "text",
			Usage:   "Log format (text, json)",
			Sources: sources("LOG_FORMAT", "log.format"),
		},
		&cli.StringFlag{
			Name:    "database-dsn",
			Value:   "./data/optin.db",
			Usage:   "Database DSN (SQLite path or postgres:// URL)",
			Sources: sources("DATABASE_DSN", "database.dsn"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the redis rate limit backend",
			Sources: sources("REDIS_URL", "redis.url"),
		},
		&cli.StringFlag{
			Name:    "ratelimit-backend",
			Value:   RateLimitSQL,
			Usage:   "Rate limit backend (memory, redis, sql)",
			Sources: sources("RATELIMIT_BACKEND", "ratelimit.backend"),
		},
		&cli.StringFlag{
			Name:    "fingerprint-secret",
			Usage:   "Secret key for client fingerprint hashing",
			Sources: sources("FINGERPRINT_SECRET", "ratelimit.fingerprint_secret"),
		},
		&cli.StringFlag{
			Name:    "mail-driver",
			Value:   MailDriverLog,
			Usage:   "Mail driver (log, smtp, ses)",
			Sources: sources("MAIL_DRIVER", "mail.driver"),
		},
		&cli.StringFlag{
			Name:    "mail-from",
			Usage:   "Sender address",
			Sources: sources("MAIL_FROM", "mail.from"),
		},
		&cli.StringFlag{
			Name:    "mail-from-name",
			Usage:   "Sender display name",
			Sources: sources("MAIL_FROM_NAME", "mail.from_name"),
		},
		&cli.StringFlag{
			Name:    "smtp-host",
			Usage:   "SMTP server host",
			Sources: sources("SMTP_HOST", "smtp.host"),
		},
		&cli.IntFlag{
			Name:    "smtp-port",
			Value:   587,
			Usage:   "SMTP server port",
			Sources: sources("SMTP_PORT", "smtp.port"),
		},
		&cli.StringFlag{
			Name:    "smtp-username",
			Usage:   "SMTP username",
			Sources: sources("SMTP_USERNAME", "smtp.username"),
		},
		&cli.StringFlag{
			Name:    "smtp-password",
			Usage:   "SMTP password",
			Sources: sources("SMTP_PASSWORD", "smtp.password"),
		},
		&cli.BoolFlag{
			Name:    "smtp-tls",
			Value:   true,
			Usage:   "Require TLS for SMTP (implicit TLS on port 465, STARTTLS otherwise)",
			Sources: sources("SMTP_TLS", "smtp.tls"),
		},
		&cli.StringFlag{
			Name:    "ses-region",
			Usage:   "AWS region for SES",
			Sources: sources("SES_REGION", "ses.region"),
		},
		&cli.StringFlag{
			Name:    "ses-access-key",
			Usage:   "AWS access key for SES (default credential chain if empty)",
			Sources: sources("SES_ACCESS_KEY", "ses.access_key"),
		},
		&cli.StringFlag{
			Name:    "ses-secret-key",
			Usage:   "AWS secret key for SES",
			Sources: sources("SES_SECRET_KEY", "ses.secret_key"),
		},
		&cli.StringFlag{
			Name:    "ses-endpoint",
			Usage:   "Custom SES endpoint URL",
			Sources: sources("SES_ENDPOINT", "ses.endpoint"),
		},
		&cli.BoolFlag{
			Name:    "crm-enabled",
			Usage:   "Add confirmed subscribers to the CRM mailing list",
			Sources: sources("CRM_ENABLED", "crm.enabled"),
		},
		&cli.StringFlag{
			Name:    "crm-base-url",
			Value:   "https://api.convertkit.com/v3",
			Usage:   "CRM API base URL",
			Sources: sources("CRM_BASE_URL", "crm.base_url"),
		},
		&cli.StringFlag{
			Name:    "crm-api-key",
			Usage:   "CRM API key",
			Sources: sources("CRM_API_KEY", "crm.api_key"),
		},
		&cli.StringFlag{
			Name:    "crm-form-id",
			Usage:   "CRM form subscribers are added to",
			Sources: sources("CRM_FORM_ID", "crm.form_id"),
		},
		&cli.FloatFlag{
			Name:    "crm-rps",
			Value:   2,
			Usage:   "Maximum CRM requests per second",
			Sources: sources("CRM_RPS", "crm.rps"),
		},
		&cli.IntFlag{
			Name:    "crm-max-retries",
			Value:   3,
			Usage:   "Retries for CRM requests failing with 429 or 5xx",
			Sources: sources("CRM_MAX_RETRIES", "crm.max_retries"),
		},
		&cli.DurationFlag{
			Name:    "crm-timeout",
			Value:   10 * time.Second,
			Usage:   "Timeout per CRM request",
			Sources: sources("CRM_TIMEOUT", "crm.timeout"),
		},
		&cli.StringFlag{
			Name:    "site-url",
			Usage:   "Public site URL used in confirmation links (defaults to base URL)",
			Sources: sources("SITE_URL", "newsletter.site_url"),
		},
		&cli.StringFlag{
			Name:    "privacy-policy-version",
			Value:   "2025-10-20",
			Usage:   "Privacy policy version recorded with each consent",
			Sources: sources("PRIVACY_POLICY_VERSION", "newsletter.privacy_policy_version"),
		},
		&cli.StringFlag{
			Name:    "consent-text",
			Usage:   "Consent wording shown on the subscription form",
			Sources: sources("CONSENT_TEXT", "newsletter.consent_text"),
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Value:   time.Hour,
			Usage:   "Interval for removing expired tokens and rate limit windows (0 disables)",
			Sources: sources("SWEEP_INTERVAL", "newsletter.sweep_interval"),
		},
	}

	for _, p := range policyDefaults {
		flags = append(flags,
			&cli.IntFlag{
				Name:    policyFlag(p.Name, "limit"),
				Value:   p.Limit,
				Usage:   fmt.Sprintf("Requests allowed per window for the %s policy", p.Name),
				Sources: sources(policyEnv(p.Name, "limit"), policyKey(p.Name, "limit")),
			},
			&cli.DurationFlag{
				Name:    policyFlag(p.Name, "window"),
				Value:   p.Window,
				Usage:   fmt.Sprintf("Window length for the %s policy", p.Name),
				Sources: sources(policyEnv(p.Name, "window"), policyKey(p.Name, "window")),
			},
		)
	}

	return flags
}
