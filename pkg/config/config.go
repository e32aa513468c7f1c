// Package config loads server configuration from an optional YAML file and
// 12-factor environment variables. Environment values win over the file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/countersign/countersign/pkg/artifacts"
	"github.com/countersign/countersign/pkg/capability"
	"github.com/countersign/countersign/pkg/notify"
	"github.com/countersign/countersign/pkg/observability"
	"github.com/countersign/countersign/pkg/ratelimit"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	// DatabaseURL selects Postgres. Empty means SQLite under DataDir.
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	AppSecret         string        `yaml:"app_secret"`
	AppSecretPrevious []string      `yaml:"app_secret_previous"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	PublicBaseURL     string        `yaml:"public_base_url"`
	AdminAPIKey       string        `yaml:"admin_api_key"`

	StoreTimeout  time.Duration `yaml:"store_timeout"`
	SourceTimeout time.Duration `yaml:"source_timeout"`
	RetireDraft   bool          `yaml:"retire_draft"`

	RateLimit   RateLimit            `yaml:"rate_limit"`
	Mail        Mail                 `yaml:"mail"`
	RendererURL string               `yaml:"renderer_url"`
	Artifacts   artifacts.Config     `yaml:"artifacts"`
	Telemetry   observability.Config `yaml:"telemetry"`

	// EphemeralSecret is set when no secret was configured outside
	// production and a random one was generated. Links die with the process.
	EphemeralSecret bool `yaml:"-"`
}

// RateLimit throttles the signing endpoints. RPS 0 disables it.
type RateLimit struct {
	RPS   float64               `yaml:"rps"`
	Burst int                   `yaml:"burst"`
	Redis ratelimit.RedisConfig `yaml:"redis"`
}

// Mail selects outbound transports. SMTP is primary, the HTTP API secondary.
type Mail struct {
	SMTP   notify.SMTPConfig `yaml:"smtp"`
	APIURL string            `yaml:"api_url"`
	APIKey string            `yaml:"api_key"`
	From   string            `yaml:"from"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Port:          "8080",
		Environment:   "development",
		LogLevel:      "INFO",
		LogFormat:     "json",
		DataDir:       "data",
		TokenTTL:      capability.DefaultTTL,
		PublicBaseURL: "http://localhost:8080",
		StoreTimeout:  10 * time.Second,
		SourceTimeout: 30 * time.Second,
		RetireDraft:   true,
		RateLimit:     RateLimit{RPS: 5, Burst: 20},
		Telemetry:     *observability.DefaultConfig(),
	}
}

// Production reports whether the server runs in production.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE, then environment variables. The result is validated.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.Artifacts.DataDir == "" {
		cfg.Artifacts.DataDir = cfg.DataDir
	}
	if cfg.AppSecret == "" && !cfg.Production() {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.AppSecret = secret
		cfg.EphemeralSecret = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// env applies set environment variables over c, collecting parse errors.
type env struct{ errs []error }

func (e *env) str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (e *env) list(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *env) duration(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (e *env) boolean(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *env) integer(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *env) float(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func (c *Config) loadEnv() error {
	var e env
	e.str(&c.Port, "PORT")
	e.str(&c.Environment, "ENVIRONMENT")
	e.str(&c.LogLevel, "LOG_LEVEL")
	e.str(&c.LogFormat, "LOG_FORMAT")
	e.str(&c.DatabaseURL, "DATABASE_URL")
	e.str(&c.DataDir, "DATA_DIR")

	e.str(&c.AppSecret, "APP_SECRET")
	e.list(&c.AppSecretPrevious, "APP_SECRET_PREVIOUS")
	e.duration(&c.TokenTTL, "TOKEN_TTL")
	e.str(&c.PublicBaseURL, "PUBLIC_BASE_URL")
	e.str(&c.AdminAPIKey, "ADMIN_API_KEY")

	e.duration(&c.StoreTimeout, "STORE_TIMEOUT")
	e.duration(&c.SourceTimeout, "SOURCE_TIMEOUT")
	e.boolean(&c.RetireDraft, "RETIRE_DRAFT")

	e.float(&c.RateLimit.RPS, "RATE_LIMIT_RPS")
	e.integer(&c.RateLimit.Burst, "RATE_LIMIT_BURST")
	e.str(&c.RateLimit.Redis.Addr, "REDIS_ADDR")
	e.str(&c.RateLimit.Redis.Password, "REDIS_PASSWORD")
	e.integer(&c.RateLimit.Redis.DB, "REDIS_DB")

	e.str(&c.Mail.SMTP.Host, "SMTP_HOST")
	e.str(&c.Mail.SMTP.Port, "SMTP_PORT")
	e.str(&c.Mail.SMTP.User, "SMTP_USER")
	e.str(&c.Mail.SMTP.Password, "SMTP_PASSWORD")
	e.boolean(&c.Mail.SMTP.TLS, "SMTP_TLS")
	e.str(&c.Mail.APIURL, "MAIL_API_URL")
	e.str(&c.Mail.APIKey, "MAIL_API_KEY")
	e.str(&c.Mail.From, "MAIL_FROM")
	if c.Mail.SMTP.From == "" {
		c.Mail.SMTP.From = c.Mail.From
	}

	e.str(&c.RendererURL, "RENDERER_URL")

	e.boolean(&c.Telemetry.Enabled, "OTEL_ENABLED")
	e.str(&c.Telemetry.OTLPEndpoint, "OTEL_ENDPOINT")
	e.boolean(&c.Telemetry.Insecure, "OTEL_INSECURE")
	c.Telemetry.Environment = c.Environment

	mergeArtifacts(&c.Artifacts, artifacts.ConfigFromEnv())
	return errors.Join(e.errs...)
}

// mergeArtifacts copies the set fields of src over dst.
func mergeArtifacts(dst *artifacts.Config, src artifacts.Config) {
	set := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	if src.Type != "" {
		dst.Type = src.Type
	}
	set(&dst.DataDir, src.DataDir)
	set(&dst.S3.Bucket, src.S3.Bucket)
	set(&dst.S3.Region, src.S3.Region)
	set(&dst.S3.Endpoint, src.S3.Endpoint)
	set(&dst.S3.Prefix, src.S3.Prefix)
	set(&dst.GCS.Bucket, src.GCS.Bucket)
	set(&dst.GCS.Prefix, src.GCS.Prefix)
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	var errs []error

	if n, err := strconv.Atoi(c.Port); err != nil || n < 1 || n > 65535 {
		errs = append(errs, fmt.Errorf("PORT %q is not a valid port", c.Port))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}

	switch {
	case c.AppSecret == "":
		errs = append(errs, errors.New("APP_SECRET is required in production"))
	case len(c.AppSecret) < capability.MinSecretLength:
		errs = append(errs, fmt.Errorf("APP_SECRET must be at least %d bytes", capability.MinSecretLength))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.StoreTimeout <= 0 || c.SourceTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT and SOURCE_TIMEOUT must be positive"))
	}

	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL %q is not an absolute URL", c.PublicBaseURL))
	} else if c.Production() && u.Scheme != "https" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL must use https in production"))
	}
	if c.Production() && c.AdminAPIKey == "" {
		errs = append(errs, errors.New("ADMIN_API_KEY is required in production"))
	}

	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must not be negative"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_BURST must be at least 1"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy safe to log.
func (c *Config) Redacted() Config {
	r := *c
	redact := func(s *string) {
		if *s != "" {
			*s = redactedValue
		}
	}
	redact(&r.AppSecret)
	redact(&r.AdminAPIKey)
	redact(&r.RateLimit.Redis.Password)
	redact(&r.Mail.SMTP.Password)
	redact(&r.Mail.APIKey)
	if len(r.AppSecretPrevious) > 0 {
		r.AppSecretPrevious = []string{redactedValue}
	}
	if u, err := url.Parse(r.DatabaseURL); err == nil && r.DatabaseURL != "" {
		r.DatabaseURL = u.Redacted()
	}
	return r
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
