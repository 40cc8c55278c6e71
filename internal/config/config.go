// Package config loads the worker's environment configuration once at cold
// start. A .env file in the working directory is honored for local runs.
//
// Any invalid or contradictory setting makes Load return a
// CONFIGURATION_INVALID error; entry points treat that as fatal so no job is
// ever accepted with a half-valid configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/fpang/comfy-worker/internal/comfy"
	"github.com/fpang/comfy-worker/internal/jobutil"
	"github.com/fpang/comfy-worker/internal/poller"
	"github.com/fpang/comfy-worker/internal/storage"
	"github.com/fpang/comfy-worker/internal/webhook"
)

// maxPresignExpiry is the longest lifetime SigV4 allows for a presigned URL.
const maxPresignExpiry = 7 * 24 * time.Hour

// S3Config selects object-storage mode when Bucket is set.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PresignExpiry   time.Duration
}

// Enabled reports whether images go to object storage.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// StaticCredentials reports whether explicit bucket credentials were given.
func (c S3Config) StaticCredentials() bool { return c.AccessKeyID != "" }

// WebhookConfig configures result delivery. DeadLetterBucket keeps bodies
// too large for a dead letter record.
type WebhookConfig struct {
	URL              string
	Secret           string
	SecretParam      string
	MaxAttempts      int
	Backoff          time.Duration
	BackoffMode      webhook.BackoffMode
	MaxBackoff       time.Duration
	Timeout          time.Duration
	Gzip             bool
	DeadLetterTable  string
	DeadLetterBucket string
}

// Enabled reports whether a webhook URL is configured.
func (c WebhookConfig) Enabled() bool { return c.URL != "" }

// Notifier converts to the notifier's configuration.
func (c WebhookConfig) Notifier() webhook.Config {
	return webhook.Config{
		URL:         c.URL,
		Secret:      c.Secret,
		MaxAttempts: c.MaxAttempts,
		Backoff:     c.Backoff,
		BackoffMode: c.BackoffMode,
		MaxBackoff:  c.MaxBackoff,
		Timeout:     c.Timeout,
		Gzip:        c.Gzip,
	}
}

// Config is the immutable worker configuration.
type Config struct {
	ComfyHost        string
	PollInterval     time.Duration
	PollMaxAttempts  int
	ReadyInterval    time.Duration
	ReadyMaxAttempts int
	HTTPTimeout      time.Duration

	S3      S3Config
	Webhook WebhookConfig

	EventBusName  string
	RefreshWorker bool
}

// DeadLetterBucket returns the bucket for oversized dead letter bodies:
// WEBHOOK_DEADLETTER_BUCKET, else the output bucket, else empty.
func (c *Config) DeadLetterBucket() string {
	if c.Webhook.DeadLetterBucket != "" {
		return c.Webhook.DeadLetterBucket
	}
	return c.S3.Bucket
}

// StorageMode returns the publisher mode implied by the configuration.
func (c *Config) StorageMode() storage.Mode {
	if c.S3.Enabled() {
		return storage.ModeObjectStorage
	}
	return storage.ModeInline
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, jobutil.E(jobutil.ConfigurationInvalid, "load .env", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds and validates a Config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		ComfyHost:        p.str("COMFY_HOST", comfy.DefaultHost),
		PollInterval:     p.millis("COMFY_POLLING_INTERVAL_MS", poller.DefaultInterval, 1),
		PollMaxAttempts:  p.integer("COMFY_POLLING_MAX_RETRIES", poller.DefaultMaxAttempts, 1),
		ReadyInterval:    p.millis("COMFY_API_AVAILABLE_INTERVAL_MS", poller.DefaultReadyInterval, 1),
		ReadyMaxAttempts: p.integer("COMFY_API_AVAILABLE_MAX_RETRIES", poller.DefaultReadyMaxAttempts, 1),
		HTTPTimeout:      p.millis("COMFY_HTTP_TIMEOUT_MS", 30*time.Second, 1),

		S3: S3Config{
			Bucket:          p.str("S3_BUCKET_NAME", ""),
			Region:          p.str("S3_REGION", ""),
			Endpoint:        p.str("BUCKET_ENDPOINT_URL", ""),
			AccessKeyID:     p.str("BUCKET_ACCESS_KEY_ID", ""),
			SecretAccessKey: p.str("BUCKET_SECRET_ACCESS_KEY", ""),
			PresignExpiry:   p.duration("S3_PRESIGN_EXPIRY", storage.DefaultPresignExpiry),
		},

		Webhook: WebhookConfig{
			URL:              p.str("RESULT_IMAGE_WEBHOOK_URL", ""),
			Secret:           p.str("RESULT_IMAGE_WEBHOOK_SECRET", ""),
			SecretParam:      p.str("SSM_WEBHOOK_SECRET_PARAM", ""),
			MaxAttempts:      p.integer("WEBHOOK_MAX_ATTEMPTS", webhook.DefaultMaxAttempts, 1),
			Backoff:          p.millis("WEBHOOK_BACKOFF_MS", webhook.DefaultBackoff, 1),
			BackoffMode:      webhook.BackoffMode(strings.ToLower(p.str("WEBHOOK_BACKOFF_MODE", string(webhook.BackoffExponential)))),
			MaxBackoff:       p.millis("WEBHOOK_MAX_BACKOFF_MS", webhook.DefaultMaxBackoff, 1),
			Timeout:          p.millis("WEBHOOK_TIMEOUT_MS", webhook.DefaultTimeout, 1),
			Gzip:             p.boolean("WEBHOOK_GZIP", false),
			DeadLetterTable:  p.str("WEBHOOK_DEADLETTER_TABLE", ""),
			DeadLetterBucket: p.str("WEBHOOK_DEADLETTER_BUCKET", ""),
		},

		EventBusName:  p.str("EVENT_BUS_NAME", ""),
		RefreshWorker: p.boolean("REFRESH_WORKER", false),
	}

	p.errs = append(p.errs, cfg.validate()...)
	if len(p.errs) > 0 {
		return nil, jobutil.E(jobutil.ConfigurationInvalid, "load config", errors.Join(p.errs...))
	}
	cfg.warn()
	return cfg, nil
}

// validate checks cross-field rules.
func (c *Config) validate() []error {
	var errs []error

	s3 := c.S3
	if s3.Enabled() {
		if s3.Region == "" {
			errs = append(errs, errors.New("S3_REGION is required when S3_BUCKET_NAME is set"))
		}
		if (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
			errs = append(errs, errors.New("BUCKET_ACCESS_KEY_ID and BUCKET_SECRET_ACCESS_KEY must be set together"))
		}
		if s3.Endpoint != "" {
			if err := checkHTTPURL(s3.Endpoint); err != nil {
				errs = append(errs, fmt.Errorf("BUCKET_ENDPOINT_URL: %w", err))
			}
		}
	} else if s3.Region != "" || s3.Endpoint != "" || s3.AccessKeyID != "" || s3.SecretAccessKey != "" {
		errs = append(errs, errors.New("bucket settings given without S3_BUCKET_NAME"))
	}
	if s3.PresignExpiry > maxPresignExpiry {
		errs = append(errs, fmt.Errorf("S3_PRESIGN_EXPIRY %s exceeds the 7 day maximum", s3.PresignExpiry))
	}

	wh := c.Webhook
	if wh.Enabled() {
		if err := checkHTTPURL(wh.URL); err != nil {
			errs = append(errs, fmt.Errorf("RESULT_IMAGE_WEBHOOK_URL: %w", err))
		}
		if wh.Secret == "" && wh.SecretParam == "" {
			errs = append(errs, errors.New("RESULT_IMAGE_WEBHOOK_SECRET or SSM_WEBHOOK_SECRET_PARAM is required when RESULT_IMAGE_WEBHOOK_URL is set"))
		}
	}
	if wh.BackoffMode != webhook.BackoffExponential && wh.BackoffMode != webhook.BackoffFixed {
		errs = append(errs, fmt.Errorf("WEBHOOK_BACKOFF_MODE %q: want fixed or exponential", wh.BackoffMode))
	}
	return errs
}

// warn logs settings that are accepted but have no effect.
func (c *Config) warn() {
	if !c.Webhook.Enabled() {
		if c.Webhook.Secret != "" || c.Webhook.SecretParam != "" {
			log.Warn().Msg("Webhook secret set without RESULT_IMAGE_WEBHOOK_URL; webhook disabled")
		}
		if c.Webhook.DeadLetterTable != "" {
			log.Warn().Str("table", c.Webhook.DeadLetterTable).Msg("Dead letter table set without a webhook; ignored")
		}
	}
	if c.Webhook.DeadLetterBucket != "" && c.Webhook.DeadLetterTable == "" {
		log.Warn().Str("bucket", c.Webhook.DeadLetterBucket).Msg("Dead letter bucket set without WEBHOOK_DEADLETTER_TABLE; ignored")
	}
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
	return nil
}

// parser reads typed values and accumulates every error instead of stopping
// at the first.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def, min int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	if n < min {
		p.errs = append(p.errs, fmt.Errorf("%s: %d is below the minimum %d", key, n, min))
		return def
	}
	return n
}

func (p *parser) millis(key string, def time.Duration, min int) time.Duration {
	if strings.TrimSpace(p.getenv(key)) == "" {
		return def
	}
	return time.Duration(p.integer(key, int(def/time.Millisecond), min)) * time.Millisecond
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a positive duration", key, v))
		return def
	}
	return d
}

func (p *parser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}
