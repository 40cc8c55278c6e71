package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/fpang/comfy-worker/internal/jobutil"
	"github.com/fpang/comfy-worker/internal/storage"
)

// BackoffMode selects how the delay between delivery attempts grows.
type BackoffMode string

const (
	BackoffExponential BackoffMode = "exponential"
	BackoffFixed       BackoffMode = "fixed"
)

// Defaults used when a Config field is zero.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
	DefaultMaxBackoff  = 10 * time.Second
	DefaultTimeout     = 30 * time.Second
)

// Config configures result delivery. An empty URL disables the notifier.
type Config struct {
	URL         string
	Secret      string
	MaxAttempts int
	Backoff     time.Duration
	BackoffMode BackoffMode
	MaxBackoff  time.Duration
	Timeout     time.Duration
	Gzip        bool
}

// DeliveryStatus is the final state of one notification.
type DeliveryStatus string

const (
	StatusSkipped   DeliveryStatus = "skipped"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Delivery records the outcome of one notification. BodyKey locates a body
// too large for a dead letter record; BodyTruncated marks a record whose body
// could not be kept and so cannot be replayed.
type Delivery struct {
	ID            string         `json:"id" dynamodbav:"id"`
	JobID         string         `json:"jobId" dynamodbav:"jobId"`
	URL           string         `json:"url" dynamodbav:"url"`
	Body          []byte         `json:"body" dynamodbav:"body,omitempty"`
	BodyKey       string         `json:"bodyKey,omitempty" dynamodbav:"bodyKey,omitempty"`
	BodyTruncated bool           `json:"bodyTruncated,omitempty" dynamodbav:"bodyTruncated,omitempty"`
	Gzipped       bool           `json:"gzipped" dynamodbav:"gzipped"`
	Status        DeliveryStatus `json:"status" dynamodbav:"status"`
	Attempts      int            `json:"attempts" dynamodbav:"attempts"`
	StatusCode    int            `json:"statusCode,omitempty" dynamodbav:"statusCode,omitempty"`
	LastError     string         `json:"lastError,omitempty" dynamodbav:"lastError,omitempty"`
	CreatedAt     time.Time      `json:"createdAt" dynamodbav:"createdAt"`
	DeliveredAt   *time.Time     `json:"deliveredAt,omitempty" dynamodbav:"deliveredAt,omitempty"`
}

// DeadLetter stores deliveries that exhausted their attempts.
type DeadLetter interface {
	RecordDelivery(ctx context.Context, d Delivery) error
}

// Notifier delivers signed result payloads with bounded retries.
// Delivery failures never change the job outcome.
type Notifier struct {
	cfg        Config
	client     *http.Client
	deadLetter DeadLetter
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewNotifier creates a notifier. deadLetter may be nil.
func NewNotifier(cfg Config, deadLetter DeadLetter) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BackoffMode != BackoffFixed {
		cfg.BackoffMode = BackoffExponential
	}
	return &Notifier{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		deadLetter: deadLetter,
		sleep:      sleepCtx,
	}
}

// SetClient replaces the HTTP client (used by tests).
func (n *Notifier) SetClient(client *http.Client) {
	n.client = client
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.cfg.URL != ""
}

// Notify marshals p once and POSTs the same bytes on every attempt.
func (n *Notifier) Notify(ctx context.Context, p Payload) Delivery {
	d := Delivery{
		ID:        uuid.NewString(),
		JobID:     p.JobID,
		CreatedAt: time.Now().UTC(),
		Status:    StatusSkipped,
	}
	if !n.Enabled() {
		return d
	}
	d.URL = n.cfg.URL

	body, err := n.encode(p)
	if err != nil {
		d.Status = StatusFailed
		d.LastError = jobutil.E(jobutil.WebhookDeliveryFailed, "encode payload", err).Error()
		return d
	}
	d.Body = body
	d.Gzipped = n.cfg.Gzip

	if n.deliver(ctx, &d) {
		return d
	}
	log.Error().
		Str("job", p.JobID).
		Int("attempts", d.Attempts).
		Str("error", d.LastError).
		Msg("Webhook delivery failed")

	if n.deadLetter != nil {
		// The invocation context may already be past its deadline.
		dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := n.deadLetter.RecordDelivery(dlCtx, d); err != nil {
			log.Error().Err(err).Str("delivery", d.ID).Msg("Failed to record webhook dead letter")
		}
	}
	return d
}

// Replay re-sends a previously failed delivery with its stored body. The
// returned copy reflects the new attempts; the dead letter store is not
// written.
func (n *Notifier) Replay(ctx context.Context, d Delivery) Delivery {
	if n.cfg.URL != "" {
		d.URL = n.cfg.URL
	}
	d.Attempts = 0
	d.StatusCode = 0
	d.LastError = ""
	d.DeliveredAt = nil
	if d.BodyTruncated {
		d.Status = StatusFailed
		d.LastError = jobutil.Errorf(jobutil.WebhookDeliveryFailed, "replay", "delivery %s body was not retained", d.ID).Error()
		return d
	}
	if len(d.Body) == 0 || d.URL == "" {
		d.Status = StatusFailed
		d.LastError = jobutil.Errorf(jobutil.WebhookDeliveryFailed, "replay", "delivery %s has no body or url", d.ID).Error()
		return d
	}
	n.deliver(ctx, &d)
	return d
}

// deliver POSTs d.Body up to MaxAttempts times and reports success.
func (n *Notifier) deliver(ctx context.Context, d *Delivery) bool {
	signature := Sign(n.cfg.Secret, d.Body)

	var lastErr error
	for attempt := 0; attempt < n.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := n.sleep(ctx, n.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
		d.Attempts = attempt + 1

		code, err := n.post(ctx, d.URL, d.Body, signature, d.Gzipped)
		d.StatusCode = code
		if err == nil {
			t := time.Now().UTC()
			d.Status = StatusDelivered
			d.DeliveredAt = &t
			log.Info().
				Str("job", d.JobID).
				Int("attempts", d.Attempts).
				Int("statusCode", code).
				Msg("Webhook delivered")
			return true
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("job", d.JobID).
			Int("attempt", d.Attempts).
			Int("maxAttempts", n.cfg.MaxAttempts).
			Msg("Webhook attempt failed")
	}

	d.Status = StatusFailed
	d.LastError = jobutil.E(jobutil.WebhookDeliveryFailed, "deliver webhook", lastErr).Error()
	return false
}

func (n *Notifier) encode(p Payload) ([]byte, error) {
	if p.Images == nil {
		p.Images = []storage.Published{}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if !n.cfg.Gzip {
		return body, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	return buf.Bytes(), nil
}

func (n *Notifier) post(ctx context.Context, url string, body []byte, signature string, gzipped bool) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// backoff returns the delay before the given zero-based attempt (> 0),
// capped at MaxBackoff in both modes.
func (n *Notifier) backoff(attempt int) time.Duration {
	d := n.cfg.Backoff
	if n.cfg.BackoffMode == BackoffExponential {
		for i := 1; i < attempt && d < n.cfg.MaxBackoff; i++ {
			d *= 2
		}
	}
	return min(d, n.cfg.MaxBackoff)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
