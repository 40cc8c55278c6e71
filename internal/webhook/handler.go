// Package webhook delivers job results to an external HTTP endpoint and
// provides the matching receiver.
//
// Sending (Notifier):
//
//	The payload is marshaled once, optionally gzipped, and signed with
//	HMAC-SHA256 over the exact bytes sent. The hex digest travels in the
//	X-Webhook-Signature header. Attempts are bounded and retried with fixed
//	or exponential backoff. Exhausted deliveries can be written to a dead
//	letter store.
//
// Receiving (Handler):
//
//	The handler verifies the signature over the raw body, inflates gzip
//	bodies, decodes the payload and logs it.
package webhook

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// maxBodySize bounds the request body. Inline results carry base64 image
// data, so this is sized to the Lambda request payload limit.
const maxBodySize = 6 << 20 // 6 MB

// maxInflatedSize bounds a gzip body after decompression.
const maxInflatedSize = 32 << 20

// Handler receives signed result webhooks.
type Handler struct {
	secret    string
	onReceive func(Payload)
}

// NewHandler creates a receiver. secret must match the sender's
// RESULT_IMAGE_WEBHOOK_SECRET. onReceive, if non-nil, is called with every
// verified payload.
func NewHandler(secret string, onReceive func(Payload)) *Handler {
	return &Handler{secret: secret, onReceive: onReceive}
}

// ServeHTTP accepts POST only.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		log.Error().Err(err).Msg("Webhook: failed to read body")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodySize {
		log.Warn().Int("limit", maxBodySize).Msg("Webhook: body too large")
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		log.Warn().Msg("Webhook: empty body")
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		log.Warn().Msg("Webhook: missing " + SignatureHeader + " header")
		http.Error(w, "missing signature", http.StatusForbidden)
		return
	}
	if !Verify(h.secret, body, signature) {
		log.Warn().Msg("Webhook: invalid signature")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	if r.Header.Get("Content-Encoding") == "gzip" {
		body, err = inflate(body)
		if err != nil {
			log.Warn().Err(err).Msg("Webhook: invalid gzip body")
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil || p.JobID == "" || p.Status == "" {
		log.Warn().Err(err).Msg("Webhook: invalid payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	evt := log.Info().
		Str("job", p.JobID).
		Str("status", p.Status).
		Int("images", len(p.Images)).
		Str("timestamp", p.Timestamp).
		Int("bodySize", len(body))
	if p.InferenceJobID != "" {
		evt = evt.Str("inferenceJobId", p.InferenceJobID)
	}
	if p.Error != nil {
		evt = evt.Str("code", p.Error.Code)
	}
	evt.Msg("Webhook result received")

	if h.onReceive != nil {
		h.onReceive(p)
	}
	w.WriteHeader(http.StatusOK)
}

func inflate(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, maxInflatedSize))
}
