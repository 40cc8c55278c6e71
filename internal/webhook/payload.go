package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/fpang/comfy-worker/internal/jobutil"
	"github.com/fpang/comfy-worker/internal/storage"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// Payload is the body POSTed to the result webhook.
type Payload struct {
	JobID          string              `json:"jobId"`
	Status         string              `json:"status"`
	Images         []storage.Published `json:"images"`
	Timestamp      string              `json:"timestamp"`
	Error          *jobutil.Detail     `json:"error,omitempty"`
	InferenceJobID string              `json:"inferenceJobId,omitempty"`
}

// Sign returns the hex-encoded HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the hex HMAC-SHA256 of body.
// Uses hmac.Equal for constant-time comparison.
func Verify(secret string, body []byte, signature string) bool {
	received, err := hex.DecodeString(signature)
	if err != nil || len(received) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}
