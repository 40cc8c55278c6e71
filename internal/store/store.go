// Package store keeps webhook deliveries that exhausted their attempts.
//
// It is a write-mostly failure log, not a job database: records are keyed by
// job (PK = JOB#{jobId}) and delivery (SK = DELIVERY#{deliveryId}) and expire
// through the table's TTL attribute (expiresAt). Operators list and replay
// them with the comfy-job CLI.
//
// A DynamoDB item holds at most 400 KB, which an inline-mode payload easily
// exceeds. Larger bodies go to a BodyStore under
// deadletters/{jobId}/{deliveryId} and the record keeps only the key; with no
// BodyStore the record is kept without its body and marked bodyTruncated.
package store

import (
	"context"
	"time"

	"github.com/fpang/comfy-worker/internal/webhook"
)

// MaxItemBody is the largest body stored inside a record. The rest of the
// 400 KB item budget is left to the other attributes.
const MaxItemBody = 350 << 10

// BodyStore keeps dead-letter bodies that do not fit in a record.
// *storage.S3Store implements it.
type BodyStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// BodyKey is the object key of a delivery body kept outside its record.
func BodyKey(jobID, deliveryID string) string {
	return "deadletters/" + jobID + "/" + deliveryID
}

// DeadLetterTTL is how long a failed delivery is kept before DynamoDB
// expires it.
const DeadLetterTTL = 14 * 24 * time.Hour

// DeadLetterStore persists failed webhook deliveries.
//
// ListDeliveries returns an empty slice when the job has no records.
type DeadLetterStore interface {
	// RecordDelivery creates or replaces the record for d.
	RecordDelivery(ctx context.Context, d webhook.Delivery) error

	// ListDeliveries returns every dead-lettered delivery of a job. Bodies
	// kept in the BodyStore are not fetched; see LoadBody.
	ListDeliveries(ctx context.Context, jobID string) ([]webhook.Delivery, error)

	// LoadBody fills d.Body from the BodyStore when the record only holds
	// its key.
	LoadBody(ctx context.Context, d webhook.Delivery) (webhook.Delivery, error)

	// DeleteDelivery removes one record, e.g. after a successful replay.
	DeleteDelivery(ctx context.Context, jobID, deliveryID string) error
}
