package storage

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fpang/comfy-worker/internal/s3util"
)

// DefaultPresignExpiry is how long published URLs stay valid (7 days, the
// SigV4 maximum).
const DefaultPresignExpiry = 7 * 24 * time.Hour

// S3Store implements ObjectStore on an S3 or S3-compatible bucket.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	expiry    time.Duration
	tagged    bool
}

// Compile-time interface check.
var _ ObjectStore = (*S3Store)(nil)

// NewS3Store creates an S3Store. tagged enables the project cost tag on
// uploads (AWS S3 only). A zero expiry uses DefaultPresignExpiry.
func NewS3Store(client *s3.Client, bucket string, expiry time.Duration, tagged bool) *S3Store {
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		expiry:    expiry,
		tagged:    tagged,
	}
}

// Bucket returns the bucket name.
func (s *S3Store) Bucket() string { return s.bucket }

func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	return s3util.PutBytes(ctx, s.client, s.bucket, key, contentType, data, s.tagged)
}

// Get downloads an object.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s3util.GetBytes(ctx, s.client, s.bucket, key)
}

func (s *S3Store) URL(ctx context.Context, key string) (string, error) {
	return s3util.GeneratePresignedURL(ctx, s.presigner, s.bucket, key, s.expiry)
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	return s3util.DeleteObject(ctx, s.client, s.bucket, key)
}
