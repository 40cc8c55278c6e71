// Package s3util wraps the S3 calls the worker makes: put, get, presign and
// delete for published images and dead-lettered webhook bodies.
package s3util

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// PutBytes uploads data under key. tagged adds the project cost-allocation
// tag; S3-compatible stores without tagging support should pass false.
func PutBytes(ctx context.Context, client *s3.Client, bucket, key, contentType string, data []byte, tagged bool) error {
	log.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Str("contentType", contentType).
		Int("bytes", len(data)).
		Msg("Uploading image to bucket")

	input := &s3.PutObjectInput{
		Bucket:        &bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   &contentType,
	}
	if tagged {
		input.Tagging = ProjectTagging()
	}
	if _, err := client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("S3 PutObject %s: %w", key, err)
	}

	log.Info().Str("key", key).Int("bytes", len(data)).Msg("Image uploaded to bucket")
	return nil
}

// GetBytes downloads an object into memory.
func GetBytes(ctx context.Context, client *s3.Client, bucket, key string) ([]byte, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read S3 object %s: %w", key, err)
	}
	return data, nil
}

// GeneratePresignedURL creates a pre-signed GET URL for an S3 object.
func GeneratePresignedURL(ctx context.Context, presignClient *s3.PresignClient, bucket, key string, expiry time.Duration) (string, error) {
	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return result.URL, nil
}

// DeleteObject removes an object. Deleting a missing key is not an error in S3.
func DeleteObject(ctx context.Context, client *s3.Client, bucket, key string) error {
	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &bucket, Key: &key,
	})
	if err != nil {
		return fmt.Errorf("S3 DeleteObject %s: %w", key, err)
	}
	return nil
}
