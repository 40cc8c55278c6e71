// Package storage persists collected images in one of two modes, fixed for
// the lifetime of the process:
//
//   - object storage: each image is uploaded under the job's prefix and
//     published as a presigned URL
//   - inline: each image is base64-encoded into the result itself
//
// The mode is a tagged variant chosen once at cold start. A failed upload is
// fatal to the job; there is no fallback from one mode to the other.
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/comfy-worker/internal/artifact"
	"github.com/fpang/comfy-worker/internal/jobutil"
)

// Mode selects how images are persisted.
type Mode int

const (
	ModeInline Mode = iota
	ModeObjectStorage
)

func (m Mode) String() string {
	if m == ModeObjectStorage {
		return "object-storage"
	}
	return "inline"
}

// Published is one persisted image. Exactly one of URL and Data is set.
type Published struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	URL         string `json:"url,omitempty"`
	Data        string `json:"data,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`

	// Key is the object key in object-storage mode.
	Key string `json:"-"`
}

// Validate checks the exactly-one-form invariant.
func (p Published) Validate() error {
	switch {
	case p.URL != "" && p.Data != "":
		return fmt.Errorf("%s: both url and inline data set", p.Filename)
	case p.URL == "" && p.Data == "":
		return fmt.Errorf("%s: neither url nor inline data set", p.Filename)
	}
	return nil
}

// ObjectStore is the blob store used in object-storage mode.
type ObjectStore interface {
	// Put uploads data under key.
	Put(ctx context.Context, key, contentType string, data []byte) error
	// URL returns a retrievable URL for key.
	URL(ctx context.Context, key string) (string, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// Publisher persists artifacts according to its mode.
type Publisher struct {
	mode  Mode
	store ObjectStore
}

// NewInline returns a publisher that base64-encodes images into the result.
func NewInline() *Publisher {
	return &Publisher{mode: ModeInline}
}

// NewObjectStorage returns a publisher that uploads images to store.
func NewObjectStorage(store ObjectStore) *Publisher {
	return &Publisher{mode: ModeObjectStorage, store: store}
}

// Mode reports the publisher's persistence mode.
func (p *Publisher) Mode() Mode { return p.mode }

// Publish persists one artifact for jobID.
func (p *Publisher) Publish(ctx context.Context, jobID string, a artifact.Bytes) (Published, error) {
	if len(a.Data) == 0 {
		return Published{}, jobutil.Errorf(jobutil.InvalidInput, "publish", "%s: empty image data", a.Ref.Filename)
	}

	out := Published{
		Filename:    a.Ref.Filename,
		ContentType: a.ContentType,
		Width:       a.Width,
		Height:      a.Height,
	}

	switch p.mode {
	case ModeObjectStorage:
		key := ObjectKey(jobID, a.Ref.Filename)
		if err := p.store.Put(ctx, key, a.ContentType, a.Data); err != nil {
			return Published{}, jobutil.E(jobutil.StorageUnavailable, "publish", err)
		}
		url, err := p.store.URL(ctx, key)
		if err != nil {
			// Nothing addressable refers to the object yet; drop it.
			if derr := p.store.Delete(ctx, key); derr != nil {
				log.Warn().Err(derr).Str("key", key).Msg("Failed to delete unpublished object")
			}
			return Published{}, jobutil.E(jobutil.StorageUnavailable, "publish", err)
		}
		out.Key = key
		out.URL = url
	case ModeInline:
		out.Data = base64.StdEncoding.EncodeToString(a.Data)
		log.Debug().Str("filename", a.Ref.Filename).Int("encodedBytes", len(out.Data)).Msg("Encoded image to base64")
	default:
		return Published{}, jobutil.Errorf(jobutil.Internal, "publish", "unknown storage mode %d", p.mode)
	}
	return out, nil
}

// Discard removes objects created for published artifacts. Inline artifacts
// have nothing to remove. All deletions are attempted; errors are joined.
func (p *Publisher) Discard(ctx context.Context, published []Published) error {
	if p.mode != ModeObjectStorage {
		return nil
	}
	var errs []error
	for _, pub := range published {
		if pub.Key == "" {
			continue
		}
		if err := p.store.Delete(ctx, pub.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ObjectKey namespaces an image under its job: {jobID}/{rand8}-{filename}.
// The random component keeps re-runs of the same job ID from overwriting
// each other's objects.
func ObjectKey(jobID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" {
		name = "image"
	}
	return jobID + "/" + uuid.NewString()[:8] + "-" + name
}
