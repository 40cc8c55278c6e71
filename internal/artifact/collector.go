// Package artifact fetches the files a completed workflow produced.
//
// Collection is all-or-nothing: the first missing or unreachable file aborts
// the job, because delivering fewer images than the backend reported would
// look like success to the caller.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/webp"

	"github.com/fpang/comfy-worker/internal/comfy"
)

// Bytes is one fetched output file.
type Bytes struct {
	Ref         comfy.ImageRef
	Data        []byte
	ContentType string
	// Width and Height are zero when the header could not be decoded
	// (e.g. video outputs).
	Width  int
	Height int
}

// Fetcher is the part of the backend client the collector needs.
type Fetcher interface {
	FetchImage(ctx context.Context, ref comfy.ImageRef) ([]byte, error)
}

// Collect fetches every ref in order. On error nothing is returned.
func Collect(ctx context.Context, f Fetcher, refs []comfy.ImageRef) ([]Bytes, error) {
	out := make([]Bytes, 0, len(refs))
	var total int
	for i, ref := range refs {
		data, err := f.FetchImage(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("image %d of %d (%s): %w", i+1, len(refs), ref.Filename, err)
		}
		b := Bytes{
			Ref:         ref,
			Data:        data,
			ContentType: ContentType(ref.Filename, data),
		}
		b.Width, b.Height = Inspect(data)
		out = append(out, b)
		total += len(data)
	}
	log.Info().Int("images", len(out)).Int("totalBytes", total).Msg("Output images collected")
	return out, nil
}

// extTypes covers the formats ComfyUI save nodes write. Lookups by extension
// avoid depending on the host's mime tables.
var extTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

// ContentType infers the MIME type from the filename, falling back to
// sniffing the data.
func ContentType(filename string, data []byte) string {
	if ct, ok := extTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return http.DetectContentType(data)
}

// Inspect returns the pixel dimensions from the image header, or zeros.
func Inspect(data []byte) (width, height int) {
	if len(data) == 0 {
		return 0, 0
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
