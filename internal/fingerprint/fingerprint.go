package fingerprint

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/cespare/xxhash/v2"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedImage is returned when no registered decoder recognizes the data.
var ErrUnsupportedImage = errors.New("unsupported or malformed image")

// PrefixHash hashes the first n bytes of data together with its total length.
// It is a cheap fingerprint, not a content hash: two payloads sharing the
// prefix and length collide.
func PrefixHash(data []byte, n int) uint64 {
	if n <= 0 || n > len(data) {
		n = len(data)
	}
	d := xxhash.New()
	_, _ = d.Write(data[:n])
	_, _ = fmt.Fprintf(d, "|%d", len(data))
	return d.Sum64()
}

// ImageInfo is what can be learned from an image header without decoding pixels.
type ImageInfo struct {
	Format string
	Width  int
	Height int
}

// InspectImage decodes only the image header.
func InspectImage(data []byte) (ImageInfo, error) {
	if len(data) == 0 {
		return ImageInfo{}, fmt.Errorf("%w: empty payload", ErrUnsupportedImage)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ImageInfo{}, fmt.Errorf("%w: zero dimensions", ErrUnsupportedImage)
	}
	return ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// DetectMIMEType detects the MIME type from image magic bytes
func DetectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	switch {
	case data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	case data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return "image/png"
	case data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38:
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	case data[0] == 'B' && data[1] == 'M':
		return "image/bmp"
	}
	return "application/octet-stream"
}
