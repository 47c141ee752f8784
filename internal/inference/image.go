package inference

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

var imageFormats = map[string]struct {
	ext         string
	contentType string
}{
	"jpeg": {".jpg", "image/jpeg"},
	"png":  {".png", "image/png"},
	"gif":  {".gif", "image/gif"},
}

// sniffImage checks that data decodes as a supported image header. Only the
// format is checked, never the content.
func sniffImage(data []byte) (ext, contentType string, err error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("%w: image is required", ErrValidation)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("%w: image is not a decodable jpeg, png or gif", ErrValidation)
	}
	f, ok := imageFormats[format]
	if !ok {
		return "", "", fmt.Errorf("%w: unsupported image format %q", ErrValidation, format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", "", fmt.Errorf("%w: image has no pixels", ErrValidation)
	}
	return f.ext, f.contentType, nil
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
