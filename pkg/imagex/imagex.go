// Package imagex normalizes user-submitted images before they enter the
// pipeline: orientation applied, bounded dimensions, JPEG output with all
// source metadata dropped.
package imagex

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // webp decode support
)

const (
	// MaxDimension bounds the longest side after preprocessing.
	MaxDimension = 2048
	// JPEGQuality is the re-encode quality.
	JPEGQuality = 85
)

// Prepared is the immutable result of preprocessing a source image.
type Prepared struct {
	Data       []byte
	Format     string
	Width      int
	Height     int
	Operations []string
}

// Prepare applies embedded orientation, fits the image inside
// MaxDimension×MaxDimension preserving aspect, and re-encodes as JPEG.
// Re-encoding through a decoded bitmap drops every metadata segment, so no
// orientation or GPS tags survive. sourceFormat is the sniffed input format
// and is carried through for the pipeline's compression heuristic.
func Prepare(src []byte, sourceFormat string) (Prepared, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return Prepared{}, fmt.Errorf("op=imagex.Prepare: decode: %w", err)
	}
	ops := []string{"auto_orient"}

	b := img.Bounds()
	if b.Dx() > MaxDimension || b.Dy() > MaxDimension {
		img = imaging.Fit(img, MaxDimension, MaxDimension, imaging.Lanczos)
		ops = append(ops, fmt.Sprintf("fit_%d", MaxDimension))
		b = img.Bounds()
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return Prepared{}, fmt.Errorf("op=imagex.Prepare: encode: %w", err)
	}
	ops = append(ops, fmt.Sprintf("jpeg_q%d", JPEGQuality), "metadata_stripped")

	return Prepared{
		Data:       buf.Bytes(),
		Format:     sourceFormat,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Operations: ops,
	}, nil
}

// Decode parses image bytes into a bitmap plus the detected format name.
func Decode(src []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, "", fmt.Errorf("op=imagex.Decode: %w", err)
	}
	return img, format, nil
}
