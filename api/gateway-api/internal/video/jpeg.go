// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_video

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

const (
	// JPEG quality for upstream images stays within this band.
	MinJPEGQuality = 70
	MaxJPEGQuality = 85

	// DefaultMaxPx bounds the longest side of upstream images.
	DefaultMaxPx = 768
)

// EncodeJPEG renders img as JPEG, downscaling so the longest side does not
// exceed maxPx. maxPx <= 0 keeps the original dimensions. Quality outside
// [70,85] is clamped into the band.
func EncodeJPEG(img image.Image, quality, maxPx int) ([]byte, error) {
	if quality < MinJPEGQuality {
		quality = MinJPEGQuality
	} else if quality > MaxJPEGQuality {
		quality = MaxJPEGQuality
	}

	bounds := img.Bounds()
	if maxPx > 0 && (bounds.Dx() > maxPx || bounds.Dy() > maxPx) {
		img = imaging.Fit(img, maxPx, maxPx, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail produces a small JPEG preview, 256px on the long side.
func Thumbnail(img image.Image, quality int) ([]byte, error) {
	return EncodeJPEG(imaging.Fit(img, 256, 256, imaging.Lanczos), quality, 256)
}

// DecodeImage parses JPEG or PNG bytes.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("image decode: %w", err)
	}
	return img, nil
}
