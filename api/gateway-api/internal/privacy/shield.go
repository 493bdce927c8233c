// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_privacy

import (
	"context"
	"image"
	"time"

	"github.com/disintegration/imaging"

	internal_video "github.com/rapidaai/alchemist/api/gateway-api/internal/video"
	"github.com/rapidaai/alchemist/pkg/commons"
)

// DetectTimeout bounds one face-detection call. On expiry the frame fails
// closed to blocked.
const DetectTimeout = 2 * time.Second

type ShieldConfig struct {
	// CrowdThreshold is the face count above which frames are blocked
	// outright. Counts of 1..CrowdThreshold get blurred.
	CrowdThreshold int
	// BlurRadiusMin floors the per-face blur radius in pixels.
	BlurRadiusMin int
	// JPEGQuality is used when re-encoding a blurred frame.
	JPEGQuality int
}

// Shield classifies still frames and produces blurred variants. It holds no
// frame state: every Classify call stands alone.
type Shield struct {
	logger   commons.Logger
	detector FaceDetector
	cfg      ShieldConfig
}

func NewShield(logger commons.Logger, detector FaceDetector, cfg ShieldConfig) *Shield {
	if cfg.CrowdThreshold <= 0 {
		cfg.CrowdThreshold = 3
	}
	if cfg.BlurRadiusMin <= 0 {
		cfg.BlurRadiusMin = 15
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	return &Shield{logger: logger, detector: detector, cfg: cfg}
}

// Classify runs detection and the crowd/blur policy over one JPEG frame.
// Detector failure of any kind yields blocked{detector_unavailable}; the
// frame must never reach the model when we cannot prove it is clear.
func (s *Shield) Classify(ctx context.Context, jpegData []byte) Result {
	detectCtx, cancel := context.WithTimeout(ctx, DetectTimeout)
	defer cancel()

	boxes, err := s.detector.Detect(detectCtx, jpegData)
	if err != nil {
		s.logger.Warnw("face detection unavailable, blocking frame", "error", err)
		return Result{Verdict: VerdictBlocked, Reason: ReasonDetectorUnavailable}
	}

	count := len(boxes)
	switch {
	case count == 0:
		return Result{Verdict: VerdictSafe}
	case count > s.cfg.CrowdThreshold:
		return Result{Verdict: VerdictBlocked, FaceCount: count, Reason: ReasonCrowd}
	}

	processed, err := s.blurFaces(jpegData, boxes)
	if err != nil {
		s.logger.Warnw("face blur failed, blocking frame", "error", err)
		return Result{Verdict: VerdictBlocked, FaceCount: count, Reason: ReasonDetectorUnavailable}
	}
	return Result{Verdict: VerdictBlurred, FaceCount: count, Processed: processed}
}

// blurFaces gaussian-blurs each face region and re-encodes the frame. The
// radius scales with the face size so close-up faces are not recognizable
// through a fixed weak blur.
func (s *Shield) blurFaces(jpegData []byte, boxes []FaceBox) ([]byte, error) {
	img, err := internal_video.DecodeImage(jpegData)
	if err != nil {
		return nil, err
	}

	canvas := imaging.Clone(img)
	bounds := canvas.Bounds()

	for _, box := range boxes {
		radius := box.ShortSide() / 2
		if radius < s.cfg.BlurRadiusMin {
			radius = s.cfg.BlurRadiusMin
		}

		// Pad the region so hairline and chin edges do not leak.
		pad := radius / 2
		region := image.Rect(box.X-pad, box.Y-pad, box.X+box.Width+pad, box.Y+box.Height+pad).
			Intersect(bounds)
		if region.Empty() {
			continue
		}

		blurred := imaging.Blur(imaging.Crop(canvas, region), float64(radius))
		canvas = imaging.Paste(canvas, blurred, region.Min)
	}

	return internal_video.EncodeJPEG(canvas, s.cfg.JPEGQuality, 0)
}
