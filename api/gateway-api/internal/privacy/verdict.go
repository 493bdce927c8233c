// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_privacy

// Verdict classifies a still frame for model exposure.
type Verdict string

const (
	VerdictSafe    Verdict = "safe"
	VerdictBlurred Verdict = "blurred"
	VerdictBlocked Verdict = "blocked"
)

const (
	// ReasonCrowd marks frames blocked because too many faces were present.
	ReasonCrowd = "crowd"
	// ReasonDetectorUnavailable marks the fail-closed path: the detector
	// errored or timed out, so the frame must not reach the model.
	ReasonDetectorUnavailable = "detector_unavailable"
)

// Result is the shield's answer for one frame. Processed carries re-encoded
// JPEG bytes only for the blurred verdict.
type Result struct {
	Verdict   Verdict
	FaceCount int
	Processed []byte
	Reason    string
}

// Forwardable reports whether a frame with this verdict may be sent to the
// upstream model.
func (r Result) Forwardable() bool {
	return r.Verdict == VerdictSafe || r.Verdict == VerdictBlurred
}

// FaceBox is one detected face region in pixel coordinates.
type FaceBox struct {
	X      int
	Y      int
	Width  int
	Height int
}

// ShortSide returns the smaller box dimension; blur strength scales on it.
func (b FaceBox) ShortSide() int {
	if b.Width < b.Height {
		return b.Width
	}
	return b.Height
}
