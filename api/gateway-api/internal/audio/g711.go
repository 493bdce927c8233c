// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"fmt"

	"github.com/zaf/g711"
)

// DecodeG711 expands a companded G.711 payload (PCMU or PCMA, 8kHz mono)
// into PCM16. Used when the browser negotiated a G.711 payload type instead
// of Opus; the caller resamples the result onto the 16kHz upstream leg.
func DecodeG711(payload []byte, format AudioFormat) ([]byte, error) {
	switch format {
	case MuLaw8:
		return g711.DecodeUlaw(payload), nil
	case ALaw8:
		return g711.DecodeAlaw(payload), nil
	default:
		return nil, fmt.Errorf("g711 decode: unsupported format %q", format)
	}
}

// EncodeG711 compands PCM16 (8kHz mono) to the requested G.711 flavor.
func EncodeG711(pcm []byte, format AudioFormat) ([]byte, error) {
	switch format {
	case MuLaw8:
		return g711.EncodeUlaw(pcm), nil
	case ALaw8:
		return g711.EncodeAlaw(pcm), nil
	default:
		return nil, fmt.Errorf("g711 encode: unsupported format %q", format)
	}
}
