// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import "math"

// RMSEnergy computes the root-mean-square amplitude of a PCM16 chunk.
// Values range 0..32768; speech at conversational volume typically lands
// well above 1000 while room noise stays in the low hundreds.
func RMSEnergy(pcm []byte) float64 {
	samples := bytesToInt16(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
