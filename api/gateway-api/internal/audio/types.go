// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import "time"

// AudioFormat identifies the PCM encoding of a byte stream.
type AudioFormat string

const (
	Linear16 AudioFormat = "linear16"
	MuLaw8   AudioFormat = "mulaw"
	ALaw8    AudioFormat = "alaw"
)

// AudioConfig describes one leg of the audio path. All pipeline byte buffers
// are little-endian PCM16 unless Format says otherwise.
type AudioConfig struct {
	SampleRate int
	Channels   int
	Format     AudioFormat
}

func (c AudioConfig) GetSampleRate() int { return c.SampleRate }

// BytesPerMs is the PCM16 byte rate for one millisecond of audio.
func (c AudioConfig) BytesPerMs() int {
	return c.SampleRate * c.Channels * BytesPerSample / 1000
}

// FrameBytes is the PCM16 byte count of one frame of the given duration.
func (c AudioConfig) FrameBytes(d time.Duration) int {
	return c.BytesPerMs() * int(d.Milliseconds())
}

const (
	// BytesPerSample is fixed: the pipeline carries 16-bit samples.
	BytesPerSample = 2

	// FrameDuration is the pacing quantum end to end: Opus packets from the
	// browser, PCM chunks to the upstream, and egress writes all use 20ms.
	FrameDuration = 20 * time.Millisecond
)

// WEBRTC_AUDIO_CONFIG is the browser-facing leg: Opus decodes to 48kHz mono.
var WEBRTC_AUDIO_CONFIG = AudioConfig{SampleRate: 48000, Channels: 1, Format: Linear16}

// LIVE_AUDIO_CONFIG is the upstream-facing leg: the Live service consumes
// and produces 16kHz mono PCM16.
var LIVE_AUDIO_CONFIG = AudioConfig{SampleRate: 16000, Channels: 1, Format: Linear16}

// TELEPHONY_AUDIO_CONFIG is the G.711 fallback leg: 8kHz companded audio
// from peers that negotiated PCMU/PCMA instead of Opus.
var TELEPHONY_AUDIO_CONFIG = AudioConfig{SampleRate: 8000, Channels: 1, Format: MuLaw8}
