// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_vad

import (
	"fmt"

	internal_audio "github.com/rapidaai/alchemist/api/gateway-api/internal/audio"
	"github.com/rapidaai/alchemist/pkg/commons"
)

type DetectorType string

const (
	DetectorEnergy DetectorType = "energy"
	DetectorSilero DetectorType = "silero"
)

// SpeechDetector decides whether the user is speaking. Feed consumes 16kHz
// mono PCM16 chunks in capture order and reports whether sustained speech is
// present as of this chunk. Detectors keep per-session state and are not
// safe for concurrent use.
type SpeechDetector interface {
	Feed(pcm []byte) bool
	Reset()
	Close() error
}

// Config tunes detection. EnergyThreshold and MinSpeechMs drive the energy
// detector; ModelPath selects the Silero model file.
type Config struct {
	Type            DetectorType
	EnergyThreshold float64
	MinSpeechMs     int
	ModelPath       string
}

func GetSpeechDetector(logger commons.Logger, cfg Config) (SpeechDetector, error) {
	switch cfg.Type {
	case DetectorSilero:
		return newSileroDetector(logger, cfg)
	case DetectorEnergy, "":
		return newEnergyDetector(logger, cfg), nil
	default:
		return nil, fmt.Errorf("unknown speech detector %q", cfg.Type)
	}
}

// energyDetector flags speech once short-term RMS stays above the threshold
// for MinSpeechMs of consecutive audio. A single quiet chunk resets the run,
// so clicks and pops do not accumulate into a false trigger.
type energyDetector struct {
	logger    commons.Logger
	threshold float64
	minMs     int

	aboveMs int
}

func newEnergyDetector(logger commons.Logger, cfg Config) *energyDetector {
	threshold := cfg.EnergyThreshold
	if threshold <= 0 {
		threshold = 1000.0
	}
	minMs := cfg.MinSpeechMs
	if minMs <= 0 {
		minMs = 200
	}
	return &energyDetector{logger: logger, threshold: threshold, minMs: minMs}
}

func (d *energyDetector) Feed(pcm []byte) bool {
	if len(pcm) == 0 {
		return d.aboveMs >= d.minMs
	}
	chunkMs := len(pcm) / internal_audio.LIVE_AUDIO_CONFIG.BytesPerMs()
	if chunkMs == 0 {
		chunkMs = 1
	}
	if internal_audio.RMSEnergy(pcm) >= d.threshold {
		d.aboveMs += chunkMs
	} else {
		d.aboveMs = 0
	}
	return d.aboveMs >= d.minMs
}

func (d *energyDetector) Reset()       { d.aboveMs = 0 }
func (d *energyDetector) Close() error { return nil }
