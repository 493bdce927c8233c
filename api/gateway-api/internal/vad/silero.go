// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_vad

import (
	"fmt"

	"github.com/streamer45/silero-vad-go/speech"

	internal_audio "github.com/rapidaai/alchemist/api/gateway-api/internal/audio"
	"github.com/rapidaai/alchemist/pkg/commons"
)

// sileroDetector runs the Silero VAD model over a rolling window. It treats
// any detected segment in the window as active speech; the window is sized
// so the model sees enough context without rescoring the whole session.
type sileroDetector struct {
	logger   commons.Logger
	detector *speech.Detector

	window      []float32
	windowLimit int
}

func newSileroDetector(logger commons.Logger, cfg Config) (*sileroDetector, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("silero detector requires a model path")
	}
	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           internal_audio.LIVE_AUDIO_CONFIG.SampleRate,
		Threshold:            0.5,
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	})
	if err != nil {
		return nil, fmt.Errorf("creating silero detector: %w", err)
	}
	return &sileroDetector{
		logger:   logger,
		detector: detector,
		// one second of context at 16kHz
		windowLimit: internal_audio.LIVE_AUDIO_CONFIG.SampleRate,
	}, nil
}

func (d *sileroDetector) Feed(pcm []byte) bool {
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		d.window = append(d.window, float32(s)/32768.0)
	}
	if len(d.window) > d.windowLimit {
		d.window = d.window[len(d.window)-d.windowLimit:]
	}
	// The model wants at least a few hundred ms before scoring is useful.
	if len(d.window) < d.windowLimit/4 {
		return false
	}

	segments, err := d.detector.Detect(d.window)
	if err != nil {
		d.logger.Debugw("silero detect failed", "error", err)
		return false
	}
	return len(segments) > 0
}

func (d *sileroDetector) Reset() {
	d.window = d.window[:0]
	if err := d.detector.Reset(); err != nil {
		d.logger.Debugw("silero reset failed", "error", err)
	}
}

func (d *sileroDetector) Close() error {
	return d.detector.Destroy()
}
