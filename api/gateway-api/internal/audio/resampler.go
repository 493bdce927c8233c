// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"fmt"
	"sync"

	resampler "github.com/tphakala/go-audio-resampler"

	"github.com/rapidaai/alchemist/pkg/commons"
)

// AudioResampler converts PCM16 between sample rates. Implementations must
// be safe for concurrent use across sessions.
type AudioResampler interface {
	Resample(pcm []byte, from, to AudioConfig) ([]byte, error)
}

type sincResampler struct {
	logger commons.Logger

	mu        sync.Mutex
	pipelines map[string]*resampler.Resampler
}

// GetResampler returns the shared high-quality resampler. One pipeline is
// kept per (from,to) rate pair; pipelines are stateful, so calls for the
// same pair are serialized.
func GetResampler(logger commons.Logger) (AudioResampler, error) {
	return &sincResampler{
		logger:    logger,
		pipelines: make(map[string]*resampler.Resampler),
	}, nil
}

func (r *sincResampler) Resample(pcm []byte, from, to AudioConfig) ([]byte, error) {
	if from.SampleRate == to.SampleRate && from.Channels == to.Channels {
		return pcm, nil
	}
	if from.Channels != 1 || to.Channels != 1 {
		return nil, fmt.Errorf("resample: only mono supported, got %d -> %d channels", from.Channels, to.Channels)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%d:%d", from.SampleRate, to.SampleRate)
	pipeline, ok := r.pipelines[key]
	if !ok {
		var err error
		pipeline, err = resampler.New(float64(from.SampleRate), float64(to.SampleRate), from.Channels, resampler.QualityHigh)
		if err != nil {
			return nil, fmt.Errorf("creating resampler %s: %w", key, err)
		}
		r.pipelines[key] = pipeline
	}

	in := pcmToFloat32(pcm)
	out, err := pipeline.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resampling %s: %w", key, err)
	}
	return float32ToPCM(out), nil
}

func pcmToFloat32(pcm []byte) []float32 {
	samples := bytesToInt16(pcm)
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

func float32ToPCM(samples []float32) []byte {
	ints := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32768.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		ints[i] = int16(v)
	}
	return int16ToBytes(ints)
}
