// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"fmt"
	"sync"

	opus "gopkg.in/hraban/opus.v2"
)

const (
	opusSampleRate = 48000
	opusChannels   = 1

	// 20ms at 48kHz mono.
	opusFrameSamples = 960

	// Largest frame libopus may hand back is 120ms.
	opusMaxFrameSamples = 5760
)

// OpusCodec decodes browser Opus packets to 48kHz mono PCM16 and encodes
// 48kHz mono PCM16 frames back to Opus for the egress track. Decode and
// Encode each keep codec state, so a codec instance belongs to exactly one
// session; the mutexes only guard against overlapping calls on that session.
type OpusCodec struct {
	decMu   sync.Mutex
	decoder *opus.Decoder
	encMu   sync.Mutex
	encoder *opus.Encoder

	decodePCM []int16
	encodeBuf []byte
}

func NewOpusCodec() (*OpusCodec, error) {
	decoder, err := opus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}
	encoder, err := opus.NewEncoder(opusSampleRate, opusChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("creating opus encoder: %w", err)
	}
	return &OpusCodec{
		decoder:   decoder,
		encoder:   encoder,
		decodePCM: make([]int16, opusMaxFrameSamples*opusChannels),
		encodeBuf: make([]byte, 4000),
	}, nil
}

// Decode converts one Opus packet into 48kHz mono PCM16 bytes.
func (c *OpusCodec) Decode(packet []byte) ([]byte, error) {
	c.decMu.Lock()
	defer c.decMu.Unlock()

	n, err := c.decoder.Decode(packet, c.decodePCM)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return int16ToBytes(c.decodePCM[:n*opusChannels]), nil
}

// Encode converts one 20ms 48kHz mono PCM16 frame (1920 bytes) into an Opus
// packet. Short frames are zero-padded to the frame boundary.
func (c *OpusCodec) Encode(pcm []byte) ([]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	samples := bytesToInt16(pcm)
	if len(samples) < opusFrameSamples {
		padded := make([]int16, opusFrameSamples)
		copy(padded, samples)
		samples = padded
	} else if len(samples) > opusFrameSamples {
		samples = samples[:opusFrameSamples]
	}

	n, err := c.encoder.Encode(samples, c.encodeBuf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, c.encodeBuf[:n])
	return out, nil
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func bytesToInt16(data []byte) []int16 {
	out := make([]int16, len(data)/BytesPerSample)
	for i := range out {
		out[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}
	return out
}
