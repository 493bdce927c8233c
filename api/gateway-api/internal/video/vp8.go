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

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"golang.org/x/image/vp8"
)

// VP8Assembler reassembles complete VP8 frames from an RTP packet stream.
// Packets for one frame share a timestamp and the last one carries the
// marker bit. The assembler is single-stream; one instance per video track.
type VP8Assembler struct {
	buf     []byte
	started bool
}

func NewVP8Assembler() *VP8Assembler {
	return &VP8Assembler{}
}

// Push consumes one RTP packet. When the packet completes a frame, the
// assembled VP8 bitstream is returned with ok=true; the returned slice is
// only valid until the next Push.
func (a *VP8Assembler) Push(pkt *rtp.Packet) ([]byte, bool) {
	vp8Packet := codecs.VP8Packet{}
	payload, err := vp8Packet.Unmarshal(pkt.Payload)
	if err != nil || len(payload) == 0 {
		return nil, false
	}

	// S bit set with PID 0 marks the start of a new frame. Anything arriving
	// before the first start flag is a torn frame from mid-stream join.
	if vp8Packet.S == 1 && vp8Packet.PID == 0 {
		a.buf = a.buf[:0]
		a.started = true
	}
	if !a.started {
		return nil, false
	}

	a.buf = append(a.buf, payload...)

	if !pkt.Marker {
		return nil, false
	}
	a.started = false
	return a.buf, true
}

// IsKeyframe reports whether an assembled VP8 frame is an intra frame. Bit 0
// of the frame tag is the inverse-keyframe flag.
func IsKeyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

// DecodeKeyframe decodes an assembled VP8 keyframe into an image. Inter
// frames are rejected: without reference-frame state they cannot be decoded
// standalone, and the sampler only wants self-contained stills anyway.
func DecodeKeyframe(frame []byte) (image.Image, error) {
	if !IsKeyframe(frame) {
		return nil, fmt.Errorf("not a keyframe")
	}
	decoder := vp8.NewDecoder()
	decoder.Init(bytes.NewReader(frame), len(frame))
	if _, err := decoder.DecodeFrameHeader(); err != nil {
		return nil, fmt.Errorf("vp8 frame header: %w", err)
	}
	img, err := decoder.DecodeFrame()
	if err != nil {
		return nil, fmt.Errorf("vp8 frame: %w", err)
	}
	return img, nil
}
