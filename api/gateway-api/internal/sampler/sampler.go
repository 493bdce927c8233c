// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_sampler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rapidaai/alchemist/pkg/commons"
)

// StillFrame is one sampled video frame, JPEG-encoded, ready for the
// privacy shield. Seq is the still sequence; FrameSeq is the ingress frame
// the still was taken from, so still ids form a strict subsequence of
// ingress ids.
type StillFrame struct {
	Seq        uint64
	FrameSeq   uint64
	CapturedAt time.Time
	JPEG       []byte
}

// Sampler decouples the ingress frame rate from the upstream cadence: at
// most one still per interval, newest-wins when the downstream stage has not
// taken the previous one. Audio is not sampled; it flows past this stage
// unchanged.
type Sampler struct {
	logger   commons.Logger
	interval time.Duration

	mu       sync.Mutex
	nextDue  time.Time
	frameSeq uint64
	stillSeq uint64

	out     chan StillFrame
	dropped atomic.Uint64
}

func NewSampler(logger commons.Logger, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		logger:   logger,
		interval: interval,
		out:      make(chan StillFrame, 1),
	}
}

// ObserveFrame registers one ingress video frame. It returns the frame's
// monotonic sequence id and whether a still is due this interval. When due,
// the caller decodes and encodes the frame and hands the result to Publish;
// the interval is consumed here regardless, so two frames inside one
// interval yield exactly one due=true.
func (s *Sampler) ObserveFrame(now time.Time) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frameSeq++
	if now.Before(s.nextDue) {
		return s.frameSeq, false
	}
	s.nextDue = now.Add(s.interval)
	return s.frameSeq, true
}

// Publish queues a still for the downstream stage. If the slot is occupied
// the stale still is replaced (newest-wins) and the drop is counted.
func (s *Sampler) Publish(frameSeq uint64, capturedAt time.Time, jpegData []byte) StillFrame {
	s.mu.Lock()
	s.stillSeq++
	still := StillFrame{
		Seq:        s.stillSeq,
		FrameSeq:   frameSeq,
		CapturedAt: capturedAt,
		JPEG:       jpegData,
	}
	s.mu.Unlock()

	for {
		select {
		case s.out <- still:
			return still
		default:
		}
		select {
		case stale := <-s.out:
			s.dropped.Add(1)
			s.logger.Debugw("still dropped, downstream busy", "seq", stale.Seq)
		default:
		}
	}
}

// Stills is the downstream end of the sampling stage.
func (s *Sampler) Stills() <-chan StillFrame {
	return s.out
}

// DroppedStills reports how many stills were replaced before the downstream
// stage took them.
func (s *Sampler) DroppedStills() uint64 {
	return s.dropped.Load()
}
