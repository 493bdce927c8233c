// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_upstream

// audioRing holds audio chunks captured while the connection is down. When
// full, the oldest chunk is discarded so the buffer always holds the most
// recent window of speech. Not safe for concurrent use; the bridge guards it
// with its own mutex.
type audioRing struct {
	chunks  [][]byte
	head    int
	size    int
	dropped uint64
}

func newAudioRing(capacity int) *audioRing {
	if capacity < 1 {
		capacity = 1
	}
	return &audioRing{chunks: make([][]byte, capacity)}
}

func (r *audioRing) push(chunk []byte) {
	if r.size == len(r.chunks) {
		// overwrite the oldest entry
		r.head = (r.head + 1) % len(r.chunks)
		r.size--
		r.dropped++
	}
	r.chunks[(r.head+r.size)%len(r.chunks)] = chunk
	r.size++
}

// drain returns the buffered chunks in capture order and empties the ring.
func (r *audioRing) drain() [][]byte {
	out := make([][]byte, 0, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % len(r.chunks)
		out = append(out, r.chunks[idx])
		r.chunks[idx] = nil
	}
	r.head = 0
	r.size = 0
	return out
}

func (r *audioRing) len() int { return r.size }
