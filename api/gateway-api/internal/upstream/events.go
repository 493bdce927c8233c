// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_upstream

// EventType discriminates the events the bridge surfaces to its consumer.
type EventType string

const (
	// EventAudioChunk carries synthesized PCM16 mono 16 kHz audio for egress.
	EventAudioChunk EventType = "audio_chunk"
	// EventTextDelta carries an incremental text token, kept for observability.
	EventTextDelta EventType = "text_delta"
	// EventTurnComplete marks the end of a model response turn.
	EventTurnComplete EventType = "turn_complete"
	// EventInterrupted reports that the service abandoned the current
	// response, typically after server-side speech detection.
	EventInterrupted EventType = "interrupted"
	// EventUsage carries token accounting for the session so far.
	EventUsage EventType = "usage"
	// EventReconnected signals the live connection was replaced after a
	// transient failure. Any in-flight model response died with the old
	// connection and will never complete.
	EventReconnected EventType = "reconnected"
	// EventError reports an unrecoverable bridge failure. The bridge emits
	// it exactly once, after the reconnect budget is exhausted, and then
	// closes the event stream.
	EventError EventType = "error"
)

// Event is a single upstream occurrence, delivered in source order.
type Event struct {
	Type  EventType
	PCM   []byte
	Text  string
	Usage Usage
	Err   error
}

// Usage mirrors the service's token accounting.
type Usage struct {
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
}
