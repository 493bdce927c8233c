// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_conversation

import (
	"context"
	"time"
)

// State is the conversation phase of one session. Initial state is idle;
// fatal is terminal.
type State string

const (
	StateIdle        State = "idle"
	StateListening   State = "listening"
	StateAnalyzing   State = "analyzing"
	StateSpeaking    State = "speaking"
	StateInterrupted State = "interrupted"
	StateFatal       State = "fatal"
)

// CompletionReason records how an upstream turn ended.
type CompletionReason string

const (
	TurnFinished    CompletionReason = "finished"
	TurnInterrupted CompletionReason = "interrupted"
	TurnTimeout     CompletionReason = "timeout"
	TurnError       CompletionReason = "error"
)

// Turn is one logical user-input → model-response cycle. Its context is
// derived from the session context and is cancelled when the turn closes,
// whatever the reason.
type Turn struct {
	ID        string
	StartedAt time.Time
	Reason    CompletionReason

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the turn closes. Long-running work scoped to the
// turn should select on it.
func (t *Turn) Context() context.Context { return t.ctx }

// Closed reports whether the turn has a completion reason yet.
func (t *Turn) Closed() bool { return t.Reason != "" }

// StateChange is one observed transition. Seq is strictly monotonic per
// session, so observers can detect gaps if they fall behind.
type StateChange struct {
	From    State
	To      State
	Trigger string
	Seq     uint64
	At      time.Time
}

// Hooks let the state machine drive side effects without owning the
// transports. Hooks run inside the transition critical section and must not
// call back into the machine.
type Hooks struct {
	// CancelTurn asks the upstream bridge to end the in-flight response.
	CancelTurn func()
	// FlushEgress drops synthesized audio queued for the client.
	FlushEgress func()
}
