// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_privacy "github.com/rapidaai/alchemist/api/gateway-api/internal/privacy"
	internal_vad "github.com/rapidaai/alchemist/api/gateway-api/internal/vad"
	"github.com/rapidaai/alchemist/pkg/commons"
)

const (
	// TieBreakWindow: a turn completion landing this close to an
	// interruption wins over it.
	TieBreakWindow = 50 * time.Millisecond

	// Privacy halt thresholds: consecutive blocked verdicts that pause
	// audio forwarding, and consecutive clear verdicts that resume it.
	haltAfterBlocked  = 3
	resumeAfterClear  = 2
	changesBufferSize = 64
)

// FSM serializes the conversation state of one session. Inputs arrive from
// several goroutines (ingress audio, the upstream event loop, the signaling
// socket); a single mutex totally orders the transitions, and observers see
// that order on Changes().
//
// The machine is a decider, not a transport: OnUserAudio and OnVerdict return
// whether the caller may forward, and upstream side effects go through Hooks.
type FSM struct {
	logger   commons.Logger
	detector internal_vad.SpeechDetector
	hooks    Hooks

	sessionCtx context.Context
	changes    chan StateChange

	mu      sync.Mutex
	state   State
	seq     uint64
	current *Turn
	last    *Turn

	consecutiveBlocked int
	consecutiveClear   int
	audioHalted        bool

	interruptAt time.Time
	tieBreak    time.Duration
	now         func() time.Time
}

// NewFSM builds the machine in idle. The detector drives barge-in detection
// while the model is speaking; it may be nil, which disables energy-based
// interruption (explicit client interrupts still work).
func NewFSM(ctx context.Context, logger commons.Logger, detector internal_vad.SpeechDetector, hooks Hooks) *FSM {
	return &FSM{
		logger:     logger,
		detector:   detector,
		hooks:      hooks,
		sessionCtx: ctx,
		changes:    make(chan StateChange, changesBufferSize),
		state:      StateIdle,
		tieBreak:   TieBreakWindow,
		now:        time.Now,
	}
}

// State returns the current phase.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Changes streams transitions in commit order. The channel closes when the
// machine reaches fatal.
func (f *FSM) Changes() <-chan StateChange {
	return f.changes
}

// CurrentTurn returns the open turn, or nil between turns.
func (f *FSM) CurrentTurn() *Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil && !f.current.Closed() {
		return f.current
	}
	return nil
}

// LastTurn returns the most recently closed turn, or nil.
func (f *FSM) LastTurn() *Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// AudioHalted reports whether the privacy-wide halt is pausing audio.
func (f *FSM) AudioHalted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioHalted
}

// OnUserAudio observes one ingress chunk and reports whether it may be
// forwarded upstream. Opens the session's first turn, keeps forwarding while
// listening or immediately after an interruption, suspends it while the
// model is analyzing, and runs barge-in detection while it speaks.
func (f *FSM) OnUserAudio(pcm []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateIdle:
		if f.audioHalted {
			return false
		}
		f.openTurnLocked()
		f.transitionLocked(StateListening, "user audio")
		return true

	case StateListening:
		return !f.audioHalted

	case StateAnalyzing:
		return false

	case StateSpeaking:
		if f.detector != nil && f.detector.Feed(pcm) {
			f.interruptLocked("barge-in")
			return !f.audioHalted
		}
		return false

	case StateInterrupted:
		return !f.audioHalted

	default: // fatal
		return false
	}
}

// OnClientInterrupt handles an explicit interrupt message from the browser.
func (f *FSM) OnClientInterrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateSpeaking {
		f.logger.Debugf("client interrupt ignored in state %s", f.state)
		return
	}
	f.interruptLocked("client interrupt")
}

// OnSpatialQuery suspends audio forwarding while an out-of-band spatial
// analysis is running for this session.
func (f *FSM) OnSpatialQuery() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateListening {
		f.transitionLocked(StateAnalyzing, "spatial query")
	}
}

// OnUpstreamText marks the model as responding. Text may arrive before the
// first audio chunk.
func (f *FSM) OnUpstreamText() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateListening {
		f.transitionLocked(StateAnalyzing, "upstream response")
	}
}

// OnUpstreamAudio observes one synthesized chunk and reports whether it may
// be routed to egress. Chunks arriving outside a speaking-bound state are
// stale remnants of a cancelled turn and are dropped.
func (f *FSM) OnUpstreamAudio() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateListening:
		f.transitionLocked(StateAnalyzing, "upstream response")
		f.startSpeakingLocked()
		return true
	case StateAnalyzing:
		f.startSpeakingLocked()
		return true
	case StateSpeaking:
		return true
	default:
		return false
	}
}

// OnUpstreamTurnComplete closes the turn, or confirms the end of an
// interrupted one. A completion landing within the tie-break window of an
// interruption rewrites the turn's reason to finished.
func (f *FSM) OnUpstreamTurnComplete() {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateSpeaking, StateAnalyzing:
		f.closeTurnLocked(TurnFinished)
		f.transitionLocked(StateIdle, "turn complete")

	case StateInterrupted:
		if f.last != nil && f.now().Sub(f.interruptAt) <= f.tieBreak {
			f.last.Reason = TurnFinished
		}
		f.openTurnLocked()
		f.transitionLocked(StateListening, "turn end confirmed")

	default:
		// idle or listening: duplicate boundary, nothing open
	}
}

// OnUpstreamInterrupted handles the service's own barge-in signal. The event
// itself confirms the turn boundary, so the machine passes straight through
// interrupted to listening.
func (f *FSM) OnUpstreamInterrupted() {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateAnalyzing, StateSpeaking:
		f.interruptAt = f.now()
		f.closeTurnLocked(TurnInterrupted)
		if f.hooks.FlushEgress != nil {
			f.hooks.FlushEgress()
		}
		f.transitionLocked(StateInterrupted, "upstream interrupted")
		f.openTurnLocked()
		f.transitionLocked(StateListening, "turn end confirmed")
		f.resetDetectorLocked()
	}
}

// OnUpstreamReconnected handles a replaced live connection. A response that
// was in flight died with the old connection; the stale turn times out and a
// new one opens so the user can continue.
func (f *FSM) OnUpstreamReconnected() {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateAnalyzing, StateSpeaking:
		f.closeTurnLocked(TurnTimeout)
		if f.hooks.FlushEgress != nil {
			f.hooks.FlushEgress()
		}
		f.transitionLocked(StateInterrupted, "connection replaced mid-turn")
		f.openTurnLocked()
		f.transitionLocked(StateListening, "turn end confirmed")
		f.resetDetectorLocked()

	case StateInterrupted:
		// the confirmation we were waiting for died with the connection
		f.openTurnLocked()
		f.transitionLocked(StateListening, "connection replaced")
	}
}

// OnVerdict folds one privacy verdict into the halt counters and reports
// whether the still may be forwarded upstream.
func (f *FSM) OnVerdict(res internal_privacy.Result) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if res.Verdict == internal_privacy.VerdictBlocked {
		f.consecutiveBlocked++
		f.consecutiveClear = 0
		if !f.audioHalted && f.consecutiveBlocked >= haltAfterBlocked {
			f.audioHalted = true
			f.logger.Warnw("privacy halt engaged",
				"consecutive_blocked", f.consecutiveBlocked, "reason", res.Reason)
		}
	} else {
		f.consecutiveClear++
		f.consecutiveBlocked = 0
		if f.audioHalted && f.consecutiveClear >= resumeAfterClear {
			f.audioHalted = false
			f.consecutiveClear = 0
			f.logger.Infow("privacy halt released")
		}
	}

	return f.state != StateFatal && res.Forwardable()
}

// OnUpstreamFatal moves to the terminal state after the bridge exhausted its
// reconnect budget or failed unrecoverably.
func (f *FSM) OnUpstreamFatal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateFatal {
		return
	}
	f.logger.Errorf("conversation entering fatal: %v", err)
	f.closeTurnLocked(TurnError)
	f.transitionLocked(StateFatal, "upstream error")
	close(f.changes)
}

// Terminate moves to fatal on session cancellation. Idempotent.
func (f *FSM) Terminate(trigger string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateFatal {
		return
	}
	f.closeTurnLocked(TurnError)
	f.transitionLocked(StateFatal, trigger)
	close(f.changes)
}

// ------------------------------------------------------------------
// internals (mu held)
// ------------------------------------------------------------------

func (f *FSM) transitionLocked(to State, trigger string) {
	from := f.state
	f.state = to
	f.seq++
	change := StateChange{From: from, To: to, Trigger: trigger, Seq: f.seq, At: f.now()}
	select {
	case f.changes <- change:
	default:
		f.logger.Debugf("state observer lagging, dropped change seq=%d", change.Seq)
	}
	f.logger.Debugw("conversation transition",
		"from", from, "to", to, "trigger", trigger, "seq", f.seq)
}

func (f *FSM) startSpeakingLocked() {
	f.transitionLocked(StateSpeaking, "first audio chunk")
	f.resetDetectorLocked()
}

func (f *FSM) interruptLocked(trigger string) {
	f.interruptAt = f.now()
	f.closeTurnLocked(TurnInterrupted)
	if f.hooks.FlushEgress != nil {
		f.hooks.FlushEgress()
	}
	if f.hooks.CancelTurn != nil {
		f.hooks.CancelTurn()
	}
	f.transitionLocked(StateInterrupted, trigger)
	f.resetDetectorLocked()
}

func (f *FSM) openTurnLocked() {
	ctx, cancel := context.WithCancel(f.sessionCtx)
	f.current = &Turn{
		ID:        uuid.NewString(),
		StartedAt: f.now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (f *FSM) closeTurnLocked(reason CompletionReason) {
	if f.current == nil || f.current.Closed() {
		return
	}
	f.current.Reason = reason
	f.current.cancel()
	f.last = f.current
}

func (f *FSM) resetDetectorLocked() {
	if f.detector != nil {
		f.detector.Reset()
	}
}
