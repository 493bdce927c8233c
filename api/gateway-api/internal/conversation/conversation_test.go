package internal_conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_privacy "github.com/rapidaai/alchemist/api/gateway-api/internal/privacy"
	"github.com/rapidaai/alchemist/pkg/commons"
)

// ============================================================
// Test fixtures
// ============================================================

type fakeDetector struct {
	fire   bool
	resets int
}

func (d *fakeDetector) Feed(pcm []byte) bool { return d.fire }
func (d *fakeDetector) Reset()               { d.resets++ }
func (d *fakeDetector) Close() error         { return nil }

type hookRecorder struct {
	cancels int
	flushes int
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		CancelTurn:  func() { h.cancels++ },
		FlushEgress: func() { h.flushes++ },
	}
}

func newTestFSM(t *testing.T) (*FSM, *fakeDetector, *hookRecorder) {
	t.Helper()
	det := &fakeDetector{}
	rec := &hookRecorder{}
	fsm := NewFSM(context.Background(), commons.NewNopLogger(), det, rec.hooks())
	return fsm, det, rec
}

func drainChanges(f *FSM) []StateChange {
	var out []StateChange
	for {
		select {
		case ch, ok := <-f.Changes():
			if !ok {
				return out
			}
			out = append(out, ch)
		default:
			return out
		}
	}
}

func chunk() []byte { return make([]byte, 640) }

func safeResult() internal_privacy.Result {
	return internal_privacy.Result{Verdict: internal_privacy.VerdictSafe}
}

func blurredResult() internal_privacy.Result {
	return internal_privacy.Result{
		Verdict:   internal_privacy.VerdictBlurred,
		FaceCount: 1,
		Processed: []byte{0x01},
	}
}

func blockedResult() internal_privacy.Result {
	return internal_privacy.Result{
		Verdict:   internal_privacy.VerdictBlocked,
		FaceCount: 5,
		Reason:    internal_privacy.ReasonCrowd,
	}
}

// startSpeaking drives idle → listening → analyzing → speaking.
func startSpeaking(t *testing.T, f *FSM) {
	t.Helper()
	require.True(t, f.OnUserAudio(chunk()))
	require.True(t, f.OnUpstreamAudio())
	require.Equal(t, StateSpeaking, f.State())
}

// ============================================================
// Happy path
// ============================================================

func TestInitialStateIsIdle(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	assert.Equal(t, StateIdle, fsm.State())
	assert.Nil(t, fsm.CurrentTurn())
}

func TestUserAudioOpensTurn(t *testing.T) {
	fsm, _, _ := newTestFSM(t)

	assert.True(t, fsm.OnUserAudio(chunk()))
	assert.Equal(t, StateListening, fsm.State())

	turn := fsm.CurrentTurn()
	require.NotNil(t, turn)
	assert.NotEmpty(t, turn.ID)
	assert.False(t, turn.Closed())
	assert.NoError(t, turn.Context().Err())
}

func TestFullTurnLifecycle(t *testing.T) {
	fsm, _, _ := newTestFSM(t)

	require.True(t, fsm.OnUserAudio(chunk()))
	fsm.OnUpstreamText()
	assert.Equal(t, StateAnalyzing, fsm.State())

	// audio forwarding is suspended while analyzing
	assert.False(t, fsm.OnUserAudio(chunk()))

	assert.True(t, fsm.OnUpstreamAudio())
	assert.Equal(t, StateSpeaking, fsm.State())

	fsm.OnUpstreamTurnComplete()
	assert.Equal(t, StateIdle, fsm.State())

	last := fsm.LastTurn()
	require.NotNil(t, last)
	assert.Equal(t, TurnFinished, last.Reason)
	assert.Error(t, last.Context().Err(), "closed turn context should be cancelled")
	assert.Nil(t, fsm.CurrentTurn())

	changes := drainChanges(fsm)
	var path []State
	for i, ch := range changes {
		if i > 0 {
			assert.Equal(t, changes[i-1].To, ch.From, "transitions must chain")
			assert.Greater(t, ch.Seq, changes[i-1].Seq)
		}
		path = append(path, ch.To)
	}
	assert.Equal(t, []State{StateListening, StateAnalyzing, StateSpeaking, StateIdle}, path)
}

func TestAudioChunkStraightFromListening(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	require.True(t, fsm.OnUserAudio(chunk()))

	// first upstream evidence is already audio: the analyzing hop is still
	// observed so paths stay legal
	assert.True(t, fsm.OnUpstreamAudio())
	assert.Equal(t, StateSpeaking, fsm.State())

	changes := drainChanges(fsm)
	require.Len(t, changes, 3)
	assert.Equal(t, StateAnalyzing, changes[1].To)
	assert.Equal(t, StateSpeaking, changes[2].To)
}

func TestTextOnlyTurnReturnsToIdle(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	require.True(t, fsm.OnUserAudio(chunk()))
	fsm.OnUpstreamText()

	fsm.OnUpstreamTurnComplete()
	assert.Equal(t, StateIdle, fsm.State())
	assert.Equal(t, TurnFinished, fsm.LastTurn().Reason)
}

// ============================================================
// Interruption
// ============================================================

func TestBargeInInterrupts(t *testing.T) {
	fsm, det, rec := newTestFSM(t)
	startSpeaking(t, fsm)

	det.fire = true
	forwarded := fsm.OnUserAudio(chunk())

	assert.Equal(t, StateInterrupted, fsm.State())
	assert.True(t, forwarded, "speech right after interruption keeps flowing")
	assert.Equal(t, 1, rec.cancels)
	assert.Equal(t, 1, rec.flushes)
	require.NotNil(t, fsm.LastTurn())
	assert.Equal(t, TurnInterrupted, fsm.LastTurn().Reason)
	assert.Nil(t, fsm.CurrentTurn())
}

func TestInterruptConfirmOpensNewTurn(t *testing.T) {
	fsm, det, _ := newTestFSM(t)
	startSpeaking(t, fsm)

	current := time.Now()
	fsm.now = func() time.Time { return current }

	det.fire = true
	fsm.OnUserAudio(chunk())
	det.fire = false
	firstTurn := fsm.LastTurn()

	// confirmation lands after the tie-break window
	current = current.Add(60 * time.Millisecond)
	fsm.OnUpstreamTurnComplete()

	assert.Equal(t, StateListening, fsm.State())
	assert.Equal(t, TurnInterrupted, firstTurn.Reason)
	newTurn := fsm.CurrentTurn()
	require.NotNil(t, newTurn)
	assert.NotEqual(t, firstTurn.ID, newTurn.ID)
}

func TestTieBreakPrefersTurnComplete(t *testing.T) {
	fsm, det, _ := newTestFSM(t)
	startSpeaking(t, fsm)

	current := time.Now()
	fsm.now = func() time.Time { return current }

	det.fire = true
	fsm.OnUserAudio(chunk())
	det.fire = false
	turn := fsm.LastTurn()
	require.Equal(t, TurnInterrupted, turn.Reason)

	// completion fully received within 50 ms of the interruption
	current = current.Add(30 * time.Millisecond)
	fsm.OnUpstreamTurnComplete()

	assert.Equal(t, TurnFinished, turn.Reason)
	assert.Equal(t, StateListening, fsm.State())
}

func TestClientInterrupt(t *testing.T) {
	fsm, _, rec := newTestFSM(t)
	startSpeaking(t, fsm)

	fsm.OnClientInterrupt()
	assert.Equal(t, StateInterrupted, fsm.State())
	assert.Equal(t, 1, rec.cancels)
	assert.Equal(t, TurnInterrupted, fsm.LastTurn().Reason)
}

func TestClientInterruptIgnoredOutsideSpeaking(t *testing.T) {
	fsm, _, rec := newTestFSM(t)
	require.True(t, fsm.OnUserAudio(chunk()))

	fsm.OnClientInterrupt()
	assert.Equal(t, StateListening, fsm.State())
	assert.Zero(t, rec.cancels)
}

func TestUpstreamInterruptedPassesThroughToListening(t *testing.T) {
	fsm, _, rec := newTestFSM(t)
	startSpeaking(t, fsm)
	drainChanges(fsm)

	fsm.OnUpstreamInterrupted()

	assert.Equal(t, StateListening, fsm.State())
	assert.Equal(t, TurnInterrupted, fsm.LastTurn().Reason)
	assert.Equal(t, 1, rec.flushes)
	// the service ended the turn itself; no cancel goes upstream
	assert.Zero(t, rec.cancels)
	require.NotNil(t, fsm.CurrentTurn())

	changes := drainChanges(fsm)
	require.Len(t, changes, 2)
	assert.Equal(t, StateInterrupted, changes[0].To)
	assert.Equal(t, StateListening, changes[1].To)
}

func TestReconnectMidTurnTimesOutTurn(t *testing.T) {
	fsm, _, rec := newTestFSM(t)
	startSpeaking(t, fsm)

	fsm.OnUpstreamReconnected()

	assert.Equal(t, StateListening, fsm.State())
	assert.Equal(t, TurnTimeout, fsm.LastTurn().Reason)
	assert.Equal(t, 1, rec.flushes)
	require.NotNil(t, fsm.CurrentTurn())
}

func TestReconnectWhileWaitingForConfirm(t *testing.T) {
	fsm, det, _ := newTestFSM(t)
	startSpeaking(t, fsm)
	det.fire = true
	fsm.OnUserAudio(chunk())
	det.fire = false
	require.Equal(t, StateInterrupted, fsm.State())

	fsm.OnUpstreamReconnected()
	assert.Equal(t, StateListening, fsm.State())
	require.NotNil(t, fsm.CurrentTurn())
}

// ============================================================
// Privacy halt
// ============================================================

func TestPrivacyHaltAfterThreeBlocked(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	require.True(t, fsm.OnUserAudio(chunk()))

	assert.False(t, fsm.OnVerdict(blockedResult()))
	assert.False(t, fsm.OnVerdict(blockedResult()))
	assert.False(t, fsm.AudioHalted(), "two blocks are not enough")

	assert.False(t, fsm.OnVerdict(blockedResult()))
	assert.True(t, fsm.AudioHalted())
	assert.False(t, fsm.OnUserAudio(chunk()), "halt pauses audio forwarding")

	// one clear verdict is not enough to resume
	assert.True(t, fsm.OnVerdict(safeResult()))
	assert.True(t, fsm.AudioHalted())

	assert.True(t, fsm.OnVerdict(blurredResult()))
	assert.False(t, fsm.AudioHalted())
	assert.True(t, fsm.OnUserAudio(chunk()))
}

func TestBlockedRunResetByClearVerdict(t *testing.T) {
	fsm, _, _ := newTestFSM(t)

	fsm.OnVerdict(blockedResult())
	fsm.OnVerdict(blockedResult())
	fsm.OnVerdict(safeResult())
	fsm.OnVerdict(blockedResult())
	fsm.OnVerdict(blockedResult())

	assert.False(t, fsm.AudioHalted(), "non-consecutive blocks never halt")
}

func TestVerdictForwardDecision(t *testing.T) {
	fsm, _, _ := newTestFSM(t)

	assert.True(t, fsm.OnVerdict(safeResult()))
	assert.True(t, fsm.OnVerdict(blurredResult()))
	assert.False(t, fsm.OnVerdict(blockedResult()), "blocked frames are never forwarded")
}

func TestHaltedIdleDoesNotOpenTurn(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	fsm.OnVerdict(blockedResult())
	fsm.OnVerdict(blockedResult())
	fsm.OnVerdict(blockedResult())
	require.True(t, fsm.AudioHalted())

	assert.False(t, fsm.OnUserAudio(chunk()))
	assert.Equal(t, StateIdle, fsm.State())
	assert.Nil(t, fsm.CurrentTurn())
}

// ============================================================
// Fatal
// ============================================================

func TestUpstreamFatal(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	startSpeaking(t, fsm)

	fsm.OnUpstreamFatal(commons.UpstreamUnavailable("gone", nil))

	assert.Equal(t, StateFatal, fsm.State())
	assert.Equal(t, TurnError, fsm.LastTurn().Reason)
	assert.False(t, fsm.OnUserAudio(chunk()))
	assert.False(t, fsm.OnUpstreamAudio())

	// the change stream terminates
	changes := drainChanges(fsm)
	require.NotEmpty(t, changes)
	assert.Equal(t, StateFatal, changes[len(changes)-1].To)
}

func TestTerminateIsIdempotent(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	fsm.Terminate("session closed")
	fsm.Terminate("session closed")
	assert.Equal(t, StateFatal, fsm.State())
}

func TestEventsAfterFatalAreNoOps(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	fsm.Terminate("session closed")

	fsm.OnUpstreamTurnComplete()
	fsm.OnUpstreamInterrupted()
	fsm.OnUpstreamReconnected()
	fsm.OnSpatialQuery()
	fsm.OnClientInterrupt()

	assert.Equal(t, StateFatal, fsm.State())
}

// ============================================================
// Spatial queries
// ============================================================

func TestSpatialQuerySuspendsForwarding(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	require.True(t, fsm.OnUserAudio(chunk()))

	fsm.OnSpatialQuery()
	assert.Equal(t, StateAnalyzing, fsm.State())
	assert.False(t, fsm.OnUserAudio(chunk()))

	// first audio chunk resumes the normal flow
	assert.True(t, fsm.OnUpstreamAudio())
	assert.Equal(t, StateSpeaking, fsm.State())
}

func TestStaleUpstreamAudioDropped(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	assert.False(t, fsm.OnUpstreamAudio(), "no audio routed while idle")

	startSpeaking(t, fsm)
	fsm.OnClientInterrupt()
	assert.False(t, fsm.OnUpstreamAudio(), "no audio routed while interrupted")
}
