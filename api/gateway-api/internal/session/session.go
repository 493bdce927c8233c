// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	internal_audio "github.com/rapidaai/alchemist/api/gateway-api/internal/audio"
	internal_conversation "github.com/rapidaai/alchemist/api/gateway-api/internal/conversation"
	internal_privacy "github.com/rapidaai/alchemist/api/gateway-api/internal/privacy"
	internal_sampler "github.com/rapidaai/alchemist/api/gateway-api/internal/sampler"
	internal_upstream "github.com/rapidaai/alchemist/api/gateway-api/internal/upstream"
	internal_vad "github.com/rapidaai/alchemist/api/gateway-api/internal/vad"
	internal_video "github.com/rapidaai/alchemist/api/gateway-api/internal/video"
	"github.com/rapidaai/alchemist/pkg/commons"
	"github.com/rapidaai/alchemist/pkg/utils"
)

const (
	rtpBufferSize        = 1500
	signalBufferSize     = 64
	maxConsecutiveErrors = 50

	opusPayloadType = 111
	pcmuPayloadType = 0
	pcmaPayloadType = 8
	vp8PayloadType  = 96

	opusSDPFmtpLine = "minptime=10;useinbandfec=1"
)

// LiveBridge is the slice of the upstream bridge the session drives.
// *internal_upstream.Bridge satisfies it; tests plug in a fake.
type LiveBridge interface {
	Events() <-chan internal_upstream.Event
	SendAudio(pcm []byte) error
	SendImage(jpegData []byte) error
	SendText(text string) error
	CancelTurn() error
	DroppedAudio() uint64
	Close() error
}

// FrameClassifier is the privacy stage. *internal_privacy.Shield satisfies it.
type FrameClassifier interface {
	Classify(ctx context.Context, jpegData []byte) internal_privacy.Result
}

// Signal is one outbound message for the session's signaling channel.
type Signal struct {
	Type      string                       `json:"type"`
	Candidate *pionwebrtc.ICECandidateInit `json:"candidate,omitempty"`
	State     string                       `json:"state,omitempty"`
	Seq       uint64                       `json:"seq,omitempty"`
	Reason    string                       `json:"reason,omitempty"`
}

// Session owns one peer connection and everything behind it: codecs,
// sampler, privacy stage, conversation state, and the upstream bridge. It is
// created by the Manager and destroyed through Close exactly once.
type Session struct {
	ID        string
	CreatedAt time.Time

	logger commons.Logger
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	pc     *pionwebrtc.PeerConnection
	egress *pionwebrtc.TrackLocalStaticSample

	bridge    LiveBridge
	fsm       *internal_conversation.FSM
	sampler   *internal_sampler.Sampler
	shield    FrameClassifier
	detector  internal_vad.SpeechDetector
	resampler internal_audio.AudioResampler

	opusEncoder  *internal_audio.OpusCodec
	silenceFrame []byte

	outputMu      sync.Mutex
	outputBuffer  *bytes.Buffer
	outputStarted bool

	signals chan Signal

	lastActivity atomic.Int64
	closeOnce    sync.Once
	closeErr     error
}

func newSession(
	parent context.Context,
	logger commons.Logger,
	cfg Config,
	shield FrameClassifier,
	resampler internal_audio.AudioResampler,
	newBridge BridgeFactory,
) (*Session, error) {
	ctx, cancel := context.WithCancel(parent)

	opusEncoder, err := internal_audio.NewOpusCodec()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create egress Opus codec: %w", err)
	}
	frameBytes := internal_audio.WEBRTC_AUDIO_CONFIG.FrameBytes(internal_audio.FrameDuration)
	silenceFrame, err := opusEncoder.Encode(make([]byte, frameBytes))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to encode silence frame: %w", err)
	}

	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now(),
		logger:       logger,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		shield:       shield,
		resampler:    resampler,
		opusEncoder:  opusEncoder,
		silenceFrame: silenceFrame,
		outputBuffer: new(bytes.Buffer),
		signals:      make(chan Signal, signalBufferSize),
	}
	s.touch()

	s.bridge, err = newBridge(ctx, logger, cfg.Live)
	if err != nil {
		cancel()
		return nil, err
	}

	s.detector, err = internal_vad.GetSpeechDetector(logger, cfg.Detector)
	if err != nil {
		cancel()
		_ = s.bridge.Close()
		return nil, fmt.Errorf("failed to create speech detector: %w", err)
	}

	s.fsm = internal_conversation.NewFSM(ctx, logger, s.detector, internal_conversation.Hooks{
		CancelTurn:  func() { _ = s.bridge.CancelTurn() },
		FlushEgress: s.clearOutputBuffer,
	})
	s.sampler = internal_sampler.NewSampler(logger, cfg.SampleInterval)

	if err := s.createPeerConnection(); err != nil {
		cancel()
		_ = s.bridge.Close()
		_ = s.detector.Close()
		return nil, err
	}

	utils.Go(ctx, s.runUpstreamEvents)
	utils.Go(ctx, s.runStillWorker)
	utils.Go(ctx, s.runStateNotifier)

	return s, nil
}

// ============================================================
// Peer connection
// ============================================================

func (s *Session) createPeerConnection() error {
	mediaEngine := &pionwebrtc.MediaEngine{}

	// Opus - primary audio codec
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:    pionwebrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: opusSDPFmtpLine,
		},
		PayloadType: opusPayloadType,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("failed to register Opus: %w", err)
	}

	// G.711 fallback for peers that cannot do Opus
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypePCMU,
			ClockRate: 8000,
			Channels:  1,
		},
		PayloadType: pcmuPayloadType,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypePCMA,
			ClockRate: 8000,
			Channels:  1,
		},
		PayloadType: pcmaPayloadType,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("failed to register PCMA: %w", err)
	}

	// VP8 for the room video
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: vp8PayloadType,
	}, pionwebrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("failed to register VP8: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return fmt.Errorf("failed to register interceptors: %w", err)
	}
	// Periodic PLI keeps keyframes coming for the still sampler.
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return fmt.Errorf("failed to create PLI interceptor: %w", err)
	}
	registry.Add(pli)

	api := pionwebrtc.NewAPI(
		pionwebrtc.WithMediaEngine(mediaEngine),
		pionwebrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(pionwebrtc.Configuration{
		ICEServers: []pionwebrtc.ICEServer{{URLs: s.cfg.ICEServers}},
	})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	s.pc = pc

	s.setupPeerEventHandlers()
	return s.createEgressTrack()
}

func (s *Session) setupPeerEventHandlers() {
	s.pc.OnICECandidate(func(c *pionwebrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.emitSignal(Signal{Type: "candidate", Candidate: &init})
	})

	s.pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		s.logger.Infow("peer connection state", "session", s.ID, "state", state.String())
		switch state {
		case pionwebrtc.PeerConnectionStateConnected:
			s.outputMu.Lock()
			started := s.outputStarted
			s.outputStarted = true
			s.outputMu.Unlock()
			if !started {
				utils.Go(s.ctx, s.runOutputSender)
			}
		case pionwebrtc.PeerConnectionStateFailed, pionwebrtc.PeerConnectionStateClosed:
			utils.Go(nil, func() { _ = s.Close("peer connection " + state.String()) })
		}
	})

	s.pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		s.logger.Infow("remote track", "session", s.ID, "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		switch track.Kind() {
		case pionwebrtc.RTPCodecTypeAudio:
			utils.Go(s.ctx, func() { s.readAudioTrack(track) })
		case pionwebrtc.RTPCodecTypeVideo:
			utils.Go(s.ctx, func() { s.readVideoTrack(track) })
		}
	})
}

func (s *Session) createEgressTrack() error {
	track, err := pionwebrtc.NewTrackLocalStaticSample(
		pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		"audio",
		"alchemist-voice",
	)
	if err != nil {
		return fmt.Errorf("failed to create egress track: %w", err)
	}
	if _, err := s.pc.AddTrack(track); err != nil {
		return fmt.Errorf("failed to add egress track: %w", err)
	}
	s.egress = track
	return nil
}

// Negotiate applies the browser's offer and produces the answer. ICE
// candidates trickle over the signaling channel afterwards.
func (s *Session) Negotiate(offerSDP string) (string, error) {
	err := s.pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeOffer,
		SDP:  offerSDP,
	})
	if err != nil {
		return "", commons.BadRequest("malformed SDP offer")
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", commons.Internal(fmt.Errorf("failed to create answer: %w", err))
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", commons.Internal(fmt.Errorf("failed to set local description: %w", err))
	}
	return answer.SDP, nil
}

// ============================================================
// Client signaling inputs
// ============================================================

// AddCandidate applies one trickled ICE candidate in arrival order.
func (s *Session) AddCandidate(init pionwebrtc.ICECandidateInit) error {
	s.touch()
	if err := s.pc.AddICECandidate(init); err != nil {
		return commons.BadRequest("invalid ICE candidate")
	}
	return nil
}

// ClientInterrupt is the explicit barge-in button.
func (s *Session) ClientInterrupt() {
	s.touch()
	s.fsm.OnClientInterrupt()
}

// SpatialQuery marks the conversation as analyzing and, when the client sent
// a question, forwards it upstream as a text turn so the answer is spoken.
func (s *Session) SpatialQuery(prompt string) {
	s.touch()
	s.fsm.OnSpatialQuery()
	if prompt == "" {
		return
	}
	if err := s.bridge.SendText(prompt); err != nil {
		s.logger.Debugf("spatial prompt forward failed: %v", err)
	}
}

// Signals is the outbound half of the signaling channel.
func (s *Session) Signals() <-chan Signal {
	return s.signals
}

// State reports the current conversation state.
func (s *Session) State() internal_conversation.State {
	return s.fsm.State()
}

// Done closes when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// ============================================================
// Media pipelines
// ============================================================

func (s *Session) readAudioTrack(track *pionwebrtc.TrackRemote) {
	mimeType := track.Codec().MimeType

	var decode func(payload []byte) ([]byte, error)
	var from internal_audio.AudioConfig
	switch mimeType {
	case pionwebrtc.MimeTypeOpus:
		decoder, err := internal_audio.NewOpusCodec()
		if err != nil {
			s.logger.Errorw("failed to create Opus decoder", "session", s.ID, "error", err)
			return
		}
		decode = decoder.Decode
		from = internal_audio.WEBRTC_AUDIO_CONFIG
	case pionwebrtc.MimeTypePCMU:
		decode = func(payload []byte) ([]byte, error) {
			return internal_audio.DecodeG711(payload, internal_audio.MuLaw8)
		}
		from = internal_audio.AudioConfig{SampleRate: 8000, Channels: 1, Format: internal_audio.Linear16}
	case pionwebrtc.MimeTypePCMA:
		decode = func(payload []byte) ([]byte, error) {
			return internal_audio.DecodeG711(payload, internal_audio.ALaw8)
		}
		from = internal_audio.AudioConfig{SampleRate: 8000, Channels: 1, Format: internal_audio.Linear16}
	default:
		s.logger.Errorw("unsupported audio codec", "session", s.ID, "codec", mimeType)
		return
	}

	buf := make([]byte, rtpBufferSize)
	consecutiveErrors := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				s.logger.Errorw("audio track read failing, giving up", "session", s.ID, "error", err)
				return
			}
			continue
		}
		consecutiveErrors = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil || len(pkt.Payload) == 0 {
			continue
		}

		pcm, err := decode(pkt.Payload)
		if err != nil {
			continue
		}
		pcm16k, err := s.resampler.Resample(pcm, from, internal_audio.LIVE_AUDIO_CONFIG)
		if err != nil {
			continue
		}

		s.touch()
		s.handleUserAudio(pcm16k)
	}
}

// handleUserAudio forwards one 16 kHz chunk when the conversation allows it.
func (s *Session) handleUserAudio(pcm []byte) {
	if !s.fsm.OnUserAudio(pcm) {
		return
	}
	if err := s.bridge.SendAudio(pcm); err != nil {
		s.logger.Debugf("audio forward failed: %v", err)
	}
}

func (s *Session) readVideoTrack(track *pionwebrtc.TrackRemote) {
	assembler := internal_video.NewVP8Assembler()
	buf := make([]byte, rtpBufferSize)
	consecutiveErrors := 0
	// A due still waits for the next keyframe; delta frames cannot be
	// decoded standalone.
	stillPending := false

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				s.logger.Errorw("video track read failing, giving up", "session", s.ID, "error", err)
				return
			}
			continue
		}
		consecutiveErrors = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		frame, complete := assembler.Push(pkt)
		if !complete {
			continue
		}
		s.touch()

		now := time.Now()
		frameSeq, due := s.sampler.ObserveFrame(now)
		if due {
			stillPending = true
		}
		if !stillPending || !internal_video.IsKeyframe(frame) {
			continue
		}

		img, err := internal_video.DecodeKeyframe(frame)
		if err != nil {
			s.logger.Debugf("keyframe decode failed: %v", err)
			continue
		}
		jpegData, err := internal_video.EncodeJPEG(img, s.cfg.ImageQuality, s.cfg.ImageMaxPx)
		if err != nil {
			s.logger.Debugf("still encode failed: %v", err)
			continue
		}
		s.sampler.Publish(frameSeq, now, jpegData)
		stillPending = false
	}
}

// runStillWorker classifies sampled stills and forwards the survivors.
func (s *Session) runStillWorker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case still := <-s.sampler.Stills():
			s.handleStill(still)
		}
	}
}

func (s *Session) handleStill(still internal_sampler.StillFrame) {
	result := s.shield.Classify(s.ctx, still.JPEG)
	if !s.fsm.OnVerdict(result) {
		return
	}
	payload := still.JPEG
	if result.Verdict == internal_privacy.VerdictBlurred {
		payload = result.Processed
	}
	if err := s.bridge.SendImage(payload); err != nil {
		s.logger.Debugf("still forward failed: %v", err)
	}
}

// ============================================================
// Upstream events
// ============================================================

func (s *Session) runUpstreamEvents() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.bridge.Events():
			if !ok {
				_ = s.Close("upstream closed")
				return
			}
			s.handleUpstreamEvent(ev)
		}
	}
}

func (s *Session) handleUpstreamEvent(ev internal_upstream.Event) {
	switch ev.Type {
	case internal_upstream.EventAudioChunk:
		if !s.fsm.OnUpstreamAudio() {
			return
		}
		s.queueEgressAudio(ev.PCM)
	case internal_upstream.EventTextDelta:
		s.fsm.OnUpstreamText()
		s.logger.Debugw("model text", "session", s.ID, "text", ev.Text)
	case internal_upstream.EventTurnComplete:
		s.fsm.OnUpstreamTurnComplete()
	case internal_upstream.EventInterrupted:
		s.fsm.OnUpstreamInterrupted()
	case internal_upstream.EventReconnected:
		s.fsm.OnUpstreamReconnected()
	case internal_upstream.EventUsage:
		s.logger.Infow("upstream usage",
			"session", s.ID,
			"prompt_tokens", ev.Usage.PromptTokens,
			"response_tokens", ev.Usage.ResponseTokens,
			"total_tokens", ev.Usage.TotalTokens)
	case internal_upstream.EventError:
		s.fsm.OnUpstreamFatal(ev.Err)
		_ = s.Close("upstream fatal")
	}
}

// ============================================================
// Egress audio
// ============================================================

func (s *Session) queueEgressAudio(pcm16k []byte) {
	pcm48k, err := s.resampler.Resample(pcm16k, internal_audio.LIVE_AUDIO_CONFIG, internal_audio.WEBRTC_AUDIO_CONFIG)
	if err != nil {
		s.logger.Debugf("egress resample failed: %v", err)
		return
	}
	s.outputMu.Lock()
	s.outputBuffer.Write(pcm48k)
	s.outputMu.Unlock()
}

func (s *Session) clearOutputBuffer() {
	s.outputMu.Lock()
	s.outputBuffer.Reset()
	s.outputMu.Unlock()
}

// runOutputSender paces synthesized audio onto the egress track at frame
// cadence, producing silence when nothing is queued.
func (s *Session) runOutputSender() {
	ticker := time.NewTicker(internal_audio.FrameDuration)
	defer ticker.Stop()

	frameBytes := internal_audio.WEBRTC_AUDIO_CONFIG.FrameBytes(internal_audio.FrameDuration)
	chunk := make([]byte, frameBytes)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.outputMu.Lock()
			n, _ := s.outputBuffer.Read(chunk)
			s.outputMu.Unlock()

			sample := s.silenceFrame
			if n > 0 {
				for i := n; i < frameBytes; i++ {
					chunk[i] = 0
				}
				encoded, err := s.opusEncoder.Encode(chunk)
				if err != nil {
					continue
				}
				sample = encoded
			}
			if err := s.egress.WriteSample(media.Sample{
				Data:     sample,
				Duration: internal_audio.FrameDuration,
			}); err != nil {
				s.logger.Debugf("egress write failed: %v", err)
			}
		}
	}
}

// ============================================================
// Notifications and lifecycle
// ============================================================

func (s *Session) runStateNotifier() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case change, ok := <-s.fsm.Changes():
			if !ok {
				return
			}
			s.emitSignal(Signal{Type: "state", State: string(change.To), Seq: change.Seq})
		}
	}
}

// emitSignal never blocks; a slow signaling consumer loses notifications
// rather than stalling media.
func (s *Session) emitSignal(sig Signal) {
	select {
	case s.signals <- sig:
	default:
		s.logger.Debugw("signal dropped, channel full", "session", s.ID, "type", sig.Type)
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// Close tears the session down exactly once: conversation terminated,
// signaling notified, media and upstream released.
func (s *Session) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.logger.Infow("session closing",
			"session", s.ID,
			"reason", reason,
			"dropped_audio", s.bridge.DroppedAudio(),
			"dropped_stills", s.sampler.DroppedStills())
		s.fsm.Terminate(reason)
		s.emitSignal(Signal{Type: "closed", Reason: reason})
		s.cancel()
		var errs []error
		if s.pc != nil {
			if err := s.pc.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.bridge.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.detector.Close(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
