// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rapidaai/alchemist/pkg/commons"
	"github.com/rapidaai/alchemist/pkg/utils"
)

const (
	// LiveEndpoint is the bidirectional generation endpoint of the upstream
	// service.
	LiveEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// DefaultConnectTimeout bounds the dial plus setup acknowledgement.
	DefaultConnectTimeout = 10 * time.Second

	// Reconnect policy for transient connection loss.
	DefaultReconnectBase = 500 * time.Millisecond
	DefaultReconnectCap  = 10 * time.Second
	DefaultMaxReconnects = 5

	// reconnectBufferChunks is 2 s of 20 ms audio frames held while the
	// connection is being re-established. Older chunks are discarded first.
	reconnectBufferChunks = 100

	eventChannelSize = 256
)

// DefaultSystemInstruction primes the live model as the design assistant the
// browser client expects.
const DefaultSystemInstruction = `You are an AI architectural assistant that helps users transform their living spaces.

Key capabilities:
- Analyze architectural elements in real-time video
- Provide design suggestions based on room layout
- Handle interruptions gracefully
- Remember conversation context

Always be helpful, creative, and prioritize user privacy.`

// Config carries everything needed to open and keep a live session.
type Config struct {
	Endpoint          string
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	ConnectTimeout    time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	MaxReconnects     int
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = LiveEndpoint
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = DefaultSystemInstruction
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = DefaultReconnectCap
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	return c
}

// Bridge owns one live session with the upstream generative service. Audio
// and stills go up; synthesized audio and text events come back on Events().
//
// Send calls never block on the network outage window: audio is ring-buffered
// (drop-oldest) and stills collapse to the newest one until the connection is
// restored. When the reconnect budget is exhausted the bridge emits a single
// EventError and closes the event stream.
type Bridge struct {
	logger commons.Logger
	cfg    Config
	setup  setupMessage

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event

	mu           sync.Mutex
	conn         *liveConn
	connected    bool
	ring         *audioRing
	pendingStill []byte

	dropDeltas atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
}

// NewBridge dials the live service, completes the setup handshake, and
// starts the receive loop. The supplied context scopes the bridge: its
// cancellation aborts send and receive.
func NewBridge(ctx context.Context, logger commons.Logger, cfg Config) (*Bridge, error) {
	start := time.Now()
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("live api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("live model is required")
	}

	setup := newSetupMessage(cfg.Model, cfg.Voice, cfg.SystemInstruction)
	conn, err := dialLive(ctx, cfg.Endpoint, cfg.APIKey, setup, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		logger:    logger,
		cfg:       cfg,
		setup:     setup,
		ctx:       bridgeCtx,
		cancel:    cancel,
		events:    make(chan Event, eventChannelSize),
		conn:      conn,
		connected: true,
		ring:      newAudioRing(reconnectBufferChunks),
	}
	utils.Go(bridgeCtx, b.run)

	logger.Benchmark("UpstreamBridge.Connect", time.Since(start))
	return b, nil
}

// Events returns the upstream event stream. The channel is closed when the
// bridge shuts down, after any terminal EventError.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// SendAudio forwards one PCM16 mono 16 kHz chunk. During a reconnect window
// the chunk is buffered (drop-oldest beyond 2 s) and replayed in capture
// order once the connection is restored.
func (b *Bridge) SendAudio(pcm []byte) error {
	if b.closed.Load() {
		return fmt.Errorf("upstream bridge is closed")
	}
	b.mu.Lock()
	if !b.connected {
		b.ring.push(pcm)
		b.mu.Unlock()
		return nil
	}
	conn := b.conn
	b.mu.Unlock()

	if err := conn.sendJSON(newMediaMessage(audioMimeType, pcm)); err != nil {
		// The read loop observes the same failure and drives the reconnect;
		// keep the chunk so the replay preserves capture order.
		b.logger.Debugf("audio send failed, buffering: %v", err)
		b.mu.Lock()
		b.ring.push(pcm)
		b.mu.Unlock()
	}
	return nil
}

// SendImage forwards one JPEG still. While disconnected only the newest
// still is retained.
func (b *Bridge) SendImage(jpegData []byte) error {
	if b.closed.Load() {
		return fmt.Errorf("upstream bridge is closed")
	}
	b.mu.Lock()
	if !b.connected {
		b.pendingStill = jpegData
		b.mu.Unlock()
		return nil
	}
	conn := b.conn
	b.mu.Unlock()

	if err := conn.sendJSON(newMediaMessage(imageMimeType, jpegData)); err != nil {
		b.logger.Debugf("still send failed, retaining newest: %v", err)
		b.mu.Lock()
		b.pendingStill = jpegData
		b.mu.Unlock()
	}
	return nil
}

// SendText submits a complete user text turn.
func (b *Bridge) SendText(text string) error {
	if b.closed.Load() {
		return fmt.Errorf("upstream bridge is closed")
	}
	b.mu.Lock()
	conn, connected := b.conn, b.connected
	b.mu.Unlock()
	if !connected {
		return fmt.Errorf("upstream bridge is reconnecting")
	}
	return conn.sendJSON(newTextMessage(text))
}

// CancelTurn abandons the in-flight model response: an explicit end-of-turn
// marker goes upstream and audio/text deltas are suppressed until the
// service confirms the turn boundary with turnComplete or interrupted.
func (b *Bridge) CancelTurn() error {
	if b.closed.Load() {
		return fmt.Errorf("upstream bridge is closed")
	}
	b.dropDeltas.Store(true)
	b.mu.Lock()
	conn, connected := b.conn, b.connected
	b.mu.Unlock()
	if !connected {
		return nil
	}
	return conn.sendJSON(newEndOfTurnMessage())
}

// DroppedAudio reports how many buffered chunks were discarded during
// reconnect windows.
func (b *Bridge) DroppedAudio() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.dropped
}

// Close tears the session down. Safe to call more than once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.cancel()
		b.mu.Lock()
		if b.conn != nil {
			b.conn.close()
			b.conn = nil
		}
		b.connected = false
		b.mu.Unlock()
	})
	return nil
}

// run owns the receive side for the life of the bridge, replacing the
// connection on transient failures.
func (b *Bridge) run() {
	defer close(b.events)
	for {
		err := b.readLoop()
		if b.closed.Load() || b.ctx.Err() != nil {
			return
		}
		b.logger.Warnf("live connection lost: %v", err)
		b.teardownConn()
		if !b.restoreConn() {
			if b.closed.Load() || b.ctx.Err() != nil {
				return
			}
			b.emit(Event{
				Type: EventError,
				Err:  commons.UpstreamUnavailable("live service unreachable after retries", err),
			})
			return
		}
	}
}

func (b *Bridge) readLoop() error {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("no live connection")
		}

		raw, err := conn.readMessage()
		if err != nil {
			return err
		}
		msg, err := parseServerMessage(raw)
		if err != nil {
			b.logger.Errorf("failed to parse live message: %v", err)
			continue
		}
		b.handleServerMessage(msg)
	}
}

// handleServerMessage translates one service frame into events. Fields are
// independent; a frame may carry content and usage together.
func (b *Bridge) handleServerMessage(msg *serverMessage) {
	if msg.ServerContent != nil {
		sc := msg.ServerContent
		if sc.Interrupted {
			b.dropDeltas.Store(false)
			b.emit(Event{Type: EventInterrupted})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if b.dropDeltas.Load() {
					continue
				}
				if part.Text != "" {
					b.emit(Event{Type: EventTextDelta, Text: part.Text})
				}
				if isAudioPart(part) {
					pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
					if err != nil {
						b.logger.Errorf("failed to decode audio chunk: %v", err)
						continue
					}
					b.emit(Event{Type: EventAudioChunk, PCM: pcm})
				}
			}
		}
		if sc.TurnComplete {
			b.dropDeltas.Store(false)
			b.emit(Event{Type: EventTurnComplete})
		}
	}
	if msg.UsageMetadata != nil {
		b.emit(Event{Type: EventUsage, Usage: Usage{
			PromptTokens:   msg.UsageMetadata.PromptTokenCount,
			ResponseTokens: msg.UsageMetadata.ResponseTokenCount,
			TotalTokens:    msg.UsageMetadata.TotalTokenCount,
		}})
	}
}

// emit delivers in source order; it parks on the consumer rather than
// reordering or dropping.
func (b *Bridge) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.ctx.Done():
	}
}

func (b *Bridge) teardownConn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	if b.conn != nil {
		b.conn.close()
		b.conn = nil
	}
}

// restoreConn retries with bounded exponential backoff. On success buffered
// media is replayed before new sends resume.
func (b *Bridge) restoreConn() bool {
	backoff := b.cfg.ReconnectBase
	for attempt := 1; attempt <= b.cfg.MaxReconnects; attempt++ {
		select {
		case <-b.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := dialLive(b.ctx, b.cfg.Endpoint, b.cfg.APIKey, b.setup, b.cfg.ConnectTimeout)
		if err == nil {
			b.logger.Infof("live connection restored on attempt %d", attempt)
			b.installConn(conn)
			b.emit(Event{Type: EventReconnected})
			return true
		}
		b.logger.Warnf("live reconnect %d/%d failed: %v", attempt, b.cfg.MaxReconnects, err)

		backoff *= 2
		if backoff > b.cfg.ReconnectCap {
			backoff = b.cfg.ReconnectCap
		}
	}
	return false
}

func (b *Bridge) installConn(conn *liveConn) {
	// a cancelled turn's confirmation died with the old connection
	b.dropDeltas.Store(false)

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	buffered := b.ring.drain()
	still := b.pendingStill
	b.pendingStill = nil
	b.mu.Unlock()

	for _, chunk := range buffered {
		if err := conn.sendJSON(newMediaMessage(audioMimeType, chunk)); err != nil {
			b.logger.Warnf("failed to replay buffered audio: %v", err)
			return
		}
	}
	if still != nil {
		if err := conn.sendJSON(newMediaMessage(imageMimeType, still)); err != nil {
			b.logger.Warnf("failed to replay buffered still: %v", err)
		}
	}
}
