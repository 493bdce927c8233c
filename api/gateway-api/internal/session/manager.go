// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"context"
	"sync"
	"time"

	internal_audio "github.com/rapidaai/alchemist/api/gateway-api/internal/audio"
	internal_upstream "github.com/rapidaai/alchemist/api/gateway-api/internal/upstream"
	internal_vad "github.com/rapidaai/alchemist/api/gateway-api/internal/vad"
	internal_video "github.com/rapidaai/alchemist/api/gateway-api/internal/video"
	"github.com/rapidaai/alchemist/pkg/commons"
	"github.com/rapidaai/alchemist/pkg/utils"
)

const (
	// DefaultIdleTimeout reaps sessions with no media or signaling traffic.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultMaxLifetime bounds a session regardless of activity.
	DefaultMaxLifetime = time.Hour

	// DefaultSampleInterval is the still-frame cadence toward the upstream.
	DefaultSampleInterval = time.Second

	watchdogInterval = 10 * time.Second
)

var defaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// BridgeFactory builds the upstream leg for one session. Production wires
// internal_upstream.NewBridge; tests substitute a fake.
type BridgeFactory func(ctx context.Context, logger commons.Logger, cfg internal_upstream.Config) (LiveBridge, error)

// DefaultBridgeFactory dials the Live service.
func DefaultBridgeFactory(ctx context.Context, logger commons.Logger, cfg internal_upstream.Config) (LiveBridge, error) {
	return internal_upstream.NewBridge(ctx, logger, cfg)
}

// Config carries everything a session needs besides its peer connection.
type Config struct {
	Live     internal_upstream.Config
	Detector internal_vad.Config

	ICEServers     []string
	SampleInterval time.Duration
	ImageQuality   int
	ImageMaxPx     int

	IdleTimeout time.Duration
	MaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.ICEServers) == 0 {
		c.ICEServers = defaultICEServers
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.ImageQuality <= 0 {
		c.ImageQuality = internal_video.MinJPEGQuality
	}
	if c.ImageMaxPx <= 0 {
		c.ImageMaxPx = internal_video.DefaultMaxPx
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	return c
}

// Manager owns the session table: creation through SDP negotiation, lookup
// for the signaling channel, and reaping of idle or expired sessions.
type Manager struct {
	logger commons.Logger
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	shield    FrameClassifier
	resampler internal_audio.AudioResampler
	newBridge BridgeFactory

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(ctx context.Context, logger commons.Logger, cfg Config, shield FrameClassifier, newBridge BridgeFactory) (*Manager, error) {
	resampler, err := internal_audio.GetResampler(logger)
	if err != nil {
		return nil, err
	}
	if newBridge == nil {
		newBridge = DefaultBridgeFactory
	}
	mctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		logger:    logger,
		cfg:       cfg.withDefaults(),
		ctx:       mctx,
		cancel:    cancel,
		shield:    shield,
		resampler: resampler,
		newBridge: newBridge,
		sessions:  make(map[string]*Session),
	}
	utils.Go(mctx, m.runWatchdog)
	return m, nil
}

// Negotiate creates a session, applies the offer, and returns it with the
// answer SDP. A session that fails negotiation never reaches the table alive.
func (m *Manager) Negotiate(offerSDP string) (*Session, string, error) {
	s, err := newSession(m.ctx, m.logger, m.cfg, m.shield, m.resampler, m.newBridge)
	if err != nil {
		m.logger.Errorw("session creation failed", "error", err)
		return nil, "", commons.UpstreamUnavailable("could not establish live session", err)
	}

	answer, err := s.Negotiate(offerSDP)
	if err != nil {
		_ = s.Close("negotiation failed")
		return nil, "", err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Infow("session created", "session", s.ID, "state", s.State())
	return s, answer, nil
}

// Get resolves a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, commons.SessionNotFound(id)
	}
	return s, nil
}

// Close tears one session down and drops it from the table.
func (m *Manager) Close(id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return commons.SessionNotFound(id)
	}
	return s.Close(reason)
}

// Count reports live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and stops the watchdog.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close("server shutdown")
	}
	m.cancel()
}

func (m *Manager) runWatchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.reapOnce(now)
		}
	}
}

// reapOnce removes dead sessions and closes ones past their idle or
// lifetime budget.
func (m *Manager) reapOnce(now time.Time) {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	for _, s := range candidates {
		select {
		case <-s.Done():
			m.mu.Lock()
			delete(m.sessions, s.ID)
			m.mu.Unlock()
			continue
		default:
		}
		if now.Sub(s.CreatedAt) > m.cfg.MaxLifetime {
			m.logger.Infow("session exceeded lifetime", "session", s.ID)
			_ = m.Close(s.ID, "session lifetime exceeded")
			continue
		}
		if s.idleFor(now) > m.cfg.IdleTimeout {
			m.logger.Infow("session idle", "session", s.ID)
			_ = m.Close(s.ID, "idle timeout")
		}
	}
}
