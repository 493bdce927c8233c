// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package gateway_talk_api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	pionwebrtc "github.com/pion/webrtc/v4"

	gateway_api "github.com/rapidaai/alchemist/api/gateway-api/api"
	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	internal_session "github.com/rapidaai/alchemist/api/gateway-api/internal/session"
	"github.com/rapidaai/alchemist/pkg/commons"
	"github.com/rapidaai/alchemist/pkg/utils"
)

// The WebSocket carries ONLY signaling (ICE candidates, state changes,
// interrupts). Media flows through the peer connection's SRTP tracks.
var signalingUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type TalkApi struct {
	cfg      *config.AppConfig
	logger   commons.Logger
	sessions *internal_session.Manager
}

func NewTalkApi(cfg *config.AppConfig, logger commons.Logger, sessions *internal_session.Manager) *TalkApi {
	return &TalkApi{cfg: cfg, logger: logger, sessions: sessions}
}

type offerRequest struct {
	SDP  string `json:"sdp" binding:"required"`
	Type string `json:"type" binding:"required"`
}

// clientMessage is everything the browser may send over the signaling socket.
type clientMessage struct {
	Type      string                       `json:"type"`
	Candidate *pionwebrtc.ICECandidateInit `json:"candidate,omitempty"`
	Prompt    string                       `json:"prompt,omitempty"`
}

// Negotiate handles POST /webrtc: one offer in, one answer out. The session
// starts dialing the upstream service before the answer is returned, so a
// 503 here means the live backend could not be reached.
func (tApi *TalkApi) Negotiate(c *gin.Context) {
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		gateway_api.RenderError(c, tApi.logger, commons.BadRequest("sdp and type are required"))
		return
	}
	if req.Type != "offer" {
		gateway_api.RenderError(c, tApi.logger, commons.BadRequest("type must be \"offer\""))
		return
	}

	s, answer, err := tApi.sessions.Negotiate(req.SDP)
	if err != nil {
		gateway_api.RenderError(c, tApi.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sdp":        answer,
		"type":       "answer",
		"session_id": s.ID,
	})
}

// Signal handles WS /ws?session_id=…: trickled ICE both ways, state change
// notifications outward, interrupt and spatial triggers inward.
func (tApi *TalkApi) Signal(c *gin.Context) {
	conn, err := signalingUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		tApi.logger.Errorf("signaling upgrade failed: %v", err)
		return
	}

	s, err := tApi.sessions.Get(c.Query("session_id"))
	if err != nil {
		svcErr := commons.AsServiceError(err)
		_ = conn.WriteJSON(gin.H{"type": "error", "kind": svcErr.Kind, "message": svcErr.Message})
		_ = conn.Close()
		return
	}

	tApi.pump(s, conn)
}

// pump runs the socket until either side goes away. The writer goroutine is
// the only writer on the connection; losing the socket does not end the
// session (the idle watchdog does), so the browser may reconnect.
func (tApi *TalkApi) pump(s *internal_session.Session, conn *websocket.Conn) {
	defer conn.Close()

	readerDone := make(chan struct{})
	utils.Go(nil, func() {
		for {
			select {
			case <-readerDone:
				return
			case <-s.Done():
				_ = conn.WriteJSON(internal_session.Signal{Type: "closed", Reason: "session ended"})
				_ = conn.Close()
				return
			case sig := <-s.Signals():
				if err := conn.WriteJSON(sig); err != nil {
					return
				}
				if sig.Type == "closed" {
					return
				}
			}
		}
	})

	defer close(readerDone)
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "candidate":
			if msg.Candidate == nil {
				continue
			}
			if err := s.AddCandidate(*msg.Candidate); err != nil {
				tApi.logger.Debugf("candidate rejected: %v", err)
			}
		case "interrupt":
			s.ClientInterrupt()
		case "spatial":
			s.SpatialQuery(msg.Prompt)
		default:
			tApi.logger.Debugw("unknown signaling message", "session", s.ID, "type", msg.Type)
		}
	}
}
