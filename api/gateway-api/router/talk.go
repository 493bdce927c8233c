// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package gateway_routers

import (
	"github.com/gin-gonic/gin"

	gatewayTalkApi "github.com/rapidaai/alchemist/api/gateway-api/api/talk"
	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	internal_session "github.com/rapidaai/alchemist/api/gateway-api/internal/session"
	"github.com/rapidaai/alchemist/pkg/commons"
)

// TalkRoutes mounts WebRTC negotiation and the signaling socket.
func TalkRoutes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger, sessions *internal_session.Manager) {
	logger.Info("TalkRoutes added to engine.")
	root := engine.Group("")
	talkApi := gatewayTalkApi.NewTalkApi(cfg, logger, sessions)
	{
		root.POST("/webrtc", talkApi.Negotiate)
		root.GET("/ws", talkApi.Signal)
	}
}
