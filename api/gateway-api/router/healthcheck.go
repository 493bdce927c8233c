// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package gateway_routers

import (
	"github.com/gin-gonic/gin"

	gatewayHealthApi "github.com/rapidaai/alchemist/api/gateway-api/api/health"
	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	"github.com/rapidaai/alchemist/pkg/commons"
)

func HealthCheckRoutes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger) {
	logger.Info("HealthCheckRoutes added to engine.")
	root := engine.Group("")
	healthApi := gatewayHealthApi.NewHealthApi(cfg, logger)
	{
		root.GET("/health", healthApi.Health)
	}
}
