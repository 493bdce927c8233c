// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package gateway_routers

import (
	"github.com/gin-gonic/gin"

	gatewayPrivacyApi "github.com/rapidaai/alchemist/api/gateway-api/api/privacy"
	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	internal_cache "github.com/rapidaai/alchemist/api/gateway-api/internal/cache"
	internal_privacy "github.com/rapidaai/alchemist/api/gateway-api/internal/privacy"
	internal_ratelimit "github.com/rapidaai/alchemist/api/gateway-api/internal/ratelimit"
	"github.com/rapidaai/alchemist/pkg/commons"
)

// PrivacyRoutes mounts the out-of-band frame check.
func PrivacyRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	shield *internal_privacy.Shield,
	limiter *internal_ratelimit.Limiter,
	cache internal_cache.ResultCache,
) {
	logger.Info("PrivacyRoutes added to engine.")
	root := engine.Group("")
	privacyApi := gatewayPrivacyApi.NewPrivacyApi(cfg, logger, shield, limiter, cache)
	{
		root.POST("/process-frame", privacyApi.ProcessFrame)
	}
}
