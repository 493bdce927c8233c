// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package gateway_routers

import (
	"github.com/gin-gonic/gin"

	gatewaySpatialApi "github.com/rapidaai/alchemist/api/gateway-api/api/spatial"
	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	internal_ratelimit "github.com/rapidaai/alchemist/api/gateway-api/internal/ratelimit"
	internal_spatial "github.com/rapidaai/alchemist/api/gateway-api/internal/spatial"
	"github.com/rapidaai/alchemist/pkg/commons"
)

// SpatialRoutes mounts surface analysis and design text generation.
func SpatialRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	analyzer *internal_spatial.Analyzer,
	generator *internal_spatial.Generator,
	limiter *internal_ratelimit.Limiter,
) {
	logger.Info("SpatialRoutes added to engine.")
	root := engine.Group("")
	spatialApi := gatewaySpatialApi.NewSpatialApi(cfg, logger, analyzer, generator, limiter)
	{
		root.POST("/spatial", spatialApi.Analyze)
		root.POST("/generate", spatialApi.Generate)
	}
}
