// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package gateway_health_api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	"github.com/rapidaai/alchemist/pkg/commons"
)

type HealthApi struct {
	cfg    *config.AppConfig
	logger commons.Logger
}

func NewHealthApi(cfg *config.AppConfig, logger commons.Logger) *HealthApi {
	return &HealthApi{cfg: cfg, logger: logger}
}

// Health handles GET /health, reporting its own handling latency.
func (hApi *HealthApi) Health(c *gin.Context) {
	start := time.Now()
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"service":          hApi.cfg.Name,
		"version":          hApi.cfg.Version,
		"response_time_ms": float64(time.Since(start).Microseconds()) / 1000.0,
	})
}
