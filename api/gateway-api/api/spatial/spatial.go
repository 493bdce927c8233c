// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package gateway_spatial_api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	gateway_api "github.com/rapidaai/alchemist/api/gateway-api/api"
	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	internal_ratelimit "github.com/rapidaai/alchemist/api/gateway-api/internal/ratelimit"
	internal_spatial "github.com/rapidaai/alchemist/api/gateway-api/internal/spatial"
	"github.com/rapidaai/alchemist/pkg/commons"
)

const (
	analysisIdentifySurface = "identify_surface"
	analysisAnalyzeRoom     = "analyze_room"
)

// surfaceAnalyzer and textGenerator mirror the spatial package surface so
// the handlers can be tested without a live model.
type surfaceAnalyzer interface {
	IdentifySurface(ctx context.Context, q internal_spatial.SurfaceQuery) (*internal_spatial.Surface, error)
	AnalyzeRoom(ctx context.Context, jpegData []byte) (map[string]interface{}, error)
}

type textGenerator interface {
	Generate(ctx context.Context, prompt, designContext string) (string, error)
}

type SpatialApi struct {
	cfg       *config.AppConfig
	logger    commons.Logger
	analyzer  surfaceAnalyzer
	generator textGenerator
	limiter   *internal_ratelimit.Limiter
}

func NewSpatialApi(
	cfg *config.AppConfig,
	logger commons.Logger,
	analyzer *internal_spatial.Analyzer,
	generator *internal_spatial.Generator,
	limiter *internal_ratelimit.Limiter,
) *SpatialApi {
	return &SpatialApi{cfg: cfg, logger: logger, analyzer: analyzer, generator: generator, limiter: limiter}
}

type spatialRequest struct {
	Image  string `json:"image" binding:"required"`
	Type   string `json:"type"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type generateRequest struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context"`
}

// Analyze handles POST /spatial: identify_surface resolves the surface under
// a click, analyze_room inventories the whole frame.
func (sApi *SpatialApi) Analyze(c *gin.Context) {
	if err := sApi.limiter.Allow(c.ClientIP()); err != nil {
		gateway_api.RenderError(c, sApi.logger, err)
		return
	}

	var req spatialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		gateway_api.RenderError(c, sApi.logger, commons.BadRequest("image is required"))
		return
	}
	jpegData, err := gateway_api.DecodeImagePayload(req.Image)
	if err != nil {
		gateway_api.RenderError(c, sApi.logger, err)
		return
	}

	switch req.Type {
	case "", analysisIdentifySurface:
		surface, err := sApi.analyzer.IdentifySurface(c.Request.Context(), internal_spatial.SurfaceQuery{
			JPEG:   jpegData,
			X:      req.X,
			Y:      req.Y,
			Width:  req.Width,
			Height: req.Height,
		})
		if err != nil {
			gateway_api.RenderError(c, sApi.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"surface": surface})

	case analysisAnalyzeRoom:
		analysis, err := sApi.analyzer.AnalyzeRoom(c.Request.Context(), jpegData)
		if err != nil {
			gateway_api.RenderError(c, sApi.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"analysis": analysis})

	default:
		gateway_api.RenderError(c, sApi.logger, commons.BadRequest("unknown analysis type"))
	}
}

// Generate handles POST /generate: free-form design text, optionally
// grounded in a context block the client assembled.
func (sApi *SpatialApi) Generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		gateway_api.RenderError(c, sApi.logger, commons.BadRequest("malformed request body"))
		return
	}

	response, err := sApi.generator.Generate(c.Request.Context(), req.Prompt, req.Context)
	if err != nil {
		gateway_api.RenderError(c, sApi.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": response, "status": "success"})
}
