// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package gateway_privacy_api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	gateway_api "github.com/rapidaai/alchemist/api/gateway-api/api"
	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	internal_cache "github.com/rapidaai/alchemist/api/gateway-api/internal/cache"
	internal_privacy "github.com/rapidaai/alchemist/api/gateway-api/internal/privacy"
	internal_ratelimit "github.com/rapidaai/alchemist/api/gateway-api/internal/ratelimit"
	"github.com/rapidaai/alchemist/pkg/commons"
)

// frameClassifier is the slice of the shield this handler needs.
type frameClassifier interface {
	Classify(ctx context.Context, jpegData []byte) internal_privacy.Result
}

type PrivacyApi struct {
	cfg     *config.AppConfig
	logger  commons.Logger
	shield  frameClassifier
	limiter *internal_ratelimit.Limiter
	cache   internal_cache.ResultCache
}

func NewPrivacyApi(
	cfg *config.AppConfig,
	logger commons.Logger,
	shield *internal_privacy.Shield,
	limiter *internal_ratelimit.Limiter,
	cache internal_cache.ResultCache,
) *PrivacyApi {
	return &PrivacyApi{cfg: cfg, logger: logger, shield: shield, limiter: limiter, cache: cache}
}

type processFrameRequest struct {
	ImageData string `json:"image_data" binding:"required"`
	FrameID   string `json:"frame_id" binding:"required"`
	Timestamp int64  `json:"timestamp"`
}

type processFrameResponse struct {
	Verdict        string `json:"verdict"`
	BlurApplied    bool   `json:"blur_applied"`
	FaceCount      int    `json:"face_count"`
	ProcessedImage string `json:"processed_image,omitempty"`
}

// ProcessFrame handles POST /process-frame. Replays within the idempotency
// window return the recorded response bytes, byte for byte.
func (pApi *PrivacyApi) ProcessFrame(c *gin.Context) {
	if err := pApi.limiter.Allow(c.ClientIP()); err != nil {
		gateway_api.RenderError(c, pApi.logger, err)
		return
	}

	var req processFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		gateway_api.RenderError(c, pApi.logger, commons.BadRequest("image_data and frame_id are required"))
		return
	}
	jpegData, err := gateway_api.DecodeImagePayload(req.ImageData)
	if err != nil {
		gateway_api.RenderError(c, pApi.logger, err)
		return
	}

	if cached, ok, err := pApi.cache.Get(c.Request.Context(), req.FrameID); err != nil {
		pApi.logger.Debugf("verdict cache read failed: %v", err)
	} else if ok {
		c.Data(http.StatusOK, "application/json; charset=utf-8", cached)
		return
	}

	result := pApi.shield.Classify(c.Request.Context(), jpegData)

	resp := processFrameResponse{
		Verdict:     string(result.Verdict),
		BlurApplied: result.Verdict == internal_privacy.VerdictBlurred,
		FaceCount:   result.FaceCount,
	}
	if result.Verdict == internal_privacy.VerdictBlurred {
		resp.ProcessedImage = base64.StdEncoding.EncodeToString(result.Processed)
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		gateway_api.RenderError(c, pApi.logger, commons.Internal(err))
		return
	}
	if err := pApi.cache.Set(c.Request.Context(), req.FrameID, payload, internal_cache.DefaultTTL); err != nil {
		pApi.logger.Debugf("verdict cache write failed: %v", err)
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}
