// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package gateway_routers

import (
	"strings"

	"github.com/gin-gonic/gin"

	gatewayGalleryApi "github.com/rapidaai/alchemist/api/gateway-api/api/gallery"
	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	internal_gallery "github.com/rapidaai/alchemist/api/gateway-api/internal/gallery"
	"github.com/rapidaai/alchemist/pkg/commons"
)

// GalleryRoutes mounts snapshot persistence and the public gallery. The blob
// download route exists only when blobs are stored on local disk.
func GalleryRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	store *internal_gallery.Store,
	local *internal_gallery.LocalStore,
) {
	logger.Info("GalleryRoutes added to engine.")
	root := engine.Group("")
	galleryApi := gatewayGalleryApi.NewGalleryApi(cfg, logger, store, local)
	{
		root.POST("/snapshot", galleryApi.Save)
		root.POST("/snapshot/:id/refresh", galleryApi.Refresh)
		root.GET("/gallery", galleryApi.List)
		root.GET("/gallery/:id", galleryApi.Get)
		root.POST("/gallery/:id/view", galleryApi.View)
		root.POST("/gallery/:id/like", galleryApi.Like)
	}
	if local != nil {
		root.GET(strings.TrimSuffix(internal_gallery.LocalURLPrefix, "/")+"/*key", galleryApi.Download)
	}
}
