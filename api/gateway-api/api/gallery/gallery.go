// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package gateway_gallery_api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	gateway_api "github.com/rapidaai/alchemist/api/gateway-api/api"
	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	internal_gallery "github.com/rapidaai/alchemist/api/gateway-api/internal/gallery"
	"github.com/rapidaai/alchemist/pkg/commons"
)

const (
	// maxSnapshotBytes bounds the request body: two base64 JPEGs plus
	// metadata fit comfortably; anything larger is rejected with 413.
	maxSnapshotBytes = 24 << 20

	defaultListLimit = 20
)

type GalleryApi struct {
	cfg    *config.AppConfig
	logger commons.Logger
	store  *internal_gallery.Store
	local  *internal_gallery.LocalStore
}

// NewGalleryApi wires the gallery surface. local is nil when blobs live in
// GCS; the download route is only registered for the local store.
func NewGalleryApi(cfg *config.AppConfig, logger commons.Logger, store *internal_gallery.Store, local *internal_gallery.LocalStore) *GalleryApi {
	return &GalleryApi{cfg: cfg, logger: logger, store: store, local: local}
}

type snapshotRequest struct {
	Owner       string   `json:"owner"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	BeforeImage string   `json:"before_image" binding:"required"`
	AfterImage  string   `json:"after_image" binding:"required"`
	SurfaceType string   `json:"surface_type"`
	Material    string   `json:"material"`
	Color       string   `json:"color"`
	BoundingBox []int    `json:"bounding_box"`
	Tags        []string `json:"tags"`
	Visibility  string   `json:"visibility"`
}

type likeRequest struct {
	Liked bool `json:"liked"`
}

// Save handles POST /snapshot.
func (gApi *GalleryApi) Save(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSnapshotBytes)

	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge,
				commons.NewServiceError(commons.KindBadRequest, "snapshot payload too large", nil))
			return
		}
		gateway_api.RenderError(c, gApi.logger, commons.BadRequest("before_image and after_image are required"))
		return
	}

	before, err := gateway_api.DecodeImagePayload(req.BeforeImage)
	if err != nil {
		gateway_api.RenderError(c, gApi.logger, err)
		return
	}
	after, err := gateway_api.DecodeImagePayload(req.AfterImage)
	if err != nil {
		gateway_api.RenderError(c, gApi.logger, err)
		return
	}

	var box [4]int
	switch len(req.BoundingBox) {
	case 0:
	case 4:
		copy(box[:], req.BoundingBox)
	default:
		gateway_api.RenderError(c, gApi.logger, commons.BadRequest("bounding_box must have four values"))
		return
	}

	record, err := gApi.store.Save(c.Request.Context(), internal_gallery.Snapshot{
		Owner:       req.Owner,
		Title:       req.Title,
		Description: req.Description,
		Before:      before,
		After:       after,
		SurfaceType: req.SurfaceType,
		Material:    req.Material,
		Color:       req.Color,
		BoundingBox: box,
		Tags:        req.Tags,
		Visibility:  req.Visibility,
	})
	if err != nil {
		gateway_api.RenderError(c, gApi.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": record.ID})
}

// List handles GET /gallery?limit=.
func (gApi *GalleryApi) List(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			gateway_api.RenderError(c, gApi.logger, commons.BadRequest("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	items, err := gApi.store.ListPublic(c.Request.Context(), limit)
	if err != nil {
		gateway_api.RenderError(c, gApi.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Get handles GET /gallery/:id.
func (gApi *GalleryApi) Get(c *gin.Context) {
	record, err := gApi.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		gateway_api.RenderError(c, gApi.logger, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// Refresh handles POST /snapshot/:id/refresh.
func (gApi *GalleryApi) Refresh(c *gin.Context) {
	urls, err := gApi.store.Refresh(c.Request.Context(), c.Param("id"))
	if err != nil {
		gateway_api.RenderError(c, gApi.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"urls": urls})
}

// View handles POST /gallery/:id/view.
func (gApi *GalleryApi) View(c *gin.Context) {
	views, err := gApi.store.IncrementViews(c.Request.Context(), c.Param("id"))
	if err != nil {
		gateway_api.RenderError(c, gApi.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"views": views})
}

// Like handles POST /gallery/:id/like. An absent body counts as a like;
// {"liked":false} takes one back.
func (gApi *GalleryApi) Like(c *gin.Context) {
	req := likeRequest{Liked: true}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			gateway_api.RenderError(c, gApi.logger, commons.BadRequest("malformed request body"))
			return
		}
	}

	likes, err := gApi.store.ToggleLike(c.Request.Context(), c.Param("id"), req.Liked)
	if err != nil {
		gateway_api.RenderError(c, gApi.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"likes": likes})
}

// Download handles GET /blobs/*key for the local blob store. The token in
// the query string is the minted authorization; no session is required.
func (gApi *GalleryApi) Download(c *gin.Context) {
	if gApi.local == nil {
		gateway_api.RenderError(c, gApi.logger, commons.BadRequest("downloads are served from object storage"))
		return
	}
	key := strings.TrimPrefix(c.Param("key"), "/")
	path, err := gApi.local.Resolve(key, c.Query("token"))
	if err != nil {
		gateway_api.RenderError(c, gApi.logger, err)
		return
	}
	c.File(path)
}
