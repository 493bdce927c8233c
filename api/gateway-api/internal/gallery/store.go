// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_gallery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	internal_video "github.com/rapidaai/alchemist/api/gateway-api/internal/video"
	"github.com/rapidaai/alchemist/pkg/commons"
	"github.com/rapidaai/alchemist/pkg/utils"
)

// DefaultURLTTL bounds minted download URLs.
const DefaultURLTTL = 15 * time.Minute

const (
	// saveTimeout bounds one snapshot write across the blob and record
	// stores; cleanupTimeout bounds the compensating deletes.
	saveTimeout    = 30 * time.Second
	cleanupTimeout = 30 * time.Second
	thumbQuality   = internal_video.MinJPEGQuality
)

// Snapshot is the write-side input: two JPEGs plus metadata.
type Snapshot struct {
	Owner       string
	Title       string
	Description string
	Before      []byte
	After       []byte
	SurfaceType string
	Material    string
	Color       string
	BoundingBox [4]int
	Tags        []string
	Visibility  string
}

// DownloadURLs carries minted, time-bounded links for one record.
type DownloadURLs struct {
	Before    string `json:"before"`
	After     string `json:"after"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// RecordWithURLs is the read-side shape: the record plus fresh URLs.
type RecordWithURLs struct {
	GalleryRecord
	URLs DownloadURLs `json:"urls"`
}

// Store translates gallery operations onto the blob and record stores. It
// is stateless; both collaborators are safe for concurrent use.
type Store struct {
	logger  commons.Logger
	blobs   BlobStore
	records RecordStore
	urlTTL  time.Duration
}

func NewStore(logger commons.Logger, blobs BlobStore, records RecordStore, urlTTL time.Duration) *Store {
	if urlTTL <= 0 {
		urlTTL = DefaultURLTTL
	}
	return &Store{logger: logger, blobs: blobs, records: records, urlTTL: urlTTL}
}

// Save writes both image blobs, a generated thumbnail, and the record. A
// failure after any blob was written schedules best-effort blob deletion;
// the bucket's lifecycle policy is the backstop.
func (s *Store) Save(ctx context.Context, snap Snapshot) (*GalleryRecord, error) {
	if len(snap.Before) == 0 || len(snap.After) == 0 {
		return nil, commons.BadRequest("both before and after images are required")
	}
	visibility := snap.Visibility
	switch visibility {
	case "":
		visibility = VisibilityPrivate
	case VisibilityPrivate, VisibilityPublic:
	default:
		return nil, commons.BadRequest("visibility must be private or public")
	}

	owner := safeSegment(snap.Owner)
	if owner == "" {
		owner = "anonymous"
	}
	id := uuid.NewString()
	record := &GalleryRecord{
		ID:          id,
		Owner:       owner,
		Title:       snap.Title,
		Description: snap.Description,
		BeforeKey:   blobKey(owner, id, "before.jpg"),
		AfterKey:    blobKey(owner, id, "after.jpg"),
		SurfaceType: snap.SurfaceType,
		Material:    snap.Material,
		Color:       snap.Color,
		BoundingBox: snap.BoundingBox,
		Tags:        snap.Tags,
		Visibility:  visibility,
	}

	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()

	written := make([]string, 0, 3)
	if err := s.putWithRetry(ctx, record.BeforeKey, snap.Before); err != nil {
		return nil, commons.StorageFailed("failed to store snapshot images", err)
	}
	written = append(written, record.BeforeKey)
	if err := s.putWithRetry(ctx, record.AfterKey, snap.After); err != nil {
		s.scheduleCleanup(written)
		return nil, commons.StorageFailed("failed to store snapshot images", err)
	}
	written = append(written, record.AfterKey)

	if thumb := s.renderThumbnail(snap.After); thumb != nil {
		key := blobKey(owner, id, "thumb.jpg")
		if err := s.putWithRetry(ctx, key, thumb); err != nil {
			s.logger.Warnw("failed to store thumbnail", "record", id, "error", err)
		} else {
			record.ThumbKey = key
			written = append(written, key)
		}
	}

	if err := s.records.Create(ctx, record); err != nil {
		s.scheduleCleanup(written)
		return nil, err
	}
	s.logger.Infow("snapshot saved", "record", id, "owner", owner, "visibility", visibility)
	return record, nil
}

// Get loads a record and mints download URLs for it.
func (s *Store) Get(ctx context.Context, id string) (*RecordWithURLs, error) {
	record, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	urls, err := s.mintURLs(record)
	if err != nil {
		return nil, err
	}
	return &RecordWithURLs{GalleryRecord: *record, URLs: urls}, nil
}

// Refresh re-mints download URLs without touching the record.
func (s *Store) Refresh(ctx context.Context, id string) (*DownloadURLs, error) {
	record, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	urls, err := s.mintURLs(record)
	if err != nil {
		return nil, err
	}
	return &urls, nil
}

// ListPublic returns up to limit public records, newest first. Only the
// thumbnail URL is minted for listings; full URLs come from Get.
func (s *Store) ListPublic(ctx context.Context, limit int) ([]RecordWithURLs, error) {
	records, err := s.records.ListPublic(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]RecordWithURLs, 0, len(records))
	for i := range records {
		item := RecordWithURLs{GalleryRecord: records[i]}
		if records[i].ThumbKey != "" {
			url, err := s.blobs.SignedURL(records[i].ThumbKey, s.urlTTL)
			if err != nil {
				s.logger.Warnw("failed to mint thumbnail URL", "record", records[i].ID, "error", err)
			} else {
				item.URLs.Thumbnail = url
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) IncrementViews(ctx context.Context, id string) (int64, error) {
	return s.records.IncrementViews(ctx, id)
}

// ToggleLike adds or removes one like. The counter floors at zero.
func (s *Store) ToggleLike(ctx context.Context, id string, liked bool) (int64, error) {
	delta := int64(1)
	if !liked {
		delta = -1
	}
	return s.records.AdjustLikes(ctx, id, delta)
}

func (s *Store) Close() error {
	blobErr := s.blobs.Close()
	recordErr := s.records.Close()
	if blobErr != nil {
		return blobErr
	}
	return recordErr
}

func (s *Store) mintURLs(record *GalleryRecord) (DownloadURLs, error) {
	var urls DownloadURLs
	var err error
	if urls.Before, err = s.blobs.SignedURL(record.BeforeKey, s.urlTTL); err != nil {
		return urls, commons.StorageFailed("failed to mint download URL", err)
	}
	if urls.After, err = s.blobs.SignedURL(record.AfterKey, s.urlTTL); err != nil {
		return urls, commons.StorageFailed("failed to mint download URL", err)
	}
	if record.ThumbKey != "" {
		if urls.Thumbnail, err = s.blobs.SignedURL(record.ThumbKey, s.urlTTL); err != nil {
			return urls, commons.StorageFailed("failed to mint download URL", err)
		}
	}
	return urls, nil
}

func (s *Store) putWithRetry(ctx context.Context, key string, data []byte) error {
	err := s.blobs.Put(ctx, key, data, "image/jpeg")
	if err == nil {
		return nil
	}
	s.logger.Warnw("blob write failed, retrying once", "key", key, "error", err)
	return s.blobs.Put(ctx, key, data, "image/jpeg")
}

// scheduleCleanup deletes written blobs on its own goroutine and context;
// the request that failed may already be cancelled.
func (s *Store) scheduleCleanup(keys []string) {
	if len(keys) == 0 {
		return
	}
	utils.Go(context.Background(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		for _, key := range keys {
			if err := s.blobs.Delete(ctx, key); err != nil {
				s.logger.Warnw("compensating blob cleanup failed", "key", key, "error", err)
			}
		}
	})
}

func (s *Store) renderThumbnail(jpegData []byte) []byte {
	img, err := internal_video.DecodeImage(jpegData)
	if err != nil {
		s.logger.Warnw("failed to decode image for thumbnail", "error", err)
		return nil
	}
	thumb, err := internal_video.Thumbnail(img, thumbQuality)
	if err != nil {
		s.logger.Warnw("failed to render thumbnail", "error", err)
		return nil
	}
	return thumb
}

func blobKey(owner, id, name string) string {
	return fmt.Sprintf("snapshots/%s/%s/%s", owner, id, name)
}

// safeSegment keeps owner tokens path- and URL-safe.
func safeSegment(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
