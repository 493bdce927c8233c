// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_gallery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rapidaai/alchemist/pkg/commons"
)

const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// GalleryRecord is a persisted snapshot of an analyzed transformation. Blob
// keys never serialize; download URLs are minted on read.
type GalleryRecord struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Owner       string    `gorm:"size:128;index" json:"owner"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	BeforeKey   string    `gorm:"size:512" json:"-"`
	AfterKey    string    `gorm:"size:512" json:"-"`
	ThumbKey    string    `gorm:"size:512" json:"-"`
	SurfaceType string    `json:"surface_type,omitempty"`
	Material    string    `json:"material,omitempty"`
	Color       string    `json:"color,omitempty"`
	BoundingBox [4]int    `gorm:"serializer:json" json:"bounding_box"`
	Tags        []string  `gorm:"serializer:json" json:"tags,omitempty"`
	Visibility  string    `gorm:"size:16;index" json:"visibility"`
	Likes       int64     `json:"likes"`
	Views       int64     `json:"views"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RecordStore persists gallery records. Counter updates are atomic and
// never take a counter below zero.
type RecordStore interface {
	Create(ctx context.Context, record *GalleryRecord) error
	Get(ctx context.Context, id string) (*GalleryRecord, error)
	ListPublic(ctx context.Context, limit int) ([]GalleryRecord, error)
	IncrementViews(ctx context.Context, id string) (int64, error)
	AdjustLikes(ctx context.Context, id string, delta int64) (int64, error)
	Close() error
}

// NewRecordStore opens a Postgres-backed store when a DSN is configured and
// an in-process one otherwise. namespace prefixes the table name.
func NewRecordStore(logger commons.Logger, dsn, namespace string) (RecordStore, error) {
	if dsn == "" {
		logger.Info("no record DSN configured, using in-process record store")
		return newMemoryRecordStore(logger), nil
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}
	return newGormStore(logger, db, namespace)
}

func recordNotFound(id string) *commons.ServiceError {
	return commons.NewServiceError(commons.KindSessionNotFound, fmt.Sprintf("no record %s", id), nil)
}

// ============================================================
// SQL store
// ============================================================

type gormStore struct {
	logger commons.Logger
	db     *gorm.DB
	table  string
}

func newGormStore(logger commons.Logger, db *gorm.DB, namespace string) (*gormStore, error) {
	if namespace == "" {
		namespace = "gallery"
	}
	s := &gormStore{logger: logger, db: db, table: namespace + "_records"}
	if err := db.Table(s.table).AutoMigrate(&GalleryRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate record table %s: %w", s.table, err)
	}
	return s, nil
}

func (s *gormStore) Create(ctx context.Context, record *GalleryRecord) error {
	if err := s.db.WithContext(ctx).Table(s.table).Create(record).Error; err != nil {
		return commons.StorageFailed("failed to save record", err)
	}
	return nil
}

func (s *gormStore) Get(ctx context.Context, id string) (*GalleryRecord, error) {
	var record GalleryRecord
	err := s.db.WithContext(ctx).Table(s.table).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, recordNotFound(id)
	}
	if err != nil {
		return nil, commons.StorageFailed("failed to load record", err)
	}
	return &record, nil
}

func (s *gormStore) ListPublic(ctx context.Context, limit int) ([]GalleryRecord, error) {
	var records []GalleryRecord
	err := s.db.WithContext(ctx).Table(s.table).
		Where("visibility = ?", VisibilityPublic).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, commons.StorageFailed("failed to list records", err)
	}
	return records, nil
}

func (s *gormStore) IncrementViews(ctx context.Context, id string) (int64, error) {
	err := s.db.WithContext(ctx).Table(s.table).
		Where("id = ?", id).
		UpdateColumn("views", gorm.Expr("views + 1")).Error
	if err != nil {
		return 0, commons.StorageFailed("failed to update views", err)
	}
	record, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return record.Views, nil
}

func (s *gormStore) AdjustLikes(ctx context.Context, id string, delta int64) (int64, error) {
	// The floor lives in SQL so concurrent unlikes cannot push below zero.
	err := s.db.WithContext(ctx).Table(s.table).
		Where("id = ?", id).
		UpdateColumn("likes", gorm.Expr("CASE WHEN likes + ? < 0 THEN 0 ELSE likes + ? END", delta, delta)).Error
	if err != nil {
		return 0, commons.StorageFailed("failed to update likes", err)
	}
	record, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return record.Likes, nil
}

func (s *gormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// ============================================================
// In-process store
// ============================================================

type memoryRecordStore struct {
	logger commons.Logger

	mu      sync.Mutex
	records map[string]*GalleryRecord
	order   []string
}

func newMemoryRecordStore(logger commons.Logger) *memoryRecordStore {
	return &memoryRecordStore{
		logger:  logger,
		records: make(map[string]*GalleryRecord),
	}
}

func (s *memoryRecordStore) Create(_ context.Context, record *GalleryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return commons.StorageFailed(fmt.Sprintf("record %s already exists", record.ID), nil)
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	clone := *record
	s.records[record.ID] = &clone
	s.order = append(s.order, record.ID)
	return nil
}

func (s *memoryRecordStore) Get(_ context.Context, id string) (*GalleryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, recordNotFound(id)
	}
	clone := *record
	return &clone, nil
}

func (s *memoryRecordStore) ListPublic(_ context.Context, limit int) ([]GalleryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]GalleryRecord, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(records) < limit; i-- {
		record := s.records[s.order[i]]
		if record.Visibility == VisibilityPublic {
			records = append(records, *record)
		}
	}
	return records, nil
}

func (s *memoryRecordStore) IncrementViews(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return 0, recordNotFound(id)
	}
	record.Views++
	record.UpdatedAt = time.Now()
	return record.Views, nil
}

func (s *memoryRecordStore) AdjustLikes(_ context.Context, id string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return 0, recordNotFound(id)
	}
	record.Likes += delta
	if record.Likes < 0 {
		record.Likes = 0
	}
	record.UpdatedAt = time.Now()
	return record.Likes, nil
}

func (s *memoryRecordStore) Close() error {
	return nil
}
