// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_gallery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/rapidaai/alchemist/pkg/commons"
)

// BlobStore holds snapshot images. Keys are slash-separated object paths;
// reads happen through minted time-bounded URLs, never through the store.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	SignedURL(key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// NewBlobStore selects the bucket-backed store when a bucket is configured
// and the local-disk store otherwise.
func NewBlobStore(ctx context.Context, logger commons.Logger, bucket, localDir, downloadSecret string) (BlobStore, error) {
	if bucket != "" {
		return NewGCSStore(ctx, logger, bucket)
	}
	logger.Infow("no blob bucket configured, using local blob store", "dir", localDir)
	return NewLocalStore(logger, localDir, downloadSecret)
}

type gcsStore struct {
	logger commons.Logger
	client *storage.Client
	bucket string
}

// NewGCSStore opens a Cloud Storage client with application default
// credentials. Signed URLs are V4 and require a signing-capable credential.
func NewGCSStore(ctx context.Context, logger commons.Logger, bucket string) (BlobStore, error) {
	creds, err := google.FindDefaultCredentials(ctx, storage.ScopeReadWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage credentials: %w", err)
	}
	client, err := storage.NewClient(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &gcsStore{logger: logger, client: client, bucket: bucket}, nil
}

func (s *gcsStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize object %s: %w", key, err)
	}
	return nil
}

func (s *gcsStore) SignedURL(key string, ttl time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for %s: %w", key, err)
	}
	return url, nil
}

func (s *gcsStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

func (s *gcsStore) Close() error {
	return s.client.Close()
}
