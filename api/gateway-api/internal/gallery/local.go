// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_gallery

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rapidaai/alchemist/pkg/commons"
)

// LocalURLPrefix is the route prefix that serves local blobs.
const LocalURLPrefix = "/blobs/"

// LocalStore keeps blobs on disk for single-node deployments. Download URLs
// carry an HMAC-signed token so the serving route stays time-bounded like a
// bucket-signed URL.
type LocalStore struct {
	logger commons.Logger
	root   string
	secret []byte
	now    func() time.Time
}

// NewLocalStore roots the store at dir. An empty secret gets a random
// per-process one, which invalidates outstanding URLs on restart.
func NewLocalStore(logger commons.Logger, dir, secret string) (*LocalStore, error) {
	if dir == "" {
		dir = "./data/blobs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory %s: %w", dir, err)
	}
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate download secret: %w", err)
		}
		logger.Warn("no download secret configured, minted URLs will not survive a restart")
	}
	return &LocalStore{logger: logger, root: dir, secret: key, now: time.Now}, nil
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory for %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) SignedURL(key string, ttl time.Duration) (string, error) {
	if _, err := s.pathFor(key); err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   key,
		ExpiresAt: jwt.NewNumericDate(s.now().Add(ttl)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign download token for %s: %w", key, err)
	}
	return LocalURLPrefix + key + "?token=" + url.QueryEscape(signed), nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Close() error {
	return nil
}

// Resolve validates a download token against key and returns the on-disk
// path. Expired or mismatched tokens are rejected.
func (s *LocalStore) Resolve(key, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return "", commons.Unauthorized("download token invalid or expired")
	}
	if claims.Subject != key {
		return "", commons.Unauthorized("download token does not match object")
	}
	return s.pathFor(key)
}

// pathFor maps a slash-separated key under the store root, rejecting any
// segment that could escape it.
func (s *LocalStore) pathFor(key string) (string, error) {
	if key == "" {
		return "", commons.BadRequest("empty blob key")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", commons.BadRequest("invalid blob key")
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
