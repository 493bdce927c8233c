// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	internal_cache "github.com/rapidaai/alchemist/api/gateway-api/internal/cache"
	internal_gallery "github.com/rapidaai/alchemist/api/gateway-api/internal/gallery"
	internal_privacy "github.com/rapidaai/alchemist/api/gateway-api/internal/privacy"
	internal_ratelimit "github.com/rapidaai/alchemist/api/gateway-api/internal/ratelimit"
	internal_session "github.com/rapidaai/alchemist/api/gateway-api/internal/session"
	internal_spatial "github.com/rapidaai/alchemist/api/gateway-api/internal/spatial"
	internal_upstream "github.com/rapidaai/alchemist/api/gateway-api/internal/upstream"
	internal_vad "github.com/rapidaai/alchemist/api/gateway-api/internal/vad"
	gateway_routers "github.com/rapidaai/alchemist/api/gateway-api/router"
	"github.com/rapidaai/alchemist/pkg/commons"
)

const (
	exitOK         = 0
	exitBadConfig  = 2
	exitRuntimeErr = 70

	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Printf("config initialization failed: %v", err)
		return exitBadConfig
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Printf("config validation failed: %v", err)
		return exitBadConfig
	}

	logger, err := commons.NewApplicationLogger(cfg.Name, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Printf("logger initialization failed: %v", err)
		return exitBadConfig
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Errorf("gateway terminated: %v", err)
		return exitRuntimeErr
	}
	logger.Info("gateway stopped cleanly")
	return exitOK
}

func serve(ctx context.Context, cfg *config.AppConfig, logger commons.Logger) error {
	// out-of-band services
	cache := internal_cache.NewResultCache(logger, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer cache.Close()
	limiter := internal_ratelimit.NewLimiter(logger, cfg.RateLimitRPM)

	detector := internal_privacy.NewVisionDetector(logger, cfg.VisionEndpoint, cfg.VisionAPIKey)
	shield := internal_privacy.NewShield(logger, detector, internal_privacy.ShieldConfig{
		CrowdThreshold: cfg.CrowdThreshold,
		BlurRadiusMin:  cfg.BlurRadiusMin,
		JPEGQuality:    cfg.ImageQuality,
	})

	generator, err := internal_spatial.NewContentGenerator(ctx, cfg.LiveAPIKey)
	if err != nil {
		return fmt.Errorf("content generator: %w", err)
	}
	analyzer := internal_spatial.NewAnalyzer(logger, generator, cfg.AnalyzerModel)
	designer := internal_spatial.NewGenerator(logger, generator, cfg.AnalyzerModel)

	// gallery persistence
	blobs, err := internal_gallery.NewBlobStore(ctx, logger, cfg.BlobBucket, cfg.BlobLocalDir, cfg.DownloadSecret)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	records, err := internal_gallery.NewRecordStore(logger, cfg.RecordDSN, cfg.RecordNamespace)
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	gallery := internal_gallery.NewStore(logger, blobs, records,
		time.Duration(cfg.SignedURLTTLSecs)*time.Second)
	defer gallery.Close()
	localBlobs, _ := blobs.(*internal_gallery.LocalStore)

	// live sessions
	sessions, err := internal_session.NewManager(ctx, logger, internal_session.Config{
		Live: internal_upstream.Config{
			APIKey: cfg.LiveAPIKey,
			Model:  cfg.LiveModel,
			Voice:  cfg.LiveVoice,
		},
		Detector: internal_vad.Config{
			Type:            internal_vad.DetectorType(cfg.SpeechDetector),
			EnergyThreshold: cfg.EnergyThreshold,
			MinSpeechMs:     cfg.InterruptMinMS,
			ModelPath:       cfg.SileroModelPath,
		},
		SampleInterval: time.Duration(cfg.SampleIntervalMS) * time.Millisecond,
		ImageQuality:   cfg.ImageQuality,
		ImageMaxPx:     cfg.ImageMaxPx,
		IdleTimeout:    time.Duration(cfg.SessionIdleSecs) * time.Second,
		MaxLifetime:    time.Duration(cfg.SessionMaxSecs) * time.Second,
	}, shield, internal_session.DefaultBridgeFactory)
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}
	defer sessions.Shutdown()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if origins := cfg.CORSAllowedOrigins(); len(origins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	gateway_routers.HealthCheckRoutes(cfg, engine, logger)
	gateway_routers.TalkRoutes(cfg, engine, logger, sessions)
	gateway_routers.PrivacyRoutes(cfg, engine, logger, shield, limiter, cache)
	gateway_routers.SpatialRoutes(cfg, engine, logger, analyzer, designer, limiter)
	gateway_routers.GalleryRoutes(cfg, engine, logger, gallery, localBlobs)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("gateway listening", "addr", server.Addr, "service", cfg.Name, "version", cfg.Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
