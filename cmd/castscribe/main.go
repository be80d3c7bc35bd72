package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/castscribe/internal/aligner"
	"github.com/castscribe/internal/backend"
	"github.com/castscribe/internal/chunker"
	"github.com/castscribe/internal/client/apprise"
	"github.com/castscribe/internal/client/ollama"
	"github.com/castscribe/internal/config"
	"github.com/castscribe/internal/executor"
	"github.com/castscribe/internal/feed"
	"github.com/castscribe/internal/fileops"
	"github.com/castscribe/internal/formatter"
	"github.com/castscribe/internal/handler"
	"github.com/castscribe/internal/ingest"
	"github.com/castscribe/internal/persistence"
	"github.com/castscribe/internal/pipeline"
	"github.com/castscribe/internal/queue"
	"github.com/castscribe/internal/runner"
	"github.com/castscribe/internal/version"
	"github.com/castscribe/pkg/logger"
)

func main() {
	config.LoadDotEnv(".env")

	// Initialize logger
	isDev := os.Getenv("ENV") != "production"
	logger.InitWithOptions(logger.Options{Dev: isDev, Level: os.Getenv("LOG_LEVEL")})
	defer logger.Sync()

	version.PrintBanner(nil)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	logger.Infof("📁 Loading config: %s", configPath)
	cfgMgr, err := config.NewManager(configPath, 30*time.Second)
	if err != nil {
		logger.Fatalf("❌ Config error: %v", err)
	}
	defer cfgMgr.Stop()
	cfg := cfgMgr.Get()
	cfgMgr.OnChange(func(_, cur *config.Config) {
		logger.Infof("📋 Config changed on disk; transcription settings apply after restart (backend=%s)", cur.Transcribe.Backend)
	})

	if err := ensureDirectories(cfg); err != nil {
		logger.Fatalf("❌ Directory setup error: %v", err)
	}

	// Durable state
	db, err := persistence.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatalf("❌ Database error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	store, err := queue.NewStore(ctx, db,
		queue.WithDefaultJobTime(time.Duration(cfg.Queue.DefaultJobSeconds)*time.Second))
	if err != nil {
		logger.Fatalf("❌ Queue error: %v", err)
	}
	if stale := store.List(queue.StatusProcessing); len(stale) > 0 {
		logger.Warnf("⚠️ %d job(s) were processing when the last process stopped; they return to the queue on the next reset-stuck", len(stale))
	}

	// Engines
	exec := executor.NewExec(isDev)
	prober := backend.NewProber(exec, backend.ProbeConfig{
		Python:    cfg.Transcribe.Python,
		NvidiaSMI: cfg.Transcribe.NvidiaSMI,
		Remote:    cfg.Transcribe.OpenAIKey != "",
	})
	selector := backend.NewSelector(prober, backend.NewFactory(cfg.Transcribe, exec, prober), cfg.Transcribe.Backend)

	ingestor, err := ingest.New(cfg.Ingest)
	if err != nil {
		logger.Fatalf("❌ Ingest error: %v", err)
	}

	pipe := pipeline.New(pipeline.Config{
		OutputDir: cfg.Storage.OutputDir,
		Aligner: aligner.Config{
			MicroSegmentFloor:  cfg.Aligner.MicroSegmentFloor,
			MinSpeakerSegments: cfg.Aligner.MinSpeakerSegments,
			MinSpeakerShare:    cfg.Aligner.MinSpeakerShare,
			MaxMergeGap:        cfg.Aligner.MaxMergeGap,
		},
		Enhance: cfg.Enhance.Enabled,
	}, pipeline.Deps{
		Backends: selector,
		Splitter: chunker.New(chunker.Config{
			FFmpeg:        cfg.Transcribe.FFmpeg,
			FFprobe:       cfg.Transcribe.FFprobe,
			ChunkDuration: time.Duration(cfg.Transcribe.ChunkMinutes) * time.Minute,
			TmpDir:        cfg.Storage.TmpDir,
		}, exec),
		Enhancer: ollama.NewClient(cfg.Enhance),
		Renderer: formatter.New(),
		Ingestor: ingestor,
	})

	opts := []runner.Option{runner.WithRecorder(db)}
	if cfg.Apprise.Enabled {
		opts = append(opts, runner.WithNotifier(apprise.NewClient(cfg.Apprise)))
		logger.Infof("🔔 Notifications: enabled (key=%s)", cfg.Apprise.Key)
	} else {
		logger.Info("🔔 Notifications: disabled")
	}
	ctrl := runner.New(runner.Config{
		MaxRetries:        cfg.Queue.MaxRetries,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
	}, store, pipe, selector, opts...)

	// Scheduled maintenance
	scheduler := cron.New()
	if expr := cfg.Queue.ResetStuckCron; expr != "" {
		if _, err := scheduler.AddFunc(expr, func() {
			if n, err := store.ResetStuck(context.Background(), cfg.Queue.HeartbeatTimeout); err != nil {
				logger.Errorf("❌ Reset stuck failed: %v", err)
			} else if n > 0 {
				logger.Infof("🧹 Reset %d stuck job(s)", n)
			}
		}); err != nil {
			logger.Fatalf("❌ Invalid reset_stuck_cron: %v", err)
		}
	}
	if expr := cfg.Queue.SyncCron; expr != "" {
		if _, err := scheduler.AddFunc(expr, func() {
			if _, err := store.SyncWithStorage(context.Background(), cfg.Storage.AudioDirs); err != nil {
				logger.Errorf("❌ Sync failed: %v", err)
			}
		}); err != nil {
			logger.Fatalf("❌ Invalid sync_cron: %v", err)
		}
	}
	scheduler.Start()

	// Initialize HTTP server
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	if len(cfg.Server.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.Server.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	h := handler.New(store, ctrl, selector, db, handler.Config{
		APIToken:         cfg.Server.APIToken,
		AudioDirs:        cfg.Storage.AudioDirs,
		HeartbeatTimeout: cfg.Queue.HeartbeatTimeout,
		Backend:          cfg.Transcribe.Backend,
	}, handler.WithFeedImporter(feed.NewImporter(feed.NewClient(feed.Config{Dir: cfg.Storage.FeedRoot()}), store)))
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Print startup info
	caps := selector.Capabilities(ctx)
	summary := store.Status()
	logger.Info("")
	logger.Infof("🧠 Backend: %s (accelerator: %s %s)", cfg.Transcribe.Backend, caps.Accelerator, caps.GPUName)
	logger.Infof("📼 Chunks: %d min | Diarization: %v", cfg.Transcribe.ChunkMinutes, cfg.Transcribe.Diarization)
	if cfg.Enhance.Enabled {
		logger.Infof("✨ Enhance: %s (%s)", cfg.Enhance.Model, cfg.Enhance.BaseURL)
	}
	logger.Infof("📤 Ingest: %s", cfg.Ingest.Mode)
	logger.Infof("📋 Queue: %d jobs, %d pending", summary.Total, summary.ByStatus[queue.StatusPending])
	logger.Info("")
	logger.Infof("🌐 API server: http://localhost:%d", cfg.Server.Port)
	logger.Infof("   POST /api/v1/queue        - Enqueue an episode")
	logger.Infof("   POST /api/v1/queue/import-feed - Queue episodes from an RSS feed")
	logger.Infof("   POST /api/v1/run/start    - Start processing")
	logger.Infof("   GET  /api/v1/run/status   - Poll progress")
	logger.Info("")
	logger.Info("────────────────────────────────────────────────────────────────")
	logger.Info("✅  Ready! Waiting for jobs...")
	logger.Info("────────────────────────────────────────────────────────────────")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("")
	logger.Info("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("❌ Shutdown error: %v", err)
	}
	<-scheduler.Stop().Done()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("❌ Run loop shutdown error: %v", err)
	}

	logger.Info("👋 Goodbye!")
}

func ensureDirectories(cfg *config.Config) error {
	dirs := append([]string{cfg.Storage.OutputDir, cfg.Storage.TmpDir, cfg.Storage.FeedDir}, cfg.Storage.AudioDirs...)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := fileops.EnsureDir(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// requestLogger returns a gin middleware for logging HTTP requests
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		if (path != "/api/v1/health" && path != "/api/v1/run/status") || status >= 400 {
			latency := time.Since(start)
			logger.Debugf("HTTP %s %s → %d (%v)", c.Request.Method, path, status, latency)
		}
	}
}
