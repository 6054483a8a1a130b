package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/docvault-api/internal/repository"
	"github.com/noah-isme/docvault-api/internal/service"
	"github.com/noah-isme/docvault-api/pkg/blob"
	"github.com/noah-isme/docvault-api/pkg/cache"
	"github.com/noah-isme/docvault-api/pkg/config"
	"github.com/noah-isme/docvault-api/pkg/database"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
	"github.com/noah-isme/docvault-api/pkg/logger"
	"github.com/noah-isme/docvault-api/pkg/middleware/cors"
	"github.com/noah-isme/docvault-api/pkg/middleware/requestid"
	"github.com/noah-isme/docvault-api/pkg/ocr"
	"github.com/noah-isme/docvault-api/pkg/response"
)

const (
	probeTimeout      = 2 * time.Second
	statsPollInterval = 15 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// app is the wired capability graph of the document processing runtime: the
// persistent OCR queue with its worker pool, the blob store and the ops HTTP
// surface. The public document API runs as a separate process on top of the
// same database.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *sqlx.DB
	redis   *redis.Client
	store   blob.Store
	signer  *blob.Signer
	docs    *repository.DocumentRepository
	metrics *service.MetricsService
	ocr     *service.OcrService
	audit   *service.AccessLogService
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Env, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, running without cache", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close() //nolint:errcheck
	}

	docRepo := repository.NewDocumentRepository(db)
	jobRepo := repository.NewOcrJobRepository(db)
	auditRepo := repository.NewAccessLogRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	store, signer, err := buildBlobStore(context.Background(), cfg)
	if err != nil {
		logr.Fatal("failed to init blob store", zap.Error(err))
	}

	engine, err := buildEngine(context.Background(), cfg, logr)
	if err != nil {
		logr.Fatal("failed to init ocr engine", zap.Error(err))
	}
	defer closeEngine(engine, logr)

	metrics := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.DocumentTTL, logr,
		cfg.Cache.Enabled && redisClient != nil)
	flushStaleDocuments(ctx, cacheSvc, logr)

	auditSvc := service.NewAccessLogService(auditRepo, service.AccessLogServiceConfig{
		QueueSize:     cfg.Audit.QueueSize,
		RetryAttempts: cfg.Audit.RetryAttempts,
		RetryInterval: cfg.Audit.RetryInterval,
	}, logr)
	metrics.RegisterAccessLogDropped(auditSvc.Dropped)

	storageSvc := service.NewStorageService(store, docRepo, service.StorageServiceConfig{
		PresignTTLMax:   cfg.Storage.PresignTTLMax,
		OwnerQuotaBytes: cfg.Storage.OwnerQuotaBytes,
	}, logr)

	ocrSvc := service.NewOcrService(jobRepo, docRepo, storageSvc, engine, cacheSvc, nil, logr, service.OcrServiceConfig{
		Timeout:        cfg.OCR.Timeout,
		ResultCacheTTL: cfg.OCR.ResultCacheTTL,
		MaxRetries:     cfg.Queue.MaxRetries,
	})

	var wake <-chan *pq.Notification
	listener, err := database.NewListener(cfg.Database, jobRepo.WakeChannel(), func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logr.Warn("queue listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err != nil {
		logr.Warn("wake listener unavailable, dispatcher falls back to polling", zap.Error(err))
	} else {
		defer listener.Close() //nolint:errcheck
		wake = listener.Notify
	}

	dispatcher := service.NewQueueDispatcher(jobRepo, ocrSvc, wake, cacheSvc, metrics, logr, service.QueueDispatcherConfig{
		WorkerCount:       cfg.Queue.WorkerCount,
		LeaseTTL:          cfg.Queue.LeaseTTL,
		LeaseGrace:        cfg.Queue.LeaseGrace,
		EmptyPollInterval: cfg.Queue.EmptyPollInterval,
		SweeperInterval:   cfg.Queue.SweeperInterval,
		BackoffBase:       cfg.Queue.BackoffBase,
		BackoffMax:        cfg.Queue.BackoffMax,
	})
	dispatcher.Start(ctx)

	a := &app{
		cfg:     cfg,
		log:     logr,
		db:      db,
		redis:   redisClient,
		store:   store,
		signer:  signer,
		docs:    docRepo,
		metrics: metrics,
		ocr:     ocrSvc,
		audit:   auditSvc,
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: a.router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logr.Info("ops server listening",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.Env),
			zap.String("storage_driver", cfg.Storage.Driver),
			zap.String("ocr_engine", cfg.OCR.Engine))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.pollQueueStats(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logr.Error("shutting down after server failure", zap.Error(err))
	}

	dispatcher.Stop()
	auditSvc.Close()
	logr.Info("shutdown complete")
}

// buildBlobStore selects the configured driver. The signer is only set for the
// local driver, where this process also serves the presigned URLs.
func buildBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, *blob.Signer, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverGCS:
		store, err := blob.NewGCSStore(ctx, cfg.Storage.Bucket)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case config.StorageDriverLocal:
		signer := blob.NewSigner(cfg.Storage.PresignSecret)
		store, err := blob.NewLocalStore(cfg.Storage.LocalDir, cfg.Storage.Bucket, cfg.Storage.PublicBaseURL, signer)
		if err != nil {
			return nil, nil, err
		}
		return store, signer, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func buildEngine(ctx context.Context, cfg *config.Config, logr *zap.Logger) (ocr.Engine, error) {
	switch cfg.OCR.Engine {
	case config.OCREngineMistral:
		return ocr.NewMistralEngine(cfg.OCR.MistralBaseURL, cfg.OCR.MistralModel, cfg.OCR.MistralAPIKey,
			cfg.OCR.Timeout, logr), nil
	case config.OCREngineVertex:
		return ocr.NewVertexEngine(ctx, cfg.OCR.VertexProject, cfg.OCR.VertexLocation, cfg.OCR.VertexModel, logr)
	default:
		return nil, fmt.Errorf("unknown ocr engine %q", cfg.OCR.Engine)
	}
}

func closeEngine(engine ocr.Engine, logr *zap.Logger) {
	if closer, ok := engine.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logr.Warn("failed to close ocr engine", zap.Error(err))
		}
	}
}

// flushStaleDocuments drops cached document snapshots left over from before
// this deploy. Cached OCR results stay: they are keyed by content hash and
// cannot go stale.
func flushStaleDocuments(ctx context.Context, cacheSvc *service.CacheService, logr *zap.Logger) {
	if !cacheSvc.Enabled() {
		return
	}
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cacheSvc.Invalidate(flushCtx, "doc:*"); err != nil {
		logr.Warn("failed to flush document cache at startup", zap.Error(err))
	}
}

func (a *app) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestid.Middleware())
	r.Use(logger.GinMiddleware(a.log))
	// Presigned local-driver URLs are fetched straight from browsers; CORS at
	// the engine level also answers their preflights. The signed token remains
	// the actual access control.
	r.Use(cors.New(a.cfg.CORS.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", a.readiness)
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	r.GET("/ops/queue/stats", a.queueStats)
	r.GET("/ops/documents/stats", a.documentStats)
	r.GET("/ops/audit/usage", a.auditUsage)

	if a.signer != nil {
		r.GET("/files/*key", a.serveBlob)
		r.PUT("/files/*key", a.receiveBlob)
	}

	return r
}

// readiness pings every backing store with a short deadline. Absence of the
// probe object is fine; only transport failures count against readiness.
func (a *app) readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}

	if err := a.db.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["redis"] = "ok"
		}
	}

	if _, err := a.store.Head(ctx, "ops/.readiness"); err != nil && !errors.Is(err, blob.ErrNotExist) {
		checks["blob_store"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["blob_store"] = "ok"
	}

	word := "ready"
	if status != http.StatusOK {
		word = "degraded"
	}
	c.JSON(status, gin.H{"status": word, "checks": checks})
}

func (a *app) queueStats(c *gin.Context) {
	stats, err := a.ocr.QueueStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats)
}

func (a *app) documentStats(c *gin.Context) {
	counts, err := a.docs.CountByStatus(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, counts)
}

// auditUsage reports audited operation counts over a trailing window.
func (a *app) auditUsage(c *gin.Context) {
	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid window"))
			return
		}
		window = parsed
	}
	counts, err := a.audit.UsageCounts(c.Request.Context(), time.Now().Add(-window))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, counts, map[string]interface{}{"window": window.String()})
}

// serveBlob fulfils presigned GET URLs issued by the local driver.
func (a *app) serveBlob(c *gin.Context) {
	key, ok := a.verifyFileToken(c, blob.OpGet)
	if !ok {
		return
	}
	data, err := a.store.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotExist) {
			response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "object not found"))
			return
		}
		response.Error(c, err)
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

// receiveBlob fulfils presigned PUT URLs for staged direct uploads.
func (a *app) receiveBlob(c *gin.Context) {
	key, ok := a.verifyFileToken(c, blob.OpPut)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, a.cfg.Storage.MaxFileSize))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrFileTooLarge, "upload exceeds size limit"))
		return
	}
	if _, err := a.store.Put(c.Request.Context(), key, data, c.ContentType()); err != nil {
		response.Error(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (a *app) verifyFileToken(c *gin.Context, want blob.Op) (string, bool) {
	op, key, _, err := a.signer.Parse(c.Query("token"), false)
	if err != nil || op != want {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired token"))
		return "", false
	}
	if requested := strings.TrimPrefix(c.Param("key"), "/"); requested != key {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "token does not match object"))
		return "", false
	}
	return key, true
}

// pollQueueStats keeps the queue depth gauges fresh.
func (a *app) pollQueueStats(ctx context.Context) {
	ticker := time.NewTicker(statsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statsCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			stats, err := a.ocr.QueueStats(statsCtx)
			cancel()
			if err != nil {
				a.log.Warn("queue stats poll failed", zap.Error(err))
				continue
			}
			a.metrics.SetQueueStats(stats)
		}
	}
}
