package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/example/image-classify-api/internal/auth"
	"github.com/example/image-classify-api/internal/config"
	"github.com/example/image-classify-api/internal/handlers"
	"github.com/example/image-classify-api/internal/inference"
	"github.com/example/image-classify-api/internal/logging"
	"github.com/example/image-classify-api/internal/metrics"
	"github.com/example/image-classify-api/internal/repository"
	"github.com/example/image-classify-api/internal/usecase"
)

func main() {
	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	// A missing or invalid model is fatal: the process must not accept
	// traffic it cannot serve.
	engine, err := inference.NewEngine(cfg.ModelPath, cfg.OnnxRuntimeLib, logger)
	if err != nil {
		logger.Fatal("failed to load model", zap.String("model_path", cfg.ModelPath), zap.Error(err))
	}
	defer engine.Close()

	stats := metrics.NewStore()

	initCtx, cancel := context.WithTimeout(rootCtx, 15*time.Second)
	defer cancel()

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		cache = usecase.NewRedisCache(initRedis(initCtx, cfg.RedisAddr, logger))
	}

	var store usecase.PredictionStore
	if cfg.DatabaseDSN != "" {
		repo := repository.NewPredictionRepository(initDatabase(initCtx, cfg.DatabaseDSN, logger), logger)
		if err := repo.AutoMigrate(initCtx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		store = repo
	}

	uc := usecase.NewClassifyUseCase(engine, cache, store, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(router, uc, stats, cfg, auth.APIKey(cfg.APIKey), logger)

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	logger.Info("image classification API listening",
		zap.Int("port", cfg.Port),
		zap.String("model_path", cfg.ModelPath),
		zap.Int("class_count", engine.ClassCount()),
		zap.Int("workers", cfg.Workers),
		zap.Bool("auth_enabled", cfg.APIKey != ""))

	if err := runServer(rootCtx, server, nil, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.String("addr", addr), zap.Error(err))
	}
	return client
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

// runServer serves until ctx is cancelled (interrupt or SIGTERM in main),
// then drains in-flight requests within shutdownTimeout. A non-nil
// listener overrides the server address; tests rely on that and on
// driving shutdown through their own context.
func runServer(ctx context.Context, server *http.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("grace_period", shutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-serveErr
}
