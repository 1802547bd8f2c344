package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/image-classify-api/internal/config"
	"github.com/example/image-classify-api/internal/logging"
	"github.com/example/image-classify-api/internal/metrics"
	"github.com/example/image-classify-api/internal/usecase"
)

// MaxUploadSize caps multipart uploads at 10 MiB.
const MaxUploadSize = 10 << 20

const (
	apiVersion   = "1.0.0"
	platformName = "onnxruntime-go"
)

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.ClassifyUseCase, stats *metrics.Store, cfg *config.Config, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"message":  "Image Classification API is running",
			"version":  apiVersion,
			"platform": platformName,
		})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "healthy",
			"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
			"model_loaded": uc.ModelLoaded(),
			"api_stats":    stats.Snapshot(),
			"environment": gin.H{
				"workers":    cfg.Workers,
				"timeout":    cfg.TimeoutSeconds,
				"model_path": cfg.ModelPath,
			},
		})
	})

	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"api_stats": stats.Snapshot(),
			"model_info": gin.H{
				"path":   cfg.ModelPath,
				"loaded": uc.ModelLoaded(),
			},
		})
	})

	router.GET("/metrics/prometheus", gin.WrapH(
		promhttp.HandlerFor(stats.Registry(), promhttp.HandlerOpts{})))

	router.POST("/predict", authMiddleware, func(c *gin.Context) {
		stats.RecordStart()

		file, err := c.FormFile("file")
		if err != nil {
			stats.RecordFailure()
			processingError(c, err)
			return
		}

		src, err := file.Open()
		if err != nil {
			stats.RecordFailure()
			processingError(c, err)
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			stats.RecordFailure()
			processingError(c, err)
			return
		}

		result, err := uc.ClassifyUpload(c.Request.Context(), file.Filename, data)
		if err != nil {
			stats.RecordFailure()
			logger.Warn("prediction request failed",
				zap.String("filename", file.Filename),
				zap.Error(err))
			processingError(c, err)
			return
		}

		// The averaged latency is the same value the client sees as
		// processing_time.
		stats.RecordSuccess(time.Duration(result.ProcessingTime * float64(time.Second)))
		c.JSON(http.StatusOK, result)
	})
}

// processingError translates any per-request failure to the client-facing
// 400 body. Operation wrapping is stripped so the caller sees the root
// cause, not internal plumbing.
func processingError(c *gin.Context, err error) {
	var opErr *logging.OperationError
	if errors.As(err, &opErr) {
		err = opErr.Err
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"detail": fmt.Sprintf("Error processing image: %v", err),
	})
}
