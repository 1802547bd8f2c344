package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/image-classify-api/internal/inference"
	"github.com/example/image-classify-api/internal/logging"
	"github.com/example/image-classify-api/internal/preprocess"
	"github.com/example/image-classify-api/internal/repository"
)

// Classifier is the inference seam: the in-process ONNX engine in
// production, a stub in tests.
type Classifier interface {
	Predict(ctx context.Context, t *preprocess.Tensor) (*inference.Prediction, error)
}

// PredictionStore persists served predictions.
type PredictionStore interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
}

// ClassifyResult is the client-facing outcome of one prediction request.
type ClassifyResult struct {
	ClassID        int     `json:"class_id"`
	Confidence     float32 `json:"confidence"`
	Filename       string  `json:"filename"`
	ProcessingTime float64 `json:"processing_time"`
}

// ClassifyUseCase orchestrates scratch-file handling, preprocessing,
// inference, and the optional cache and prediction-log side effects.
// Cache and store may be nil; the serving path never depends on them.
type ClassifyUseCase struct {
	classifier     Classifier
	cache          Cache
	store          PredictionStore
	logger         *zap.Logger
	scratchDir     string
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassifyUseCase constructs a new use case instance.
func NewClassifyUseCase(classifier Classifier, cache Cache, store PredictionStore, logger *zap.Logger) *ClassifyUseCase {
	return &ClassifyUseCase{
		classifier:     classifier,
		cache:          cache,
		store:          store,
		logger:         logger.Named("classify_usecase"),
		scratchDir:     os.TempDir(),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// ModelLoaded reports whether a classifier is wired in.
func (uc *ClassifyUseCase) ModelLoaded() bool {
	return uc.classifier != nil
}

// ClassifyUpload runs the full per-request pipeline for an uploaded image:
// write a uniquely-named scratch file, preprocess, predict, then cache and
// persist the outcome best-effort. The scratch file is removed on every
// exit path.
func (uc *ClassifyUseCase) ClassifyUpload(ctx context.Context, filename string, data []byte) (*ClassifyResult, error) {
	start := time.Now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify_upload", requestID)

	hash := sha1.Sum(data)
	hashHex := hex.EncodeToString(hash[:])

	if cached, ok := uc.lookupCache(ctx, requestID, opLogger, hashHex); ok {
		return &ClassifyResult{
			ClassID:        cached.ClassID,
			Confidence:     cached.Confidence,
			Filename:       filename,
			ProcessingTime: time.Since(start).Seconds(),
		}, nil
	}

	scratch := filepath.Join(uc.scratchDir, "classify-"+requestID+filepath.Ext(filename))
	if err := os.WriteFile(scratch, data, 0o600); err != nil {
		return nil, logging.NewOperationError("usecase.write_scratch", requestID, err)
	}
	defer func() {
		if err := os.Remove(scratch); err != nil && !errors.Is(err, os.ErrNotExist) {
			opLogger.Warn("failed to remove scratch file", zap.Error(err))
		}
	}()

	tensor, err := preprocess.FromFile(scratch)
	if err != nil {
		return nil, logging.NewOperationError("usecase.preprocess", requestID, err)
	}

	pred, err := uc.classifier.Predict(ctx, tensor)
	if err != nil {
		return nil, logging.NewOperationError("usecase.predict", requestID, err)
	}

	result := &ClassifyResult{
		ClassID:        pred.ClassID,
		Confidence:     pred.Confidence,
		Filename:       filename,
		ProcessingTime: time.Since(start).Seconds(),
	}

	uc.recordOutcome(ctx, requestID, opLogger, hashHex, result)

	return result, nil
}

func (uc *ClassifyUseCase) lookupCache(ctx context.Context, requestID string, opLogger *zap.Logger, hashHex string) (*CachedPrediction, bool) {
	if uc.cache == nil {
		return nil, false
	}

	var cached *CachedPrediction
	err := uc.withRedisRetry(ctx, requestID, "cache.get.prediction", func() error {
		var err error
		cached, err = uc.cache.GetPrediction(ctx, hashHex)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}
	return cached, true
}

// recordOutcome caches and persists a served prediction. Failures here are
// logged and swallowed: the response has already been computed.
func (uc *ClassifyUseCase) recordOutcome(ctx context.Context, requestID string, opLogger *zap.Logger, hashHex string, result *ClassifyResult) {
	if uc.cache != nil {
		if err := uc.withRedisRetry(ctx, requestID, "cache.set.prediction", func() error {
			return uc.cache.SetPrediction(ctx, hashHex, &CachedPrediction{
				ClassID:    result.ClassID,
				Confidence: result.Confidence,
			})
		}); err != nil {
			opLogger.Warn("failed to cache prediction", zap.Error(err))
		}
	}

	if uc.store != nil {
		log := &repository.PredictionLog{
			RequestID:      requestID,
			Filename:       result.Filename,
			ClassID:        result.ClassID,
			Confidence:     result.Confidence,
			ProcessingTime: result.ProcessingTime,
			SHA1Hash:       hashHex,
			CreatedAt:      time.Now().UTC(),
		}
		if err := uc.store.SaveLog(ctx, log); err != nil {
			opLogger.Warn("failed to persist prediction log", zap.Error(err))
		}
	}
}

func (uc *ClassifyUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, ErrCacheMiss) {
			// A miss is an outcome, not a failure worth retrying or logging.
			return logging.NewOperationError(operation, requestID, err)
		}

		if !logging.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
