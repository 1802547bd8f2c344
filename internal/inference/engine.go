package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/image-classify-api/internal/preprocess"
)

// Fixed tensor names the conversion pipeline exports the graph with.
const (
	inputName  = "input"
	outputName = "output"
)

// ErrModelNotFound reports a missing model file at the configured path.
var ErrModelNotFound = errors.New("model file not found")

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// Prediction is the outcome of a single forward pass.
type Prediction struct {
	ClassID    int
	Confidence float32
}

// Engine wraps a process-wide ONNX runtime session. The session is loaded
// once and is safe for concurrent use: every Predict call allocates its own
// input and output tensors, and onnxruntime permits concurrent Run calls on
// one session.
type Engine struct {
	session    *ort.DynamicAdvancedSession
	modelPath  string
	classCount int
}

// NewEngine loads the inference graph at modelPath on the CPU execution
// provider. sharedLib optionally points at the onnxruntime shared library;
// empty uses the loader default.
func NewEngine(modelPath, sharedLib string, logger *zap.Logger) (*Engine, error) {
	if _, err := os.Stat(modelPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
		}
		return nil, fmt.Errorf("stat model file: %w", err)
	}

	if err := initRuntime(sharedLib); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	_, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model metadata: %w", err)
	}
	if len(outputs) == 0 {
		return nil, errors.New("model has no outputs")
	}
	classCount, err := classCountFromShape(outputs[0].Dimensions)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{inputName}, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	logger.Info("model loaded",
		zap.String("model_path", modelPath),
		zap.Int("class_count", classCount))

	return &Engine{
		session:    session,
		modelPath:  modelPath,
		classCount: classCount,
	}, nil
}

func initRuntime(sharedLib string) error {
	runtimeOnce.Do(func() {
		if sharedLib != "" {
			ort.SetSharedLibraryPath(sharedLib)
		}
		if !ort.IsInitialized() {
			runtimeErr = ort.InitializeEnvironment()
		}
	})
	return runtimeErr
}

func classCountFromShape(shape ort.Shape) (int, error) {
	if len(shape) != 2 {
		return 0, fmt.Errorf("expected rank-2 output, got shape %v", shape)
	}
	classes := shape[1]
	if classes <= 0 {
		return 0, fmt.Errorf("model output has dynamic class dimension: %v", shape)
	}
	return int(classes), nil
}

// ModelPath returns the path the graph was loaded from.
func (e *Engine) ModelPath() string {
	return e.modelPath
}

// ClassCount returns the number of output classes.
func (e *Engine) ClassCount() int {
	return e.classCount
}

// Predict runs one forward pass and converts the raw scores into a class
// index and probability. Errors propagate to the caller; there are no
// retries here.
func (e *Engine) Predict(ctx context.Context, t *preprocess.Tensor) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, err := ort.NewTensor(ort.NewShape(t.Shape[:]...), t.Data)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(e.classCount)))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := e.session.Run(
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
	); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	probs := Softmax(output.GetData())
	idx := Argmax(probs)

	return &Prediction{ClassID: idx, Confidence: probs[idx]}, nil
}

// PredictBatch applies the single-image pipeline sequentially and returns
// results in input order. The first failure aborts the batch.
func (e *Engine) PredictBatch(ctx context.Context, tensors []*preprocess.Tensor) ([]*Prediction, error) {
	return predictSequential(ctx, tensors, e.Predict)
}

// predictSequential is the batch loop over a single-item predict, kept
// separate so ordering and fail-fast behavior are testable without a
// loaded session.
func predictSequential(ctx context.Context, tensors []*preprocess.Tensor, predict func(context.Context, *preprocess.Tensor) (*Prediction, error)) ([]*Prediction, error) {
	results := make([]*Prediction, 0, len(tensors))
	for i, t := range tensors {
		pred, err := predict(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		results = append(results, pred)
	}
	return results, nil
}

// Close releases the session. The runtime environment itself stays up for
// the process lifetime.
func (e *Engine) Close() {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
}
