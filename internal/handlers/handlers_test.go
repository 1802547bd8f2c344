package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/image-classify-api/internal/auth"
	"github.com/example/image-classify-api/internal/config"
	"github.com/example/image-classify-api/internal/inference"
	"github.com/example/image-classify-api/internal/metrics"
	"github.com/example/image-classify-api/internal/preprocess"
	"github.com/example/image-classify-api/internal/usecase"
)

type stubClassifier struct {
	prediction *inference.Prediction
	err        error
}

func (s *stubClassifier) Predict(ctx context.Context, t *preprocess.Tensor) (*inference.Prediction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.prediction, nil
}

func newTestServer(t *testing.T, classifier usecase.Classifier, apiKey string) (*gin.Engine, *metrics.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{ModelPath: "model.onnx", Workers: 1, TimeoutSeconds: 60}
	stats := metrics.NewStore()
	uc := usecase.NewClassifyUseCase(classifier, nil, nil, zap.NewNop())

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, uc, stats, cfg, auth.APIKey(apiKey), zap.NewNop())
	return router, stats
}

func redPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 224, 224))
	for y := 0; y < 224; y++ {
		for x := 0; x < 224; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func buildUpload(t *testing.T, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func postPredict(router *gin.Engine, body *bytes.Buffer, contentType, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestPredictSuccess(t *testing.T) {
	router, stats := newTestServer(t, &stubClassifier{
		prediction: &inference.Prediction{ClassID: 281, Confidence: 0.93},
	}, "")

	body, contentType := buildUpload(t, "red.png", redPNG(t))
	resp := postPredict(router, body, contentType, "")

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var result struct {
		ClassID        int     `json:"class_id"`
		Confidence     float32 `json:"confidence"`
		Filename       string  `json:"filename"`
		ProcessingTime float64 `json:"processing_time"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.ClassID < 0 {
		t.Fatalf("class id must be non-negative, got %d", result.ClassID)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		t.Fatalf("confidence out of range: %f", result.Confidence)
	}
	if result.Filename != "red.png" {
		t.Fatalf("unexpected filename: %q", result.Filename)
	}

	snap := stats.Snapshot()
	if snap.TotalRequests != 1 || snap.SuccessfulRequests != 1 || snap.FailedRequests != 0 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
}

func TestPredictAverageLatencyMatchesProcessingTime(t *testing.T) {
	router, stats := newTestServer(t, &stubClassifier{
		prediction: &inference.Prediction{ClassID: 281, Confidence: 0.93},
	}, "")

	body, contentType := buildUpload(t, "red.png", redPNG(t))
	resp := postPredict(router, body, contentType, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var result struct {
		ProcessingTime float64 `json:"processing_time"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	snap := stats.Snapshot()
	if math.Abs(snap.AverageResponseTime-result.ProcessingTime) > 1e-6 {
		t.Fatalf("average %f diverges from processing_time %f",
			snap.AverageResponseTime, result.ProcessingTime)
	}
}

func TestPredictRejectsNonImage(t *testing.T) {
	router, stats := newTestServer(t, &stubClassifier{
		prediction: &inference.Prediction{ClassID: 1},
	}, "")

	body, contentType := buildUpload(t, "note.txt", []byte("plain text"))
	resp := postPredict(router, body, contentType, "")

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}

	var errBody struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !strings.HasPrefix(errBody.Detail, "Error processing image:") {
		t.Fatalf("unexpected detail: %q", errBody.Detail)
	}

	snap := stats.Snapshot()
	if snap.TotalRequests != 1 || snap.FailedRequests != 1 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
}

func TestPredictMissingFileField(t *testing.T) {
	router, _ := newTestServer(t, &stubClassifier{}, "")

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("other", "value"); err != nil {
		t.Fatalf("failed to write field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	resp := postPredict(router, body, writer.FormDataContentType(), "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestPredictInferenceFailure(t *testing.T) {
	router, stats := newTestServer(t, &stubClassifier{err: errors.New("inference failed")}, "")

	body, contentType := buildUpload(t, "red.png", redPNG(t))
	resp := postPredict(router, body, contentType, "")

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	var errBody struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !strings.Contains(errBody.Detail, "inference failed") {
		t.Fatalf("expected root cause in detail, got %q", errBody.Detail)
	}

	snap := stats.Snapshot()
	if snap.FailedRequests != 1 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
}

func TestPredictRequiresAPIKey(t *testing.T) {
	router, stats := newTestServer(t, &stubClassifier{
		prediction: &inference.Prediction{ClassID: 1, Confidence: 0.9},
	}, "secret")

	body, contentType := buildUpload(t, "red.png", redPNG(t))
	resp := postPredict(router, body, contentType, "")

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "API key is required") {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}

	// Rejected requests never reach the handler, so counters stay put.
	if snap := stats.Snapshot(); snap.TotalRequests != 0 {
		t.Fatalf("unexpected metrics after auth rejection: %+v", snap)
	}

	body, contentType = buildUpload(t, "red.png", redPNG(t))
	resp = postPredict(router, body, contentType, "Bearer secret")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid key, got %d", resp.Code)
	}
}

func TestMetricsMonotonicity(t *testing.T) {
	router, stats := newTestServer(t, &stubClassifier{
		prediction: &inference.Prediction{ClassID: 2, Confidence: 0.8},
	}, "")

	const successes = 3
	const failures = 2
	for i := 0; i < successes; i++ {
		body, contentType := buildUpload(t, "red.png", redPNG(t))
		if resp := postPredict(router, body, contentType, ""); resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.Code)
		}
	}
	for i := 0; i < failures; i++ {
		body, contentType := buildUpload(t, "bad.txt", []byte("not an image"))
		if resp := postPredict(router, body, contentType, ""); resp.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.Code)
		}
	}

	snap := stats.Snapshot()
	if snap.TotalRequests != successes+failures {
		t.Fatalf("expected %d total, got %d", successes+failures, snap.TotalRequests)
	}
	if snap.SuccessfulRequests != successes || snap.FailedRequests != failures {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
}

func TestRootEndpoint(t *testing.T) {
	router, _ := newTestServer(t, &stubClassifier{}, "")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Status   string `json:"status"`
		Message  string `json:"message"`
		Version  string `json:"version"`
		Platform string `json:"platform"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "healthy" || body.Version == "" || body.Platform == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestServer(t, &stubClassifier{}, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Status      string          `json:"status"`
		Timestamp   string          `json:"timestamp"`
		ModelLoaded bool            `json:"model_loaded"`
		APIStats    json.RawMessage `json:"api_stats"`
		Environment struct {
			Workers   int    `json:"workers"`
			Timeout   int    `json:"timeout"`
			ModelPath string `json:"model_path"`
		} `json:"environment"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.ModelLoaded {
		t.Fatal("expected model_loaded true")
	}
	if body.Environment.ModelPath != "model.onnx" || body.Environment.Workers != 1 || body.Environment.Timeout != 60 {
		t.Fatalf("unexpected environment: %+v", body.Environment)
	}
	if body.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestServer(t, &stubClassifier{}, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Timestamp string `json:"timestamp"`
		APIStats  struct {
			TotalRequests int64 `json:"total_requests"`
		} `json:"api_stats"`
		ModelInfo struct {
			Path   string `json:"path"`
			Loaded bool   `json:"loaded"`
		} `json:"model_info"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.ModelInfo.Path != "model.onnx" || !body.ModelInfo.Loaded {
		t.Fatalf("unexpected model info: %+v", body.ModelInfo)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	router, _ := newTestServer(t, &stubClassifier{
		prediction: &inference.Prediction{ClassID: 1, Confidence: 0.9},
	}, "")

	body, contentType := buildUpload(t, "red.png", redPNG(t))
	if resp := postPredict(router, body, contentType, ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "predict_requests_total") {
		t.Fatalf("expected prometheus exposition, got: %s", resp.Body.String())
	}
}
