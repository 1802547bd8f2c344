package config

import (
	"os"
	"strconv"
)

// Config carries all environment-driven settings for the service.
type Config struct {
	// APIKey is the shared bearer secret for /predict. Empty disables auth.
	APIKey string
	// ModelPath points at the serialized ONNX inference graph.
	ModelPath string
	// Workers is surfaced in /health; request concurrency itself is
	// whatever the HTTP server permits.
	Workers int
	// TimeoutSeconds bounds HTTP read/write on the server.
	TimeoutSeconds int
	// Port is the listen port.
	Port int
	// RedisAddr enables the prediction result cache when non-empty.
	RedisAddr string
	// DatabaseDSN enables the prediction log when non-empty.
	DatabaseDSN string
	// OnnxRuntimeLib overrides the onnxruntime shared library location.
	OnnxRuntimeLib string
}

// FromEnv reads the configuration from environment variables, applying
// documented defaults for anything unset.
func FromEnv() *Config {
	return &Config{
		APIKey:         os.Getenv("API_KEY"),
		ModelPath:      getEnv("MODEL_PATH", "model.onnx"),
		Workers:        getEnvInt("WORKERS", 1),
		TimeoutSeconds: getEnvInt("TIMEOUT", 60),
		Port:           getEnvInt("PORT", 8000),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		DatabaseDSN:    os.Getenv("DATABASE_DSN"),
		OnnxRuntimeLib: os.Getenv("ONNXRUNTIME_SHARED_LIB"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
