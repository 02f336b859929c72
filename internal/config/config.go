package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings, resolved from the environment.
type Config struct {
	HTTPAddr string
	WSAddr   string

	UploadsDir string
	ResultsDir string

	PythonBin     string
	ScriptPath    string
	ModelPath     string
	MaxUploadSize int64

	InferenceTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, applying defaults for
// anything unset. A .env file in the working directory is honored when
// present but is never required.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:   getEnv("HTTP_ADDR", ":5000"),
		WSAddr:     getEnv("WS_ADDR", ":8080"),
		UploadsDir: getEnv("UPLOADS_DIR", "uploads"),
		ResultsDir: getEnv("RESULTS_DIR", "results"),
		PythonBin:  getEnv("PYTHON_BIN", "python"),
		ScriptPath: getEnv("INFERENCE_SCRIPT", "scripts/inference.py"),
		ModelPath:  getEnv("MODEL_PATH", "models/best.pt"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "json"),
	}

	maxUpload, err := getEnvInt64("MAX_UPLOAD_BYTES", 50<<20)
	if err != nil {
		return Config{}, err
	}
	if maxUpload <= 0 {
		return Config{}, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", maxUpload)
	}
	cfg.MaxUploadSize = maxUpload

	timeout, err := getEnvDuration("INFERENCE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	if timeout <= 0 {
		return Config{}, fmt.Errorf("INFERENCE_TIMEOUT must be positive, got %s", timeout)
	}
	cfg.InferenceTimeout = timeout

	return cfg, nil
}

// getEnv returns the variable value or a default when unset or empty.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt64 parses an integer variable or returns a default when unset.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}

	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

// getEnvDuration parses a duration variable or returns a default when unset.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}

	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}
