// Package config loads the evaluation core's environment-driven
// configuration, the way the teacher's cmd/tarsy/main.go loads HTTP_PORT/
// GIN_MODE via os.Getenv with typed defaults, generalized into a single
// struct assembled once at process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment variable the core recognizes.
type Config struct {
	DBURL                 string
	QueueURL              string
	DLQURL                string
	ModelProviderEndpoint string
	ModelProviderKey      string
	RateLimitPerSecond    float64
	CircuitFailureThreshold float64
	EvalTimeout           time.Duration
	ExecutionTimeout      time.Duration
	HTTPPort              string
}

// Load reads the recognized environment variables, applying the spec's
// documented defaults. It does not call godotenv.Load itself — callers
// decide whether a .env file should be consulted, matching
// cmd/tarsy/main.go's ordering (godotenv.Load before config.Load).
func Load() (*Config, error) {
	cfg := &Config{
		DBURL:                 os.Getenv("DB_URL"),
		QueueURL:              os.Getenv("QUEUE_URL"),
		DLQURL:                os.Getenv("DLQ_URL"),
		ModelProviderEndpoint: os.Getenv("MODEL_PROVIDER_ENDPOINT"),
		ModelProviderKey:      os.Getenv("MODEL_PROVIDER_KEY"),
		HTTPPort:              getEnv("HTTP_PORT", "8080"),
	}

	var err error
	if cfg.RateLimitPerSecond, err = getEnvFloat("RATE_LIMIT_PER_SECOND", 10); err != nil {
		return nil, err
	}
	if cfg.CircuitFailureThreshold, err = getEnvFloat("CIRCUIT_FAILURE_THRESHOLD", 0.5); err != nil {
		return nil, err
	}
	evalSeconds, err := getEnvFloat("EVAL_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	cfg.EvalTimeout = time.Duration(evalSeconds * float64(time.Second))

	execSeconds, err := getEnvFloat("EXECUTION_TIMEOUT_SECONDS", 3600)
	if err != nil {
		return nil, err
	}
	cfg.ExecutionTimeout = time.Duration(execSeconds * float64(time.Second))

	if cfg.DBURL == "" {
		return nil, fmt.Errorf("%w: DB_URL", ErrMissingRequiredField)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, NewValidationError(key, err)
	}
	return v, nil
}
