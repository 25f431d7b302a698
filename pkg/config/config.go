// Package config loads engine configuration from the environment with sane
// defaults, so binaries run out of the box against a local Redis and Kafka.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// MatchWeights are the scoring weights used by the worker matcher.
// They must sum to 1.0.
type MatchWeights struct {
	Reputation  float64
	SuccessRate float64
	Skills      float64
	Languages   float64
}

// Sum returns the total of the weights, used for validation.
func (w MatchWeights) Sum() float64 {
	return w.Reputation + w.SuccessRate + w.Skills + w.Languages
}

// Config holds all tunables for the API server and the workflow engine.
type Config struct {
	RedisAddr    string
	APIKey       string
	KafkaBrokers []string

	NotifyTopic  string
	EventsTopic  string
	PaymentTopic string

	ServerAddr  string
	MetricsAddr string

	// PollInterval is the durable timer delay between status checks while a
	// task is waiting for verifications.
	PollInterval time.Duration
	// MaxConcurrentPerWorker caps a worker's simultaneous assignments.
	MaxConcurrentPerWorker int
	// MaxDistributionAttempts bounds redistribution cycles per task.
	MaxDistributionAttempts int
	// NotifyBatchSize is the maximum number of workers per notification call.
	NotifyBatchSize int

	// NotifyRateLimit / NotifyRateBurst throttle notification batches via the
	// store's token bucket. Zero disables the limiter.
	NotifyRateLimit int
	NotifyRateBurst int

	Weights MatchWeights
}

// Load builds a Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		RedisAddr:    getenv("REDIS_ADDR", "127.0.0.1:6379"),
		APIKey:       os.Getenv("API_KEY"),
		KafkaBrokers: []string{getenv("KAFKA_BROKERS", "localhost:9092")},

		NotifyTopic:  getenv("KAFKA_TOPIC_NOTIFY", "verifyq-notifications"),
		EventsTopic:  getenv("KAFKA_TOPIC_EVENTS", "verifyq-events"),
		PaymentTopic: getenv("KAFKA_TOPIC_PAYMENTS", "verifyq-payments"),

		ServerAddr:  getenv("SERVER_ADDR", ":8081"),
		MetricsAddr: getenv("METRICS_ADDR", ":8080"),

		PollInterval:            getduration("POLL_INTERVAL", 60*time.Second),
		MaxConcurrentPerWorker:  getint("MAX_CONCURRENT_PER_WORKER", 5),
		MaxDistributionAttempts: getint("MAX_DISTRIBUTION_ATTEMPTS", 3),
		NotifyBatchSize:         getint("NOTIFY_BATCH_SIZE", 10),

		NotifyRateLimit: getint("NOTIFY_RATE_LIMIT", 0),
		NotifyRateBurst: getint("NOTIFY_RATE_BURST", 0),

		Weights: MatchWeights{
			Reputation:  getfloat("MATCH_WEIGHT_REPUTATION", 0.3),
			SuccessRate: getfloat("MATCH_WEIGHT_SUCCESS_RATE", 0.3),
			Skills:      getfloat("MATCH_WEIGHT_SKILLS", 0.2),
			Languages:   getfloat("MATCH_WEIGHT_LANGUAGES", 0.2),
		},
	}

	if s := cfg.Weights.Sum(); s < 0.999 || s > 1.001 {
		return nil, fmt.Errorf("match weights must sum to 1.0, got %.3f", s)
	}
	if cfg.MaxConcurrentPerWorker < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_PER_WORKER must be >= 1")
	}
	if cfg.NotifyBatchSize < 1 {
		return nil, fmt.Errorf("NOTIFY_BATCH_SIZE must be >= 1")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
