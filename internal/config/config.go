// Package config provides the configuration structure for lektor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Environment variables that override the file configuration.
const (
	EnvNATSURL      = "LEKTOR_NATS_URL"
	EnvSynthesisURL = "LEKTOR_SYNTHESIS_URL"
	EnvConcurrency  = "LEKTOR_WORKER_CONCURRENCY"
	EnvBaseLogsDir  = "LEKTOR_LOGS_DIR"
)

const (
	defaultLogsDir           = "logs"
	defaultExtension         = "mp3"
	defaultThreshold         = 10
	defaultConcurrent        = 2
	defaultAckWaitSeconds    = 30
	defaultMaxDeliver        = 5
	defaultTimeoutSeconds    = 60
	defaultMaxAttempts       = 3
	defaultStoreAttempts     = 5
	defaultRetryDelaySeconds = 5
)

var (
	// ErrNATSURLEmpty indicates that no broker address is configured.
	ErrNATSURLEmpty = errors.New("nats.url cannot be empty unless nats.embedded is set")
	// ErrSynthesisURLEmpty indicates that no synthesis service is configured.
	ErrSynthesisURLEmpty = errors.New("synthesis.url cannot be empty")
	// ErrNegativeValue indicates a numeric setting below zero.
	ErrNegativeValue = errors.New("value cannot be negative")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL              string `toml:"url"`
	Embedded         bool   `toml:"embedded"`
	EmbeddedStoreDir string `toml:"embedded_store_dir"`
	// EmbeddedPort 0 selects the standard client port, -1 a random one.
	EmbeddedPort             int    `toml:"embedded_port"`
	JobStreamName            string `toml:"job_stream_name"`
	JobSubject               string `toml:"job_subject"`
	JobConsumerName          string `toml:"job_consumer_name"`
	JobsBucket               string `toml:"jobs_bucket"`
	SegmentsBucket           string `toml:"segments_bucket"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	JobFinishedSubject       string `toml:"job_finished_subject"`
	AckWaitSeconds           int    `toml:"ack_wait_seconds"`
	MaxDeliver               int    `toml:"max_deliver"`
}

// SynthesisConfig holds the configuration of the synthesis service client.
type SynthesisConfig struct {
	URL               string  `toml:"url"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	MaxAttempts       int     `toml:"max_attempts"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	AudioExtension    string  `toml:"audio_extension"`
}

// WorkerConfig holds the configuration of the worker pool.
type WorkerConfig struct {
	Concurrency       int `toml:"concurrency"`
	StoreAttempts     int `toml:"store_attempts"`
	RetryDelaySeconds int `toml:"retry_delay_seconds"`
}

// SegmenterConfig holds the sentence-splitting rules.
type SegmenterConfig struct {
	Abbreviations []string `toml:"abbreviations"`
	Threshold     int      `toml:"threshold"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Worker    WorkerConfig    `toml:"worker"`
	Segmenter SegmenterConfig `toml:"segmenter"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the project configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile loads the configuration from an explicit TOML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvironment(os.Getenv)

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvironment overrides settings from environment variables.
func (c *Config) ApplyEnvironment(getenv func(string) string) {
	if value := getenv(EnvNATSURL); value != "" {
		c.NATS.URL = value
	}

	if value := getenv(EnvSynthesisURL); value != "" {
		c.Synthesis.URL = value
	}

	if value := getenv(EnvBaseLogsDir); value != "" {
		c.Paths.BaseLogsDir = value
	}

	if value, err := strconv.Atoi(getenv(EnvConcurrency)); err == nil {
		c.Worker.Concurrency = value
	}
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.NATS.URL == "" && !c.NATS.Embedded {
		return ErrNATSURLEmpty
	}

	if c.Synthesis.URL == "" {
		return ErrSynthesisURLEmpty
	}

	for name, value := range map[string]int{
		"nats.ack_wait_seconds":      c.NATS.AckWaitSeconds,
		"nats.max_deliver":           c.NATS.MaxDeliver,
		"synthesis.timeout_seconds":  c.Synthesis.TimeoutSeconds,
		"synthesis.max_attempts":     c.Synthesis.MaxAttempts,
		"synthesis.burst":            c.Synthesis.Burst,
		"worker.concurrency":         c.Worker.Concurrency,
		"worker.store_attempts":      c.Worker.StoreAttempts,
		"worker.retry_delay_seconds": c.Worker.RetryDelaySeconds,
		"segmenter.threshold":        c.Segmenter.Threshold,
	} {
		if value < 0 {
			return fmt.Errorf("%w: %s = %d", ErrNegativeValue, name, value)
		}
	}

	if c.Synthesis.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: synthesis.requests_per_second = %v", ErrNegativeValue, c.Synthesis.RequestsPerSecond)
	}

	c.applyDefaults()

	return nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.NATS.JobStreamName, "NARRATION_JOBS")
	setDefault(&c.NATS.JobSubject, "narration.jobs")
	setDefault(&c.NATS.JobConsumerName, "narration-workers")
	setDefault(&c.NATS.JobsBucket, "NARRATION_JOB_STATE")
	setDefault(&c.NATS.SegmentsBucket, "NARRATION_SEGMENTS")
	setDefault(&c.NATS.AudioObjectStoreBucket, "NARRATION_AUDIO")
	setDefault(&c.NATS.AudioChunkCreatedSubject, "narration.audio.chunk.created")
	setDefault(&c.NATS.JobFinishedSubject, "narration.job.finished")
	setDefault(&c.Synthesis.AudioExtension, defaultExtension)
	setDefault(&c.Paths.BaseLogsDir, defaultLogsDir)

	setDefaultInt(&c.NATS.AckWaitSeconds, defaultAckWaitSeconds)
	setDefaultInt(&c.NATS.MaxDeliver, defaultMaxDeliver)
	setDefaultInt(&c.Synthesis.TimeoutSeconds, defaultTimeoutSeconds)
	setDefaultInt(&c.Synthesis.MaxAttempts, defaultMaxAttempts)
	setDefaultInt(&c.Worker.Concurrency, defaultConcurrent)
	setDefaultInt(&c.Worker.StoreAttempts, defaultStoreAttempts)
	setDefaultInt(&c.Worker.RetryDelaySeconds, defaultRetryDelaySeconds)
	setDefaultInt(&c.Segmenter.Threshold, defaultThreshold)
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setDefaultInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

// AckWait is the visibility timeout of a delivered job message.
func (c NATSConfig) AckWait() time.Duration {
	return time.Duration(c.AckWaitSeconds) * time.Second
}

// SegmentTimeout bounds one synthesis attempt.
func (c SynthesisConfig) SegmentTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryDelay is the redelivery delay of a failed job message.
func (c WorkerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}
