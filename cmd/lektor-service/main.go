// main package for the lektor narration service
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/lektor/internal/backoff"
	"github.com/book-expert/lektor/internal/broker"
	"github.com/book-expert/lektor/internal/config"
	"github.com/book-expert/lektor/internal/synthesis"
	"github.com/book-expert/lektor/internal/worker"
	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
)

const (
	healthCheckTimeout = 10 * time.Second
	httpTimeoutSlack   = 5 * time.Second
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "lektor-service-bootstrap.log")
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Pick up a local .env before reading configuration
	err = godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		bootstrapLog.Warn("Failed to load .env file: %v", err)
	}

	// 3. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 4. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "lektor-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

// serve wires the pipeline and runs the worker pool until ctx ends.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsBroker, err := broker.Connect(cfg.NATS, log)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := natsBroker.Close()
		if closeErr != nil {
			log.Error("Failed to close NATS connection: %v", closeErr)
		}
	}()

	components, err := natsBroker.Components(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to bind NATS resources: %w", err)
	}

	client := synthesis.NewClient(
		cfg.Synthesis.URL,
		cfg.Synthesis.SegmentTimeout()+httpTimeoutSlack,
		synthesis.WithRateLimit(cfg.Synthesis.RequestsPerSecond, cfg.Synthesis.Burst),
	)

	checkSynthesisService(ctx, client, cfg.Synthesis.URL, log)

	narrationWorker := worker.New(worker.Dependencies{
		Jobs:        components.Jobs,
		Segments:    components.Segments,
		Synthesizer: client,
		Audio:       components.Audio,
		Notifier:    components.Notifier,
	}, worker.Config{
		SegmentTimeout:    cfg.Synthesis.SegmentTimeout(),
		SynthesisAttempts: cfg.Synthesis.MaxAttempts,
		StoreAttempts:     cfg.Worker.StoreAttempts,
		Backoff:           backoff.NewExponentialWithJitter(time.Second, 30*time.Second),
		ResultExtension:   cfg.Synthesis.AudioExtension,
	}, log)

	log.System("Lektor service initialized. %d worker(s) listening for jobs on subject: %s",
		cfg.Worker.Concurrency, cfg.NATS.JobSubject)

	err = worker.NewPool(components.Queue, narrationWorker, cfg.Worker.Concurrency, log).Run(ctx)
	if err != nil {
		return err
	}

	log.System("Lektor service stopped.")

	return nil
}

// checkSynthesisService only warns: jobs wait in the queue until the service is up.
func checkSynthesisService(ctx context.Context, client *synthesis.Client, url string, log *logger.Logger) {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err := client.HealthCheck(healthCtx)
	if err != nil {
		log.Warn("Synthesis service at %s is not healthy yet: %v", url, err)

		return
	}

	log.Info("Synthesis service at %s is healthy.", url)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
