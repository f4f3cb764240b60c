// Package worker drives batch narration jobs: it claims a job, synthesizes the
// document's segments in order, stores the audio and records progress.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/lektor/internal/backoff"
	"github.com/book-expert/lektor/internal/core"
	"github.com/book-expert/lektor/internal/queue"
	"github.com/book-expert/lektor/internal/synthesis"
	"github.com/book-expert/logger"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/book-expert/lektor/internal/worker"

const (
	defaultSegmentTimeout    = 60 * time.Second
	defaultSynthesisAttempts = 3
	defaultStoreAttempts     = 5
	defaultResultExtension   = "mp3"
)

// Config tunes retries and timeouts of a Worker.
type Config struct {
	// SegmentTimeout bounds one synthesis attempt.
	SegmentTimeout    time.Duration
	SynthesisAttempts int
	StoreAttempts     int
	Backoff           backoff.Strategy
	// ResultExtension names the audio format of the result key.
	ResultExtension string
}

func (c Config) withDefaults() Config {
	if c.SegmentTimeout <= 0 {
		c.SegmentTimeout = defaultSegmentTimeout
	}

	if c.SynthesisAttempts <= 0 {
		c.SynthesisAttempts = defaultSynthesisAttempts
	}

	if c.StoreAttempts <= 0 {
		c.StoreAttempts = defaultStoreAttempts
	}

	if c.Backoff == nil {
		c.Backoff = backoff.NewExponentialWithJitter(500*time.Millisecond, 10*time.Second)
	}

	if c.ResultExtension == "" {
		c.ResultExtension = defaultResultExtension
	}

	return c
}

// Dependencies are the collaborators a Worker writes to and reads from.
type Dependencies struct {
	Jobs        core.JobStore
	Segments    core.SegmentStore
	Synthesizer core.Synthesizer
	Audio       core.ObjectStore
	Notifier    core.Notifier
}

// Worker processes one BatchJobMessage at a time. It holds no per-job state,
// so one instance may serve several subscribers.
type Worker struct {
	deps   Dependencies
	cfg    Config
	log    *logger.Logger
	tracer trace.Tracer
}

// New creates a worker.
func New(deps Dependencies, cfg Config, log *logger.Logger) *Worker {
	return &Worker{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		log:    log,
		tracer: otel.Tracer(tracerName),
	}
}

// ResultKey is the storage key of a job's finished narration.
func ResultKey(job core.Job, extension string) string {
	return fmt.Sprintf("tts/%s/%s.%s", job.UserID, job.ID, extension)
}

// ChunkKey is the storage key of one segment's audio.
func ChunkKey(job core.Job, segment core.Segment, extension string) string {
	return fmt.Sprintf("tts/%s/%s/%05d.%s", job.UserID, job.ID, segment.Order, extension)
}

// ProgressAfter is the progress recorded once segment index (0-based) of
// total has been synthesized.
func ProgressAfter(index, total int) float64 {
	return core.ProgressClaimed + float64(index+1)*core.ProgressSynthesisShare/float64(max(total, 1))
}

// Handle processes a job message. A nil return means the message is settled
// (the job finished, was skipped or was failed); an error asks the queue to
// redeliver, unless it wraps queue.ErrPoison. On the final delivery of a
// message a redeliverable failure fails the job instead, so no job is left
// queued or processing once its message is gone.
func (w *Worker) Handle(ctx context.Context, msg core.BatchJobMessage) error {
	ctx, span := w.tracer.Start(ctx, "worker.handle", trace.WithAttributes(
		attribute.String("job.id", msg.JobID),
		attribute.String("document.id", msg.DocumentID),
		attribute.String("voice_model.id", msg.VoiceModelID),
	))
	defer span.End()

	err := w.handle(ctx, msg)

	delivery, ok := queue.DeliveryFrom(ctx)
	if err != nil && ok && delivery.Final() && ctx.Err() == nil && !errors.Is(err, queue.ErrPoison) {
		err = w.abandon(ctx, msg.JobID, delivery, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

func (w *Worker) handle(ctx context.Context, msg core.BatchJobMessage) error {
	job, err := w.loadJob(ctx, msg.JobID)
	if err != nil {
		return err
	}

	switch {
	case job.Kind != core.KindBatch:
		return fmt.Errorf("%w: job %s is a %s job", queue.ErrPoison, job.ID, job.Kind)
	case job.Status.Terminal():
		w.log.Info("Job %s is already %s, skipping", job.ID, job.Status)

		return nil
	case job.Status == core.StatusCancelling:
		return w.finish(ctx, job.ID, core.Fail(core.FailureCancelled))
	case job.Status == core.StatusProcessing:
		w.log.Warn("Job %s was left processing at %.2f, restarting from the first segment", job.ID, job.Progress)
	}

	job, err = w.write(ctx, job.ID, core.Claim())
	if err != nil {
		return w.interrupted(ctx, msg.JobID, err)
	}

	segments, err := w.loadSegments(ctx, job.DocumentID)
	if err != nil {
		return err
	}

	w.log.Info("Processing job %s: %d segment(s) of document %s with voice %s",
		job.ID, len(segments), job.DocumentID, job.VoiceModelID)

	if len(segments) == 0 {
		return w.complete(ctx, job, segments, "")
	}

	var contentType string

	for index, segment := range segments {
		current, loadErr := w.loadJob(ctx, job.ID)
		if loadErr != nil {
			return loadErr
		}

		if current.Status != core.StatusProcessing {
			return w.interrupted(ctx, job.ID, fmt.Errorf("%w: job is %s", core.ErrInvalidTransition, current.Status))
		}

		chunkType, stepErr := w.processSegment(ctx, job, segment, len(segments))
		if stepErr != nil {
			return w.segmentFailed(ctx, job, segment, stepErr)
		}

		if contentType == "" {
			contentType = chunkType
		}

		if index == len(segments)-1 {
			return w.complete(ctx, job, segments, contentType)
		}

		_, err = w.write(ctx, job.ID, core.Advance(ProgressAfter(index, len(segments))))
		if err != nil {
			return w.interrupted(ctx, job.ID, err)
		}
	}

	return nil
}

// errStorage marks failures of our own storage, which are redelivered rather
// than recorded on the job.
var errStorage = errors.New("storage failure")

// complete joins the chunks of every segment, in document order, into the
// object at the job's result key and marks the job done.
func (w *Worker) complete(ctx context.Context, job core.Job, segments []core.Segment, contentType string) error {
	resultKey := ResultKey(job, w.cfg.ResultExtension)

	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		parts = append(parts, ChunkKey(job, segment, w.cfg.ResultExtension))
	}

	err := w.retryStore(ctx, func(ctx context.Context) error {
		return w.deps.Audio.Compose(ctx, resultKey, parts, contentType)
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("job %s interrupted: %w", job.ID, ctx.Err())
		}

		return fmt.Errorf("%w: failed to compose narration %s: %w", errStorage, resultKey, err)
	}

	return w.finish(ctx, job.ID, core.Complete(resultKey))
}

func (w *Worker) processSegment(ctx context.Context, job core.Job, segment core.Segment, total int) (string, error) {
	ctx, span := w.tracer.Start(ctx, "worker.segment", trace.WithAttributes(
		attribute.String("segment.id", segment.ID),
		attribute.Int("segment.order", segment.Order),
		attribute.Int("segment.total", total),
	))
	defer span.End()

	result, err := w.synthesize(ctx, job, segment)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")

		return "", err
	}

	key := ChunkKey(job, segment, w.cfg.ResultExtension)

	err = w.retryStore(ctx, func(ctx context.Context) error {
		return w.deps.Audio.Upload(ctx, key, result.Audio, result.ContentType)
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to upload audio %s: %w", errStorage, key, err)
	}

	w.log.Info("Stored %s of audio for segment %d/%d of job %s",
		humanize.Bytes(uint64(len(result.Audio))), segment.Order+1, total, job.ID)

	err = w.deps.Notifier.AudioChunkCreated(ctx, core.AudioChunk{
		Job:           job,
		Segment:       segment,
		AudioKey:      key,
		TotalSegments: total,
	})
	if err != nil {
		w.log.Warn("Failed to announce audio chunk %s: %v", key, err)
	}

	return result.ContentType, nil
}

func (w *Worker) synthesize(ctx context.Context, job core.Job, segment core.Segment) (core.SynthesisResult, error) {
	var result core.SynthesisResult

	metadata := core.SynthesisMetadata{DocumentID: job.DocumentID, SegmentID: segment.ID}

	err := backoff.Retry(ctx, w.cfg.SynthesisAttempts, w.cfg.Backoff, synthesis.IsRetryable,
		func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.SegmentTimeout)
			defer cancel()

			var err error

			result, err = w.deps.Synthesizer.Synthesize(attemptCtx, job.VoiceModelID, segment.Text, metadata)
			if err != nil {
				w.log.Warn("Synthesis of segment %d of job %s failed: %v", segment.Order, job.ID, err)
			}

			return err
		})

	return result, err
}

// segmentFailed decides what a failed segment means for the job. Storage
// failures and shutdown leave the message for redelivery; everything else
// fails the job.
func (w *Worker) segmentFailed(ctx context.Context, job core.Job, segment core.Segment, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("job %s interrupted: %w", job.ID, ctx.Err())
	case errors.Is(err, errStorage):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		w.log.Error("Job %s timed out on segment %d", job.ID, segment.Order)

		return w.finish(ctx, job.ID, core.Fail(core.FailureTimeout))
	default:
		w.log.Error("Job %s failed on segment %d: %v", job.ID, segment.Order, err)

		return w.finish(ctx, job.ID, core.Fail(fmt.Sprintf("segment %d: %v", segment.Order, err)))
	}
}

// interrupted handles a write or check that found the job changed underneath
// the worker.
func (w *Worker) interrupted(ctx context.Context, jobID string, err error) error {
	switch {
	case errors.Is(err, core.ErrJobTerminal):
		w.log.Info("Job %s finished elsewhere, stopping", jobID)

		return nil
	case errors.Is(err, core.ErrInvalidTransition):
		job, loadErr := w.loadJob(ctx, jobID)
		if loadErr != nil {
			return loadErr
		}

		if job.Status.Terminal() {
			return nil
		}

		if job.Status == core.StatusCancelling {
			w.log.Info("Job %s was cancelled", jobID)

			return w.finish(ctx, jobID, core.Fail(core.FailureCancelled))
		}

		return fmt.Errorf("%w: job %s: %w", queue.ErrPoison, jobID, err)
	default:
		return w.writeError(err)
	}
}

// abandon fails a job whose message will not be delivered again. A queued job
// is claimed first, since queued jobs cannot fail directly.
func (w *Worker) abandon(ctx context.Context, jobID string, delivery queue.Delivery, cause error) error {
	w.log.Error("Job %s failed on delivery %d of %d: %v", jobID, delivery.Attempt, delivery.MaxAttempts, cause)

	job, err := w.loadJob(ctx, jobID)
	if err != nil {
		return errors.Join(cause, err)
	}

	if job.Status.Terminal() {
		return nil
	}

	if job.Status == core.StatusQueued {
		_, err = w.write(ctx, jobID, core.Claim())
		if err != nil && !errors.Is(err, core.ErrInvalidTransition) {
			return errors.Join(cause, w.writeError(err))
		}
	}

	reason := fmt.Sprintf("%s after %d deliveries: %v", core.FailureRedeliveryExhausted, delivery.Attempt, cause)

	err = w.finish(ctx, jobID, core.Fail(reason))
	if err != nil {
		return errors.Join(cause, err)
	}

	return nil
}

// finish records a terminal update and announces it.
func (w *Worker) finish(ctx context.Context, jobID string, update core.JobUpdate) error {
	job, err := w.write(ctx, jobID, update)
	if err != nil {
		if errors.Is(err, core.ErrJobTerminal) {
			return nil
		}

		if errors.Is(err, core.ErrInvalidTransition) && update.Status != nil && *update.Status == core.StatusDone {
			return w.finish(ctx, jobID, core.Fail(core.FailureCancelled))
		}

		return w.writeError(err)
	}

	if job.Status == core.StatusDone {
		w.log.Info("Job %s done: %s", job.ID, *job.ResultKey)
	} else {
		w.log.Warn("Job %s failed: %s", job.ID, *job.FailureReason)
	}

	notifyErr := w.deps.Notifier.JobFinished(ctx, job)
	if notifyErr != nil {
		w.log.Warn("Failed to announce job %s: %v", job.ID, notifyErr)
	}

	return nil
}

func (w *Worker) loadJob(ctx context.Context, jobID string) (core.Job, error) {
	var job core.Job

	err := w.retryStore(ctx, func(ctx context.Context) error {
		var err error

		job, err = w.deps.Jobs.Get(ctx, jobID)

		return err
	})
	if err != nil {
		return core.Job{}, w.writeError(err)
	}

	return job, nil
}

func (w *Worker) loadSegments(ctx context.Context, documentID string) ([]core.Segment, error) {
	var segments []core.Segment

	err := w.retryStore(ctx, func(ctx context.Context) error {
		var err error

		segments, err = w.deps.Segments.List(ctx, documentID)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load segments of document %s: %w", documentID, err)
	}

	return segments, nil
}

func (w *Worker) write(ctx context.Context, jobID string, update core.JobUpdate) (core.Job, error) {
	var job core.Job

	err := w.retryStore(ctx, func(ctx context.Context) error {
		var err error

		job, err = w.deps.Jobs.Update(ctx, jobID, update)

		return err
	})

	return job, err
}

func (w *Worker) retryStore(ctx context.Context, fn func(ctx context.Context) error) error {
	return backoff.Retry(ctx, w.cfg.StoreAttempts, w.cfg.Backoff, isTransientStoreError, fn)
}

// writeError converts store errors into queue dispositions: lifecycle
// violations can never succeed on redelivery, anything else can.
func (w *Worker) writeError(err error) error {
	if isLifecycleError(err) {
		return fmt.Errorf("%w: %w", queue.ErrPoison, err)
	}

	return err
}

func isLifecycleError(err error) bool {
	return errors.Is(err, core.ErrJobNotFound) ||
		errors.Is(err, core.ErrJobTerminal) ||
		errors.Is(err, core.ErrInvalidTransition) ||
		errors.Is(err, core.ErrInvalidProgress) ||
		errors.Is(err, core.ErrInvalidUpdate)
}

func isTransientStoreError(err error) bool {
	return !isLifecycleError(err) && !errors.Is(err, context.Canceled)
}
