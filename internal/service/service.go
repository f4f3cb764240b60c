// Package service is the application context shared by the HTTP-facing
// callers and the daemon: it owns the stores and the queue publisher and
// enforces caller authorization on every operation.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/lektor/internal/backoff"
	"github.com/book-expert/lektor/internal/core"
	"github.com/book-expert/lektor/internal/segmenter"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

var (
	// ErrEnqueue indicates a batch job that was stored but could not be queued.
	ErrEnqueue = errors.New("failed to enqueue job")
	// ErrNotRequeueable indicates a requeue of a job that is not a queued batch job.
	ErrNotRequeueable = errors.New("job cannot be requeued")
	// ErrNotFinished indicates a fetch of a job that has no narration yet.
	ErrNotFinished = errors.New("job has no narration")
)

const publishAttempts = 3

// Publisher enqueues batch job messages.
type Publisher interface {
	Publish(ctx context.Context, msg core.BatchJobMessage) error
}

// AudioReader reads finished narrations.
type AudioReader interface {
	Download(ctx context.Context, key string) ([]byte, error)
	ContentType(ctx context.Context, key string) (string, error)
}

// Narration is the audio of a done job.
type Narration struct {
	Job         core.Job
	ContentType string
	Audio       []byte
}

// Service is constructed once at startup and passed to its callers.
type Service struct {
	jobs      core.JobStore
	segments  core.SegmentStore
	audio     AudioReader
	publisher Publisher
	segmenter *segmenter.Segmenter
	log       *logger.Logger
	backoff   backoff.Strategy
	newID     func() string
	now       func() time.Time
}

// New creates the application context.
func New(
	jobs core.JobStore,
	segments core.SegmentStore,
	audio AudioReader,
	publisher Publisher,
	documentSegmenter *segmenter.Segmenter,
	log *logger.Logger,
) *Service {
	return &Service{
		jobs:      jobs,
		segments:  segments,
		audio:     audio,
		publisher: publisher,
		segmenter: documentSegmenter,
		log:       log,
		backoff:   backoff.NewExponentialWithJitter(100*time.Millisecond, 2*time.Second),
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// IngestDocument segments a document and stores the result. A document is
// ingested once; a second ingest fails with core.ErrDocumentExists, or with
// core.ErrForbidden when the caller does not own the stored document.
func (s *Service) IngestDocument(
	ctx context.Context,
	claims core.Claims,
	documentID string,
	text string,
) ([]core.Segment, error) {
	err := claims.Validate()
	if err != nil {
		return nil, err
	}

	if documentID == "" {
		return nil, core.ErrMissingDocumentID
	}

	_, err = s.document(ctx, claims, documentID)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrDocumentExists, documentID)
	}

	if !errors.Is(err, core.ErrDocumentNotFound) {
		return nil, err
	}

	segments := s.segmenter.Segment(documentID, text)
	document := core.Document{ID: documentID, OwnerID: claims.Subject, SegmentCount: len(segments)}

	err = s.segments.Create(ctx, document, segments)
	if err != nil {
		return nil, fmt.Errorf("failed to store segments of document %s: %w", documentID, err)
	}

	s.log.Info("Ingested document %s for %s: %d segment(s)", documentID, claims.Subject, len(segments))

	return segments, nil
}

// SubmitBatch creates a queued batch job owned by the caller and enqueues it.
func (s *Service) SubmitBatch(
	ctx context.Context,
	claims core.Claims,
	documentID string,
	voiceModelID string,
) (core.Job, error) {
	job, err := s.create(ctx, claims, documentID, voiceModelID, core.KindBatch)
	if err != nil {
		return core.Job{}, err
	}

	err = s.enqueue(ctx, job)
	if err != nil {
		return job, err
	}

	s.log.Info("Queued batch job %s for document %s", job.ID, job.DocumentID)

	return job, nil
}

// SubmitStream creates a queued stream job. Stream jobs are served by the
// streaming transport and never enter the batch queue.
func (s *Service) SubmitStream(
	ctx context.Context,
	claims core.Claims,
	documentID string,
	voiceModelID string,
) (core.Job, error) {
	job, err := s.create(ctx, claims, documentID, voiceModelID, core.KindStream)
	if err != nil {
		return core.Job{}, err
	}

	s.log.Info("Created stream job %s for document %s", job.ID, job.DocumentID)

	return job, nil
}

// Requeue publishes a queued batch job again. The queue deduplicates by job
// id, so a requeue of a message that did arrive is harmless.
func (s *Service) Requeue(ctx context.Context, claims core.Claims, jobID string) (core.Job, error) {
	job, err := s.Job(ctx, claims, jobID)
	if err != nil {
		return core.Job{}, err
	}

	if job.Kind != core.KindBatch || job.Status != core.StatusQueued {
		return job, fmt.Errorf("%w: %s job %s is %s", ErrNotRequeueable, job.Kind, job.ID, job.Status)
	}

	return job, s.enqueue(ctx, job)
}

// Job returns a job the caller may see.
func (s *Service) Job(ctx context.Context, claims core.Claims, jobID string) (core.Job, error) {
	err := claims.Validate()
	if err != nil {
		return core.Job{}, err
	}

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	if !claims.CanAccess(job.UserID) {
		return core.Job{}, fmt.Errorf("%w: job %s", core.ErrForbidden, jobID)
	}

	return job, nil
}

// Fetch returns the narration of a done job the caller may see.
func (s *Service) Fetch(ctx context.Context, claims core.Claims, jobID string) (Narration, error) {
	job, err := s.Job(ctx, claims, jobID)
	if err != nil {
		return Narration{}, err
	}

	if job.Status != core.StatusDone || job.ResultKey == nil {
		return Narration{}, fmt.Errorf("%w: job %s is %s", ErrNotFinished, job.ID, job.Status)
	}

	contentType, err := s.audio.ContentType(ctx, *job.ResultKey)
	if err != nil {
		return Narration{}, fmt.Errorf("failed to read narration of job %s: %w", job.ID, err)
	}

	audio, err := s.audio.Download(ctx, *job.ResultKey)
	if err != nil {
		return Narration{}, fmt.Errorf("failed to read narration of job %s: %w", job.ID, err)
	}

	return Narration{Job: job, ContentType: contentType, Audio: audio}, nil
}

// Cancel requests cancellation. A batch job is stopped by its worker between
// segments; a stream job has no worker and fails at once.
func (s *Service) Cancel(ctx context.Context, claims core.Claims, jobID string) (core.Job, error) {
	job, err := s.Job(ctx, claims, jobID)
	if err != nil {
		return core.Job{}, err
	}

	if job.Status == core.StatusCancelling {
		return job, nil
	}

	job, err = s.jobs.Update(ctx, jobID, core.RequestCancel())
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	if job.Kind == core.KindStream {
		job, err = s.jobs.Update(ctx, jobID, core.Fail(core.FailureCancelled))
		if err != nil {
			return core.Job{}, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
		}
	}

	s.log.Info("Cancellation of job %s requested by %s", jobID, claims.Subject)

	return job, nil
}

// ListSegments returns up to limit segments of a document starting at order
// from. A non-positive limit returns the rest of the document. Only the owner
// of the document or an admin may list it.
func (s *Service) ListSegments(
	ctx context.Context,
	claims core.Claims,
	documentID string,
	from int,
	limit int,
) ([]core.Segment, error) {
	err := claims.Validate()
	if err != nil {
		return nil, err
	}

	_, err = s.document(ctx, claims, documentID)
	if err != nil {
		return nil, err
	}

	segments, err := s.segments.List(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments of document %s: %w", documentID, err)
	}

	from = min(max(from, 0), len(segments))
	end := len(segments)

	if limit > 0 && limit < end-from {
		end = from + limit
	}

	return segments[from:end], nil
}

func (s *Service) create(
	ctx context.Context,
	claims core.Claims,
	documentID string,
	voiceModelID string,
	kind core.Kind,
) (core.Job, error) {
	err := claims.Validate()
	if err != nil {
		return core.Job{}, err
	}

	_, err = s.document(ctx, claims, documentID)
	if err != nil && !errors.Is(err, core.ErrDocumentNotFound) {
		return core.Job{}, err
	}

	job, err := s.jobs.Create(ctx, core.NewJob(s.newID(), documentID, voiceModelID, claims.Subject, kind, s.now().UTC()))
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to create job: %w", err)
	}

	return job, nil
}

// document returns a stored document the caller may see.
func (s *Service) document(ctx context.Context, claims core.Claims, documentID string) (core.Document, error) {
	document, err := s.segments.Document(ctx, documentID)
	if err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			return core.Document{}, err
		}

		return core.Document{}, fmt.Errorf("failed to get document %s: %w", documentID, err)
	}

	if !claims.CanAccess(document.OwnerID) {
		return core.Document{}, fmt.Errorf("%w: document %s", core.ErrForbidden, documentID)
	}

	return document, nil
}

func (s *Service) enqueue(ctx context.Context, job core.Job) error {
	err := backoff.Retry(ctx, publishAttempts, s.backoff, func(error) bool { return true },
		func(ctx context.Context) error {
			return s.publisher.Publish(ctx, job.Message())
		})
	if err != nil {
		s.log.Error("Job %s is stored but not queued: %v", job.ID, err)

		return fmt.Errorf("%w %s: %w", ErrEnqueue, job.ID, err)
	}

	return nil
}
