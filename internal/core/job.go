package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound indicates that no job exists for the given id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists indicates that a job with the same id was already created.
	ErrJobExists = errors.New("job already exists")
	// ErrJobTerminal indicates a write to a job that is already done or failed.
	ErrJobTerminal = errors.New("job is in a terminal state")
	// ErrInvalidTransition indicates a status change outside the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrInvalidProgress indicates a progress value outside [0,1) for a job that is not done.
	ErrInvalidProgress = errors.New("invalid job progress")
	// ErrInvalidUpdate indicates a result key or failure reason paired with the wrong status.
	ErrInvalidUpdate = errors.New("invalid job update")
	// ErrMissingJobID indicates an empty job id.
	ErrMissingJobID = errors.New("job id cannot be empty")
	// ErrMissingDocumentID indicates an empty document id.
	ErrMissingDocumentID = errors.New("document id cannot be empty")
	// ErrMissingVoiceModelID indicates an empty voice model id.
	ErrMissingVoiceModelID = errors.New("voice model id cannot be empty")
	// ErrMissingUserID indicates an empty user id.
	ErrMissingUserID = errors.New("user id cannot be empty")
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCancelling Status = "cancelling"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Kind distinguishes streamed narration from queued batch narration.
type Kind string

const (
	KindStream Kind = "stream"
	KindBatch  Kind = "batch"
)

// Failure reasons recorded by the worker for conditions it detects itself.
const (
	FailureCancelled           = "cancelled"
	FailureTimeout             = "timeout"
	FailureRedeliveryExhausted = "redelivery exhausted"
)

// ProgressClaimed is the progress recorded when a worker claims a job.
const ProgressClaimed = 0.05

// ProgressSynthesisShare is the fraction of progress spread over segment synthesis.
const ProgressSynthesisShare = 0.8

var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCancelling},
	StatusProcessing: {StatusProcessing, StatusCancelling, StatusDone, StatusFailed},
	StatusCancelling: {StatusCancelling, StatusFailed},
}

// Job represents "synthesize this document with this voice model for this user".
type Job struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"documentId"`
	VoiceModelID  string    `json:"voiceModelId"`
	UserID        string    `json:"userId"`
	Kind          Kind      `json:"kind"`
	Status        Status    `json:"status"`
	Progress      float64   `json:"progress"`
	ResultKey     *string   `json:"resultKey"`
	FailureReason *string   `json:"failureReason"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// JobUpdate is a partial update. Nil fields are left untouched.
type JobUpdate struct {
	Status        *Status
	Progress      *float64
	ResultKey     *string
	FailureReason *string
}

// Claim marks a job processing at the claimed progress.
func Claim() JobUpdate {
	status := StatusProcessing
	progress := ProgressClaimed

	return JobUpdate{Status: &status, Progress: &progress}
}

// Advance records progress without changing status.
func Advance(progress float64) JobUpdate {
	return JobUpdate{Progress: &progress}
}

// Complete marks a job done with its result key.
func Complete(resultKey string) JobUpdate {
	status := StatusDone
	progress := 1.0

	return JobUpdate{Status: &status, Progress: &progress, ResultKey: &resultKey}
}

// Fail marks a job failed with the given reason.
func Fail(reason string) JobUpdate {
	status := StatusFailed

	return JobUpdate{Status: &status, FailureReason: &reason}
}

// RequestCancel asks the owning worker to stop between segments.
func RequestCancel() JobUpdate {
	status := StatusCancelling

	return JobUpdate{Status: &status}
}

// NewJob returns a queued job with zero progress.
func NewJob(jobID, documentID, voiceModelID, userID string, kind Kind, now time.Time) Job {
	return Job{
		ID:            jobID,
		DocumentID:    documentID,
		VoiceModelID:  voiceModelID,
		UserID:        userID,
		Kind:          kind,
		Status:        StatusQueued,
		Progress:      0,
		ResultKey:     nil,
		FailureReason: nil,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate checks the fields a job needs before it can be persisted.
func (j Job) Validate() error {
	switch {
	case j.ID == "":
		return ErrMissingJobID
	case j.DocumentID == "":
		return ErrMissingDocumentID
	case j.VoiceModelID == "":
		return ErrMissingVoiceModelID
	case j.UserID == "":
		return ErrMissingUserID
	}

	if j.Kind != KindStream && j.Kind != KindBatch {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidUpdate, j.Kind)
	}

	return nil
}

// Message builds the queue payload for a batch job.
func (j Job) Message() BatchJobMessage {
	return BatchJobMessage{
		JobID:        j.ID,
		DocumentID:   j.DocumentID,
		VoiceModelID: j.VoiceModelID,
		UserID:       j.UserID,
	}
}

// Apply returns the job after the update, or an error when the update would
// break the lifecycle. Progress never decreases: lower values are clamped to
// the current progress.
func (j Job) Apply(update JobUpdate, now time.Time) (Job, error) {
	if j.Status.Terminal() {
		return j, fmt.Errorf("%w: job %s is %s", ErrJobTerminal, j.ID, j.Status)
	}

	target := j.Status
	if update.Status != nil {
		target = *update.Status
	}

	if !canTransition(j.Status, target) {
		return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, target)
	}

	next := j
	next.Status = target
	next.UpdatedAt = now

	if update.Progress != nil {
		progress := *update.Progress
		if progress < 0 || progress > 1 || (progress == 1 && target != StatusDone) {
			return j, fmt.Errorf("%w: %v while %s", ErrInvalidProgress, progress, target)
		}

		next.Progress = max(j.Progress, progress)
	}

	switch target {
	case StatusDone:
		if update.ResultKey == nil || *update.ResultKey == "" {
			return j, fmt.Errorf("%w: done requires a result key", ErrInvalidUpdate)
		}

		resultKey := *update.ResultKey
		next.ResultKey = &resultKey
		next.Progress = 1
	case StatusFailed:
		if update.FailureReason == nil || *update.FailureReason == "" {
			return j, fmt.Errorf("%w: failed requires a reason", ErrInvalidUpdate)
		}

		reason := *update.FailureReason
		next.FailureReason = &reason
	}

	if update.ResultKey != nil && target != StatusDone {
		return j, fmt.Errorf("%w: result key while %s", ErrInvalidUpdate, target)
	}

	if update.FailureReason != nil && target != StatusFailed {
		return j, fmt.Errorf("%w: failure reason while %s", ErrInvalidUpdate, target)
	}

	return next, nil
}

func canTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}
