// Package notify publishes pipeline events on core NATS subjects.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/lektor/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher implements core.Notifier.
type Publisher struct {
	natsConnection  *nats.Conn
	chunkSubject    string
	finishedSubject string
	now             func() time.Time
}

// NewPublisher creates a publisher for the two event subjects.
func NewPublisher(natsConnection *nats.Conn, chunkSubject, finishedSubject string) *Publisher {
	return &Publisher{
		natsConnection:  natsConnection,
		chunkSubject:    chunkSubject,
		finishedSubject: finishedSubject,
		now:             time.Now,
	}
}

// AudioChunkCreated announces one stored segment. Chunks are numbered from 1
// in reading order, so PageNumber/TotalPages let a consumer assemble the
// narration without knowing segment ids.
func (p *Publisher) AudioChunkCreated(_ context.Context, chunk core.AudioChunk) error {
	event := events.AudioChunkCreatedEvent{
		Header:     p.header(chunk.Job),
		AudioKey:   chunk.AudioKey,
		PageNumber: chunk.Segment.Order + 1,
		TotalPages: chunk.TotalSegments,
	}

	return p.publish(p.chunkSubject, event)
}

// JobFinished announces a job that reached done or failed.
func (p *Publisher) JobFinished(_ context.Context, job core.Job) error {
	event := core.JobFinishedEvent{
		Header:        p.header(job),
		JobID:         job.ID,
		DocumentID:    job.DocumentID,
		Status:        job.Status,
		Progress:      job.Progress,
		ResultKey:     deref(job.ResultKey),
		FailureReason: deref(job.FailureReason),
	}

	return p.publish(p.finishedSubject, event)
}

func (p *Publisher) header(job core.Job) events.EventHeader {
	return events.EventHeader{
		Timestamp:  p.now().UTC(),
		WorkflowID: job.ID,
		EventID:    uuid.NewString(),
		UserID:     job.UserID,
		TenantID:   "",
	}
}

func (p *Publisher) publish(subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", subject, err)
	}

	err = p.natsConnection.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish event on %s: %w", subject, err)
	}

	return nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}

	return *value
}
