package service_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/book-expert/lektor/internal/core"
	"github.com/book-expert/lektor/internal/segmenter"
	"github.com/book-expert/lektor/internal/service"
	"github.com/book-expert/lektor/internal/store"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const text = "Dr. Kowalski poszedł na spacer. To było miłe.\fNa drugiej stronie jest koniec."

var errBrokerDown = errors.New("broker down")

var (
	alice = core.Claims{Subject: "alice", Role: core.RoleUser}
	bob   = core.Claims{Subject: "bob", Role: core.RoleUser}
	admin = core.Claims{Subject: "root", Role: core.RoleAdmin}
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []core.BatchJobMessage
	err      error
}

func (r *recordingPublisher) Publish(_ context.Context, msg core.BatchJobMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	r.messages = append(r.messages, msg)

	return nil
}

type narrations map[string]service.Narration

func (n narrations) Download(_ context.Context, key string) ([]byte, error) {
	narration, ok := n[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}

	return narration.Audio, nil
}

func (n narrations) ContentType(_ context.Context, key string) (string, error) {
	narration, ok := n[key]
	if !ok {
		return "", fmt.Errorf("object %s not found", key)
	}

	return narration.ContentType, nil
}

func newService(t *testing.T) (*service.Service, *store.MemoryJobStore, *recordingPublisher) {
	t.Helper()

	return newServiceWithAudio(t, narrations{})
}

func newServiceWithAudio(
	t *testing.T,
	audio service.AudioReader,
) (*service.Service, *store.MemoryJobStore, *recordingPublisher) {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "service-test.log")
	require.NoError(t, err)

	jobs := store.NewMemoryJobStore()
	publisher := &recordingPublisher{mu: sync.Mutex{}, messages: nil, err: nil}
	svc := service.New(jobs, store.NewMemorySegmentStore(), audio, publisher, segmenter.New(), testLogger)

	return svc, jobs, publisher
}

func TestIngestDocument_StoresSegments(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	ctx := context.Background()

	segments, err := svc.IngestDocument(ctx, alice, "doc-1", text)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	assert.Equal(t, 2, segments[2].Page)

	stored, err := svc.ListSegments(ctx, alice, "doc-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, segments, stored)

	stored, err = svc.ListSegments(ctx, admin, "doc-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, segments, stored)

	_, err = svc.ListSegments(ctx, bob, "doc-1", 0, 0)
	require.ErrorIs(t, err, core.ErrForbidden)
}

func TestIngestDocument_IsCreateOnce(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	ctx := context.Background()

	first, err := svc.IngestDocument(ctx, alice, "doc-1", "Pierwsze zdanie. Drugie zdanie.")
	require.NoError(t, err)
	require.Len(t, first, 2)

	_, err = svc.IngestDocument(ctx, bob, "doc-1", "Zupełnie inny tekst.")
	require.ErrorIs(t, err, core.ErrForbidden)

	_, err = svc.IngestDocument(ctx, alice, "doc-1", "Zupełnie inny tekst.")
	require.ErrorIs(t, err, core.ErrDocumentExists)

	stored, err := svc.ListSegments(ctx, alice, "doc-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, first, stored)
}

func TestIngestDocument_RequiresIdentity(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)

	_, err := svc.IngestDocument(context.Background(), core.Claims{Subject: "", Role: core.RoleUser}, "doc-1", text)
	require.ErrorIs(t, err, core.ErrUnauthenticated)

	_, err = svc.IngestDocument(context.Background(), alice, "", text)
	require.ErrorIs(t, err, core.ErrMissingDocumentID)
}

func TestListSegments_Pages(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.IngestDocument(ctx, alice, "doc-1", text)
	require.NoError(t, err)

	page, err := svc.ListSegments(ctx, alice, "doc-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 1, page[0].Order)

	page, err = svc.ListSegments(ctx, alice, "doc-1", 2, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	page, err = svc.ListSegments(ctx, alice, "doc-1", 7, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	page, err = svc.ListSegments(ctx, alice, "doc-1", 1, math.MaxInt)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 1, page[0].Order)

	_, err = svc.ListSegments(ctx, alice, "unknown", 0, 0)
	require.ErrorIs(t, err, core.ErrDocumentNotFound)
}

func TestSubmitBatch_CreatesAndQueuesJob(t *testing.T) {
	t.Parallel()

	svc, _, publisher := newService(t)

	job, err := svc.SubmitBatch(context.Background(), alice, "doc-1", "pl-anna")
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, core.KindBatch, job.Kind)
	assert.Equal(t, "alice", job.UserID)
	assert.Zero(t, job.Progress)

	require.Len(t, publisher.messages, 1)
	assert.Equal(t, job.Message(), publisher.messages[0])
}

func TestSubmitBatch_RejectsForeignDocument(t *testing.T) {
	t.Parallel()

	svc, _, publisher := newService(t)
	ctx := context.Background()

	_, err := svc.IngestDocument(ctx, alice, "doc-1", text)
	require.NoError(t, err)

	_, err = svc.SubmitBatch(ctx, bob, "doc-1", "pl-anna")
	require.ErrorIs(t, err, core.ErrForbidden)
	assert.Empty(t, publisher.messages)

	_, err = svc.SubmitBatch(ctx, admin, "doc-1", "pl-anna")
	require.NoError(t, err)
}

func TestSubmitBatch_ReportsEnqueueFailure(t *testing.T) {
	t.Parallel()

	svc, jobs, publisher := newService(t)
	publisher.err = errBrokerDown

	job, err := svc.SubmitBatch(context.Background(), alice, "doc-1", "pl-anna")
	require.ErrorIs(t, err, service.ErrEnqueue)
	require.ErrorIs(t, err, errBrokerDown)

	stored, getErr := jobs.Get(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, core.StatusQueued, stored.Status)

	publisher.err = nil

	_, err = svc.Requeue(context.Background(), alice, job.ID)
	require.NoError(t, err)
	assert.Len(t, publisher.messages, 1)
}

func TestSubmitBatch_ValidatesInput(t *testing.T) {
	t.Parallel()

	svc, _, publisher := newService(t)

	_, err := svc.SubmitBatch(context.Background(), alice, "doc-1", "")
	require.ErrorIs(t, err, core.ErrMissingVoiceModelID)

	_, err = svc.SubmitBatch(context.Background(), core.Claims{Subject: "x", Role: "guest"}, "doc-1", "pl-anna")
	require.ErrorIs(t, err, core.ErrUnauthenticated)

	assert.Empty(t, publisher.messages)
}

func TestSubmitStream_DoesNotQueue(t *testing.T) {
	t.Parallel()

	svc, _, publisher := newService(t)

	job, err := svc.SubmitStream(context.Background(), alice, "doc-1", "pl-anna")
	require.NoError(t, err)
	assert.Equal(t, core.KindStream, job.Kind)
	assert.Empty(t, publisher.messages)

	_, err = svc.Requeue(context.Background(), alice, job.ID)
	require.ErrorIs(t, err, service.ErrNotRequeueable)
}

func TestJob_EnforcesOwnership(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	ctx := context.Background()

	job, err := svc.SubmitBatch(ctx, alice, "doc-1", "pl-anna")
	require.NoError(t, err)

	_, err = svc.Job(ctx, alice, job.ID)
	require.NoError(t, err)

	_, err = svc.Job(ctx, admin, job.ID)
	require.NoError(t, err)

	_, err = svc.Job(ctx, bob, job.ID)
	require.ErrorIs(t, err, core.ErrForbidden)

	_, err = svc.Cancel(ctx, bob, job.ID)
	require.ErrorIs(t, err, core.ErrForbidden)

	_, err = svc.Job(ctx, alice, "missing")
	require.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	ctx := context.Background()

	batch, err := svc.SubmitBatch(ctx, alice, "doc-1", "pl-anna")
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, alice, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelling, cancelled.Status)

	again, err := svc.Cancel(ctx, alice, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelling, again.Status)

	stream, err := svc.SubmitStream(ctx, alice, "doc-1", "pl-anna")
	require.NoError(t, err)

	cancelled, err = svc.Cancel(ctx, admin, stream.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, cancelled.Status)
	require.NotNil(t, cancelled.FailureReason)
	assert.Equal(t, core.FailureCancelled, *cancelled.FailureReason)

	_, err = svc.Cancel(ctx, alice, stream.ID)
	require.ErrorIs(t, err, core.ErrJobTerminal)
}

func TestFetch_ReturnsNarrationOfDoneJob(t *testing.T) {
	t.Parallel()

	audio := narrations{
		"tts/alice/job-1.mp3": {Job: core.Job{}, ContentType: "audio/mpeg", Audio: []byte("narration")},
	}
	svc, jobs, _ := newServiceWithAudio(t, audio)
	ctx := context.Background()

	_, err := svc.IngestDocument(ctx, alice, "doc-1", text)
	require.NoError(t, err)

	job, err := svc.SubmitBatch(ctx, alice, "doc-1", "voice-1")
	require.NoError(t, err)

	_, err = svc.Fetch(ctx, alice, job.ID)
	require.ErrorIs(t, err, service.ErrNotFinished)

	_, err = jobs.Update(ctx, job.ID, core.Claim())
	require.NoError(t, err)

	_, err = jobs.Update(ctx, job.ID, core.Complete("tts/alice/job-1.mp3"))
	require.NoError(t, err)

	narration, err := svc.Fetch(ctx, alice, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDone, narration.Job.Status)
	assert.Equal(t, "audio/mpeg", narration.ContentType)
	assert.Equal(t, []byte("narration"), narration.Audio)

	_, err = svc.Fetch(ctx, admin, job.ID)
	require.NoError(t, err)

	_, err = svc.Fetch(ctx, bob, job.ID)
	require.ErrorIs(t, err, core.ErrForbidden)

	_, err = svc.Fetch(ctx, alice, "missing")
	require.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestFetch_FailedJobHasNoNarration(t *testing.T) {
	t.Parallel()

	svc, jobs, _ := newService(t)
	ctx := context.Background()

	_, err := svc.IngestDocument(ctx, alice, "doc-1", text)
	require.NoError(t, err)

	job, err := svc.SubmitBatch(ctx, alice, "doc-1", "voice-1")
	require.NoError(t, err)

	_, err = jobs.Update(ctx, job.ID, core.Claim())
	require.NoError(t, err)

	_, err = jobs.Update(ctx, job.ID, core.Fail(core.FailureTimeout))
	require.NoError(t, err)

	_, err = svc.Fetch(ctx, alice, job.ID)
	require.ErrorIs(t, err, service.ErrNotFinished)
}
