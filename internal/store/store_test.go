// Package store_test tests the job and segment stores against a shared contract.
package store_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/book-expert/lektor/internal/core"
	"github.com/book-expert/lektor/internal/segmenter"
	"github.com/book-expert/lektor/internal/store"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startJetStream starts an in-memory NATS server with JetStream enabled.
func startJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	return jetstreamContext
}

type jobStoreFactory struct {
	name string
	make func(t *testing.T) core.JobStore
}

func jobStoreFactories() []jobStoreFactory {
	return []jobStoreFactory{
		{
			name: "memory",
			make: func(_ *testing.T) core.JobStore { return store.NewMemoryJobStore() },
		},
		{
			name: "nats-kv",
			make: func(t *testing.T) core.JobStore {
				t.Helper()

				jobStore, err := store.NewJobKV(startJetStream(t), "TEST_JOBS")
				require.NoError(t, err)

				return jobStore
			},
		},
	}
}

func newJob(jobID string) core.Job {
	return core.Job{
		ID:           jobID,
		DocumentID:   "doc-1",
		VoiceModelID: "voice-1",
		UserID:       "user-1",
		Kind:         core.KindBatch,
	}
}

func TestJobStore_Lifecycle(t *testing.T) {
	t.Parallel()

	for _, factory := range jobStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			jobStore := factory.make(t)

			created, err := jobStore.Create(ctx, newJob("job-1"))
			require.NoError(t, err)
			assert.Equal(t, core.StatusQueued, created.Status)
			assert.Zero(t, created.Progress)

			_, err = jobStore.Create(ctx, newJob("job-1"))
			require.ErrorIs(t, err, core.ErrJobExists)

			_, err = jobStore.Update(ctx, "job-1", core.Claim())
			require.NoError(t, err)

			_, err = jobStore.Update(ctx, "job-1", core.Advance(0.5))
			require.NoError(t, err)

			lowered, err := jobStore.Update(ctx, "job-1", core.Advance(0.2))
			require.NoError(t, err)
			assert.InDelta(t, 0.5, lowered.Progress, 1e-9)

			done, err := jobStore.Update(ctx, "job-1", core.Complete("tts/user-1/job-1.mp3"))
			require.NoError(t, err)
			assert.Equal(t, core.StatusDone, done.Status)

			_, err = jobStore.Update(ctx, "job-1", core.Fail("late"))
			require.ErrorIs(t, err, core.ErrJobTerminal)

			read, err := jobStore.Get(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, core.StatusDone, read.Status)
			assert.InDelta(t, 1.0, read.Progress, 1e-9)
			require.NotNil(t, read.ResultKey)
			assert.Equal(t, "tts/user-1/job-1.mp3", *read.ResultKey)
			assert.Nil(t, read.FailureReason)
		})
	}
}

func TestJobStore_NotFound(t *testing.T) {
	t.Parallel()

	for _, factory := range jobStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			jobStore := factory.make(t)

			_, err := jobStore.Get(ctx, "missing")
			require.ErrorIs(t, err, core.ErrJobNotFound)

			_, err = jobStore.Update(ctx, "missing", core.Claim())
			require.ErrorIs(t, err, core.ErrJobNotFound)
		})
	}
}

func TestJobStore_ConcurrentProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	for _, factory := range jobStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			jobStore := factory.make(t)

			_, err := jobStore.Create(ctx, newJob("job-1"))
			require.NoError(t, err)

			_, err = jobStore.Update(ctx, "job-1", core.Claim())
			require.NoError(t, err)

			var waitGroup sync.WaitGroup

			for index := 1; index <= 4; index++ {
				waitGroup.Add(1)

				go func(progress float64) {
					defer waitGroup.Done()

					_, _ = jobStore.Update(ctx, "job-1", core.Advance(progress))
				}(float64(index) / 10)
			}

			waitGroup.Wait()

			read, err := jobStore.Get(ctx, "job-1")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, read.Progress, 0.05)
			assert.LessOrEqual(t, read.Progress, 0.4)
			assert.Equal(t, core.StatusProcessing, read.Status)
		})
	}
}

type segmentStoreFactory struct {
	name string
	make func(t *testing.T) core.SegmentStore
}

func segmentStoreFactories() []segmentStoreFactory {
	return []segmentStoreFactory{
		{
			name: "memory",
			make: func(_ *testing.T) core.SegmentStore { return store.NewMemorySegmentStore() },
		},
		{
			name: "nats-kv",
			make: func(t *testing.T) core.SegmentStore {
				t.Helper()

				segmentStore, err := store.NewSegmentKV(startJetStream(t), "TEST_SEGMENTS")
				require.NoError(t, err)

				return segmentStore
			},
		},
	}
}

func TestSegmentStore_RoundTripKeepsOrder(t *testing.T) {
	t.Parallel()

	var text strings.Builder
	for index := range 450 {
		fmt.Fprintf(&text, "Zdanie numer %d. ", index)
	}

	segments := segmenter.New().Segment("dokument/ąę 1", text.String())
	require.Len(t, segments, 450)

	reversed := make([]core.Segment, len(segments))
	for index, segment := range segments {
		reversed[len(segments)-1-index] = segment
	}

	for _, factory := range segmentStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			segmentStore := factory.make(t)

			document := core.Document{ID: "dokument/ąę 1", OwnerID: "alice", SegmentCount: 0}
			require.NoError(t, segmentStore.Create(ctx, document, reversed))

			listed, err := segmentStore.List(ctx, "dokument/ąę 1")
			require.NoError(t, err)
			assert.Equal(t, segments, listed)

			missing, err := segmentStore.List(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, missing)

			stored, err := segmentStore.Document(ctx, "dokument/ąę 1")
			require.NoError(t, err)
			assert.Equal(t, core.Document{ID: "dokument/ąę 1", OwnerID: "alice", SegmentCount: 450}, stored)

			_, err = segmentStore.Document(ctx, "missing")
			require.ErrorIs(t, err, core.ErrDocumentNotFound)

			require.ErrorIs(t, segmentStore.Create(ctx, core.Document{ID: "", OwnerID: "alice", SegmentCount: 0}, segments),
				core.ErrMissingDocumentID)
			require.ErrorIs(t, segmentStore.Create(ctx, core.Document{ID: "doc", OwnerID: "", SegmentCount: 0}, segments),
				core.ErrMissingUserID)
		})
	}
}

func TestSegmentStore_DocumentIsWrittenOnce(t *testing.T) {
	t.Parallel()

	first := segmenter.New().Segment("doc-1", "Pierwsze zdanie. Drugie zdanie.")
	second := segmenter.New().Segment("doc-1", "Zupełnie inny tekst.")

	for _, factory := range segmentStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			segmentStore := factory.make(t)

			require.NoError(t, segmentStore.Create(ctx, core.Document{ID: "doc-1", OwnerID: "alice", SegmentCount: 0}, first))

			err := segmentStore.Create(ctx, core.Document{ID: "doc-1", OwnerID: "bob", SegmentCount: 0}, second)
			require.ErrorIs(t, err, core.ErrDocumentExists)

			listed, err := segmentStore.List(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, first, listed)

			stored, err := segmentStore.Document(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, "alice", stored.OwnerID)
		})
	}
}

func TestSegmentStore_ConcurrentIngestKeepsOneDocument(t *testing.T) {
	t.Parallel()

	const writers = 4

	for _, factory := range segmentStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			segmentStore := factory.make(t)

			var (
				wg      sync.WaitGroup
				created atomic.Int32
			)

			for writer := range writers {
				wg.Add(1)

				go func() {
					defer wg.Done()

					var text strings.Builder
					for index := range 450 {
						fmt.Fprintf(&text, "Autor %d zdanie %d. ", writer, index)
					}

					segments := segmenter.New().Segment("doc-1", text.String())

					err := segmentStore.Create(ctx, core.Document{ID: "doc-1", OwnerID: "alice", SegmentCount: 0}, segments)
					if err == nil {
						created.Add(1)
					}
				}()
			}

			wg.Wait()
			assert.Equal(t, int32(1), created.Load())

			listed, err := segmentStore.List(ctx, "doc-1")
			require.NoError(t, err)
			require.Len(t, listed, 450)

			author := strings.Fields(listed[0].Text)[1]
			for order, segment := range listed {
				assert.Equal(t, order, segment.Order)
				assert.Equal(t, fmt.Sprintf("Autor %s zdanie %d.", author, order), segment.Text)
			}
		})
	}
}
