package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/lektor/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	// maxRevisionConflicts bounds the read-apply-write loop of Update.
	maxRevisionConflicts = 8
	// segmentsPerChunk keeps each stored value well below the NATS max payload.
	segmentsPerChunk = 200

	manifestKeySuffix = "manifest"
	chunkKeyFormat    = "%s.%s.%04d"
)

var (
	// ErrRevisionConflict indicates that concurrent writers kept racing an update.
	ErrRevisionConflict = errors.New("job revision conflict")
	// ErrIncompleteDocument indicates a manifest whose chunks do not add up.
	ErrIncompleteDocument = errors.New("incomplete document")
)

// bindKeyValue creates the bucket, or binds to it when it already exists.
func bindKeyValue(jetstreamContext nats.JetStreamContext, bucketName, description string) (nats.KeyValue, error) {
	keyValue, err := jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucketName,
		Description: description,
		History:     1,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err == nil {
		return keyValue, nil
	}

	existing, bindErr := jetstreamContext.KeyValue(bucketName)
	if bindErr != nil {
		return nil, fmt.Errorf("failed to create key-value bucket '%s': %w", bucketName, err)
	}

	return existing, nil
}

// encodeKey maps arbitrary ids onto the NATS key alphabet.
func encodeKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// JobKV stores one JSON-encoded Job per key. Updates are compare-and-set on
// the entry revision, so concurrent writers never overwrite each other.
type JobKV struct {
	keyValue nats.KeyValue
	bucket   string
	now      func() time.Time
}

// NewJobKV binds a job store to the named bucket.
func NewJobKV(jetstreamContext nats.JetStreamContext, bucketName string) (*JobKV, error) {
	keyValue, err := bindKeyValue(jetstreamContext, bucketName, "Narration job records.")
	if err != nil {
		return nil, err
	}

	return &JobKV{
		keyValue: keyValue,
		bucket:   bucketName,
		now:      time.Now,
	}, nil
}

// Create persists a new queued job and fails if the id is taken.
func (s *JobKV) Create(_ context.Context, job core.Job) (core.Job, error) {
	err := job.Validate()
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to validate job: %w", err)
	}

	created := core.NewJob(job.ID, job.DocumentID, job.VoiceModelID, job.UserID, job.Kind, s.now().UTC())

	data, err := json.Marshal(created)
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to marshal job '%s': %w", job.ID, err)
	}

	_, err = s.keyValue.Create(encodeKey(job.ID), data)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return core.Job{}, fmt.Errorf("%w: %s", core.ErrJobExists, job.ID)
		}

		return core.Job{}, fmt.Errorf("failed to create job '%s' in bucket '%s': %w", job.ID, s.bucket, err)
	}

	return created, nil
}

// Get returns the current job record.
func (s *JobKV) Get(_ context.Context, jobID string) (core.Job, error) {
	job, _, err := s.load(jobID)

	return job, err
}

// Update applies a partial update with optimistic concurrency.
func (s *JobKV) Update(ctx context.Context, jobID string, update core.JobUpdate) (core.Job, error) {
	for range maxRevisionConflicts {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return core.Job{}, fmt.Errorf("failed to update job '%s': %w", jobID, ctxErr)
		}

		current, revision, err := s.load(jobID)
		if err != nil {
			return core.Job{}, err
		}

		next, err := current.Apply(update, s.now().UTC())
		if err != nil {
			return current, err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return core.Job{}, fmt.Errorf("failed to marshal job '%s': %w", jobID, err)
		}

		_, err = s.keyValue.Update(encodeKey(jobID), data, revision)
		if err == nil {
			return next, nil
		}

		if !isRevisionConflict(err) {
			return core.Job{}, fmt.Errorf("failed to update job '%s' in bucket '%s': %w", jobID, s.bucket, err)
		}
	}

	return core.Job{}, fmt.Errorf("%w: job '%s'", ErrRevisionConflict, jobID)
}

func (s *JobKV) load(jobID string) (core.Job, uint64, error) {
	entry, err := s.keyValue.Get(encodeKey(jobID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return core.Job{}, 0, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
		}

		return core.Job{}, 0, fmt.Errorf("failed to get job '%s' from bucket '%s': %w", jobID, s.bucket, err)
	}

	var job core.Job

	err = json.Unmarshal(entry.Value(), &job)
	if err != nil {
		return core.Job{}, 0, fmt.Errorf("failed to unmarshal job '%s': %w", jobID, err)
	}

	return job, entry.Revision(), nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}

	var apiErr *nats.APIError

	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

// segmentManifest records the owner of a document and where its chunks live.
// Chunk keys carry the generation of the ingest that wrote them, so chunks of
// a losing concurrent ingest can never be read through the manifest.
type segmentManifest struct {
	OwnerID    string `json:"ownerId"`
	Count      int    `json:"count"`
	Generation string `json:"generation"`
	Chunks     int    `json:"chunks"`
}

// SegmentKV stores a document's segments as a manifest plus fixed-size chunks.
type SegmentKV struct {
	keyValue      nats.KeyValue
	bucket        string
	newGeneration func() string
}

// NewSegmentKV binds a segment store to the named bucket.
func NewSegmentKV(jetstreamContext nats.JetStreamContext, bucketName string) (*SegmentKV, error) {
	keyValue, err := bindKeyValue(jetstreamContext, bucketName, "Document segments.")
	if err != nil {
		return nil, err
	}

	return &SegmentKV{keyValue: keyValue, bucket: bucketName, newGeneration: uuid.NewString}, nil
}

// Create stores a new document. Chunks are written before the manifest, and
// the manifest is created only if absent, so a document is published once
// with all of its chunks in place.
func (s *SegmentKV) Create(_ context.Context, document core.Document, segments []core.Segment) error {
	err := validateDocument(document)
	if err != nil {
		return err
	}

	prefix := encodeKey(document.ID)

	_, err = s.keyValue.Get(manifestKey(prefix))
	if err == nil {
		return fmt.Errorf("%w: %s", core.ErrDocumentExists, document.ID)
	}

	if !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to get manifest of document '%s': %w", document.ID, err)
	}

	sorted := sortedCopy(segments)
	manifest := segmentManifest{OwnerID: document.OwnerID, Count: len(sorted), Generation: s.newGeneration(), Chunks: 0}

	for start := 0; start < len(sorted); start += segmentsPerChunk {
		end := min(start+segmentsPerChunk, len(sorted))

		data, marshalErr := json.Marshal(sorted[start:end])
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal segments of document '%s': %w", document.ID, marshalErr)
		}

		_, putErr := s.keyValue.Put(chunkKey(prefix, manifest.Generation, manifest.Chunks), data)
		if putErr != nil {
			s.discard(prefix, manifest)

			return fmt.Errorf("failed to put segments of document '%s' to bucket '%s': %w", document.ID, s.bucket, putErr)
		}

		manifest.Chunks++
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest of document '%s': %w", document.ID, err)
	}

	_, err = s.keyValue.Create(manifestKey(prefix), data)
	if err != nil {
		s.discard(prefix, manifest)

		if errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("%w: %s", core.ErrDocumentExists, document.ID)
		}

		return fmt.Errorf("failed to create manifest of document '%s' in bucket '%s': %w", document.ID, s.bucket, err)
	}

	return nil
}

// Document returns the record of a stored document.
func (s *SegmentKV) Document(_ context.Context, documentID string) (core.Document, error) {
	manifest, err := s.manifest(documentID)
	if err != nil {
		return core.Document{}, err
	}

	return core.Document{ID: documentID, OwnerID: manifest.OwnerID, SegmentCount: manifest.Count}, nil
}

// List returns the segments of a document ordered by Order.
func (s *SegmentKV) List(_ context.Context, documentID string) ([]core.Segment, error) {
	manifest, err := s.manifest(documentID)
	if err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			return []core.Segment{}, nil
		}

		return nil, err
	}

	prefix := encodeKey(documentID)
	segments := make([]core.Segment, 0, manifest.Count)

	for chunk := range manifest.Chunks {
		chunkEntry, getErr := s.keyValue.Get(chunkKey(prefix, manifest.Generation, chunk))
		if getErr != nil {
			return nil, fmt.Errorf("failed to get segment chunk %d of document '%s': %w", chunk, documentID, getErr)
		}

		var part []core.Segment

		unmarshalErr := json.Unmarshal(chunkEntry.Value(), &part)
		if unmarshalErr != nil {
			return nil, fmt.Errorf("failed to unmarshal segment chunk %d of document '%s': %w", chunk, documentID, unmarshalErr)
		}

		segments = append(segments, part...)
	}

	if len(segments) != manifest.Count {
		return nil, fmt.Errorf("%w: document '%s' has %d of %d segments",
			ErrIncompleteDocument, documentID, len(segments), manifest.Count)
	}

	return segments, nil
}

func (s *SegmentKV) manifest(documentID string) (segmentManifest, error) {
	entry, err := s.keyValue.Get(manifestKey(encodeKey(documentID)))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return segmentManifest{}, fmt.Errorf("%w: %s", core.ErrDocumentNotFound, documentID)
		}

		return segmentManifest{}, fmt.Errorf("failed to get manifest of document '%s': %w", documentID, err)
	}

	var manifest segmentManifest

	err = json.Unmarshal(entry.Value(), &manifest)
	if err != nil {
		return segmentManifest{}, fmt.Errorf("failed to unmarshal manifest of document '%s': %w", documentID, err)
	}

	return manifest, nil
}

// discard removes the chunks of an ingest that did not publish its manifest.
func (s *SegmentKV) discard(prefix string, manifest segmentManifest) {
	for chunk := range manifest.Chunks {
		_ = s.keyValue.Purge(chunkKey(prefix, manifest.Generation, chunk))
	}
}

func manifestKey(prefix string) string {
	return prefix + "." + manifestKeySuffix
}

func chunkKey(prefix, generation string, chunk int) string {
	return fmt.Sprintf(chunkKeyFormat, prefix, generation, chunk)
}
