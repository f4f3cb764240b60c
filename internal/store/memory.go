// Package store provides JobStore and SegmentStore implementations backed by
// NATS JetStream key-value buckets, plus in-memory variants for tests and
// single-process runs.
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/book-expert/lektor/internal/core"
)

// MemoryJobStore keeps jobs in a map guarded by a mutex.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]core.Job
	now  func() time.Time
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		mu:   sync.Mutex{},
		jobs: make(map[string]core.Job),
		now:  time.Now,
	}
}

// Create persists a new queued job.
func (s *MemoryJobStore) Create(_ context.Context, job core.Job) (core.Job, error) {
	err := job.Validate()
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to validate job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return core.Job{}, fmt.Errorf("%w: %s", core.ErrJobExists, job.ID)
	}

	created := core.NewJob(job.ID, job.DocumentID, job.VoiceModelID, job.UserID, job.Kind, s.now().UTC())
	s.jobs[job.ID] = created

	return created, nil
}

// Update applies a partial update under the store lock.
func (s *MemoryJobStore) Update(_ context.Context, jobID string, update core.JobUpdate) (core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.jobs[jobID]
	if !exists {
		return core.Job{}, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	next, err := current.Apply(update, s.now().UTC())
	if err != nil {
		return current, err
	}

	s.jobs[jobID] = next

	return next, nil
}

// Get returns a copy of the job.
func (s *MemoryJobStore) Get(_ context.Context, jobID string) (core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return core.Job{}, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	return job, nil
}

// MemorySegmentStore keeps documents and their segments in maps.
type MemorySegmentStore struct {
	mu        sync.RWMutex
	documents map[string]core.Document
	segments  map[string][]core.Segment
}

// NewMemorySegmentStore creates an empty in-memory segment store.
func NewMemorySegmentStore() *MemorySegmentStore {
	return &MemorySegmentStore{
		mu:        sync.RWMutex{},
		documents: make(map[string]core.Document),
		segments:  make(map[string][]core.Segment),
	}
}

// Create stores a new document. An existing document is never replaced.
func (s *MemorySegmentStore) Create(_ context.Context, document core.Document, segments []core.Segment) error {
	err := validateDocument(document)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.documents[document.ID]; exists {
		return fmt.Errorf("%w: %s", core.ErrDocumentExists, document.ID)
	}

	document.SegmentCount = len(segments)
	s.documents[document.ID] = document
	s.segments[document.ID] = sortedCopy(segments)

	return nil
}

// Document returns the record of a stored document.
func (s *MemorySegmentStore) Document(_ context.Context, documentID string) (core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	document, exists := s.documents[documentID]
	if !exists {
		return core.Document{}, fmt.Errorf("%w: %s", core.ErrDocumentNotFound, documentID)
	}

	return document, nil
}

// List returns the segments of a document ordered by Order.
func (s *MemorySegmentStore) List(_ context.Context, documentID string) ([]core.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.segments[documentID]), nil
}

func validateDocument(document core.Document) error {
	switch {
	case document.ID == "":
		return core.ErrMissingDocumentID
	case document.OwnerID == "":
		return core.ErrMissingUserID
	}

	return nil
}

func sortedCopy(segments []core.Segment) []core.Segment {
	sorted := slices.Clone(segments)
	slices.SortStableFunc(sorted, func(a, b core.Segment) int {
		return a.Order - b.Order
	})

	return sorted
}
