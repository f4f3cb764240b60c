// Package core defines the domain types and the ports of the narration pipeline.
package core

import "context"

// JobStore persists Job records. Implementations must route every mutation
// through Job.Apply so the lifecycle rules hold regardless of backend.
type JobStore interface {
	Create(ctx context.Context, job Job) (Job, error)
	Update(ctx context.Context, jobID string, update JobUpdate) (Job, error)
	Get(ctx context.Context, jobID string) (Job, error)
}

// SegmentStore persists the ordered segment list of a document.
type SegmentStore interface {
	// Create stores a new document and its segments. A document id that is
	// already taken yields ErrDocumentExists and leaves the stored segments
	// untouched.
	Create(ctx context.Context, document Document, segments []Segment) error
	// Document returns the record of a stored document or ErrDocumentNotFound.
	Document(ctx context.Context, documentID string) (Document, error)
	// List returns the segments of a document ordered by Order. An unknown
	// document yields an empty list.
	List(ctx context.Context, documentID string) ([]Segment, error)
}

// SynthesisMetadata travels with every synthesis request.
type SynthesisMetadata struct {
	DocumentID string `json:"documentId"`
	SegmentID  string `json:"segmentId"`
}

// SynthesisResult is the validated outcome of one synthesis request.
type SynthesisResult struct {
	Audio       []byte
	ContentType string
	ModelID     string
}

// Synthesizer issues one synthesis request per segment to the remote model.
type Synthesizer interface {
	Synthesize(
		ctx context.Context,
		voiceModelID string,
		text string,
		metadata SynthesisMetadata,
	) (SynthesisResult, error)
}

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	// Compose stores the concatenation of the objects named by parts, in
	// order, under key.
	Compose(ctx context.Context, key string, parts []string, contentType string) error
}

// AudioChunk describes one synthesized segment that has been stored.
type AudioChunk struct {
	Job           Job
	Segment       Segment
	AudioKey      string
	TotalSegments int
}

// Notifier announces pipeline progress to downstream consumers.
type Notifier interface {
	AudioChunkCreated(ctx context.Context, chunk AudioChunk) error
	JobFinished(ctx context.Context, job Job) error
}
