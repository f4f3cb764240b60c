package core

import "errors"

var (
	// ErrDocumentExists indicates a second ingest of an already stored document.
	ErrDocumentExists = errors.New("document already exists")
	// ErrDocumentNotFound indicates a document that was never ingested.
	ErrDocumentNotFound = errors.New("document not found")
)

// Segment is one speakable unit of document text. StartChar and EndChar are
// rune offsets into the normalized document text.
type Segment struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Page       int    `json:"page"`
	Order      int    `json:"order"`
	Text       string `json:"text"`
	StartChar  int    `json:"startChar"`
	EndChar    int    `json:"endChar"`
}

// Document records who ingested a document and how many segments it has.
// A document is written once; its segments never change afterwards.
type Document struct {
	ID           string `json:"id"`
	OwnerID      string `json:"ownerId"`
	SegmentCount int    `json:"segmentCount"`
}

// BatchJobMessage is the queue payload referencing a batch Job.
type BatchJobMessage struct {
	JobID        string `json:"jobId"`
	DocumentID   string `json:"documentId"`
	VoiceModelID string `json:"voiceModelId"`
	UserID       string `json:"userId"`
}

// Validate reports whether every reference in the message is populated.
func (m BatchJobMessage) Validate() error {
	switch {
	case m.JobID == "":
		return ErrMissingJobID
	case m.DocumentID == "":
		return ErrMissingDocumentID
	case m.VoiceModelID == "":
		return ErrMissingVoiceModelID
	case m.UserID == "":
		return ErrMissingUserID
	}

	return nil
}
