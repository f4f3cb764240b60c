package core

import "github.com/book-expert/events"

// JobFinishedEvent is published once a job reaches done or failed.
type JobFinishedEvent struct {
	Header        events.EventHeader `json:"header"`
	JobID         string             `json:"jobId"`
	DocumentID    string             `json:"documentId"`
	Status        Status             `json:"status"`
	Progress      float64            `json:"progress"`
	ResultKey     string             `json:"resultKey,omitempty"`
	FailureReason string             `json:"failureReason,omitempty"`
}
