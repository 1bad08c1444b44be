// Package jobs tracks background document-processing work: durable job
// records in SQLite and a RabbitMQ queue moving work from the webhook to
// the worker.
package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// DocumentJob is the payload for indexing an invoice document received on
// WhatsApp.
type DocumentJob struct {
	SenderID    string `json:"sender_id"`
	MessageID   string `json:"whatsapp_id"`
	DocID       string `json:"doc_id"`
	DocCaption  string `json:"doc_caption"`
	DocFilename string `json:"doc_filename"`
	DocMime     string `json:"doc_mime"`
	DocSHA256   string `json:"doc_hash"`
}

// LogEntry is one checkpoint in a job's progress log.
type LogEntry struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Job is a persisted background job.
type Job struct {
	ID          string      `json:"job_id"`
	Status      Status      `json:"status"`
	Payload     DocumentJob `json:"payload"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Logs        []LogEntry  `json:"logs,omitempty"`
}

// jobNamespace scopes message-derived job IDs.
var jobNamespace = uuid.MustParse("9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d")

// NewJob creates an in-progress job for the given payload. The ID is
// derived from the WhatsApp message ID so a redelivered message maps to
// the same job record instead of creating a duplicate.
func NewJob(payload DocumentJob) *Job {
	id := uuid.NewString()
	if payload.MessageID != "" {
		id = uuid.NewSHA1(jobNamespace, []byte(payload.MessageID)).String()
	}
	return &Job{
		ID:        id,
		Status:    StatusInProgress,
		Payload:   payload,
		StartedAt: time.Now().UTC(),
	}
}
