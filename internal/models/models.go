package models

import (
	"fmt"
	"time"
)

// TargetFormat is the container format requested for an upload batch
type TargetFormat string

const (
	FormatZip  TargetFormat = "zip"
	FormatTar  TargetFormat = "tar"
	FormatGzip TargetFormat = "gzip"
)

// Extension returns the file extension of the built container
func (f TargetFormat) Extension() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "gz"
	default:
		return ""
	}
}

// ContentType returns the MIME type sent with the built container
func (f TargetFormat) ContentType() string {
	switch f {
	case FormatZip:
		return "application/zip"
	case FormatTar:
		return "application/x-tar"
	case FormatGzip:
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

// Known reports whether f is one of the supported formats
func (f TargetFormat) Known() bool {
	return f.Extension() != ""
}

// OutputName returns the download filename for the container
func (f TargetFormat) OutputName() string {
	return "compressed_files." + f.Extension()
}

// InputFile describes one file staged into a session workspace
type InputFile struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	DeclaredSize int64     `json:"declared_size"`
	Digest       string    `json:"digest"`
	Order        int       `json:"order"`
	Path         string    `json:"-"`
	StagedAt     time.Time `json:"staged_at"`
}

// SessionState is the lifecycle state of an upload session
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionStaged    SessionState = "staged"
	SessionValidated SessionState = "validated"
	SessionBuilt     SessionState = "built"
	SessionDelivered SessionState = "delivered"
	SessionFailed    SessionState = "failed"
	SessionCleaned   SessionState = "cleaned"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionCreated:   {SessionStaged},
	SessionStaged:    {SessionStaged, SessionValidated},
	SessionValidated: {SessionBuilt},
	SessionBuilt:     {SessionDelivered},
}

// Terminal reports whether the session has reached delivered, failed or cleaned
func (s SessionState) Terminal() bool {
	return s == SessionDelivered || s == SessionFailed || s == SessionCleaned
}

// CanTransition reports whether a session may move from s to next.
// Any non-terminal state may fail, and every state may be cleaned.
func (s SessionState) CanTransition(next SessionState) bool {
	if next == SessionCleaned {
		return s != SessionCleaned
	}
	if next == SessionFailed {
		return !s.Terminal()
	}
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobStatus is the status of an archive job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobBuilding  JobStatus = "building"
	JobBuilt     JobStatus = "built"
	JobDelivered JobStatus = "delivered"
	JobFailed    JobStatus = "failed"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:  {JobBuilding, JobFailed},
	JobBuilding: {JobBuilt, JobFailed},
	JobBuilt:    {JobDelivered, JobFailed},
}

// Terminal reports whether no further transition is possible
func (s JobStatus) Terminal() bool {
	return s == JobDelivered || s == JobFailed
}

// ArchiveJob tracks the construction and delivery of one container.
// There is exactly one job per session and it is never retried.
type ArchiveJob struct {
	SessionToken string       `json:"session_token"`
	Format       TargetFormat `json:"format"`
	Status       JobStatus    `json:"status"`
	FileCount    int          `json:"file_count"`
	InputBytes   int64        `json:"input_bytes"`
	OutputBytes  int64        `json:"output_bytes"`
	OutputPath   string       `json:"-"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewArchiveJob creates a pending job for the given session and files
func NewArchiveJob(token string, format TargetFormat, files []InputFile) *ArchiveJob {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	now := time.Now().UTC()
	return &ArchiveJob{
		SessionToken: token,
		Format:       format,
		Status:       JobPending,
		FileCount:    len(files),
		InputBytes:   total,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Advance moves the job to next, rejecting out-of-order transitions
func (j *ArchiveJob) Advance(next JobStatus) error {
	for _, allowed := range jobTransitions[j.Status] {
		if allowed == next {
			j.Status = next
			j.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("job %s: invalid transition %s -> %s", j.SessionToken, j.Status, next)
}

// Fail marks the job failed with cause, unless it is already terminal
func (j *ArchiveJob) Fail(cause error) {
	if j.Status.Terminal() {
		return
	}
	j.Status = JobFailed
	j.UpdatedAt = time.Now().UTC()
	if cause != nil {
		j.Error = cause.Error()
	}
}
