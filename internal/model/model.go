package model

import (
	"fmt"
	"time"
)

type JobState string

const (
	JobPending   JobState = "pending"
	JobPolling   JobState = "polling"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// Terminal reports whether no transition may leave s.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCanceled
}

func (s JobState) Valid() bool {
	switch s {
	case JobPending, JobPolling, JobSucceeded, JobFailed, JobCanceled:
		return true
	}
	return false
}

// Job represents one image-to-3D conversion request.
//
//   - ExternalRef is the provider's task id. It is internal bookkeeping and is
//     never returned to principals.
//   - ArtifactLocation is a key in the artifact store, set only once the job
//     has succeeded.
type Job struct {
	ID               string    `json:"id"`
	Owner            string    `json:"owner"`
	ExternalRef      string    `json:"externalRef"`
	State            JobState  `json:"state"`
	Progress         int       `json:"progress"`
	ArtifactLocation string    `json:"artifactLocation,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
	Fingerprint      string    `json:"fingerprint,omitempty"`
	SourceName       string    `json:"sourceName,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Transition describes a requested state change. Fields that do not apply to
// the target state must be left empty.
type Transition struct {
	To               JobState
	Progress         *int
	ArtifactLocation string
	Error            string
}

func canTransition(from, to JobState) bool {
	switch from {
	case JobPending:
		return to == JobPolling || to == JobFailed || to == JobCanceled
	case JobPolling:
		return to == JobPolling || to.Terminal()
	}
	return false
}

// Apply returns a copy of j with tr applied, or an error wrapping
// ErrInvalidTransition. UpdatedAt always moves forward, even when now does
// not.
func (j Job) Apply(tr Transition, now time.Time) (Job, error) {
	if !canTransition(j.State, tr.To) {
		return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, tr.To)
	}
	if tr.To == JobSucceeded && tr.ArtifactLocation == "" {
		return j, fmt.Errorf("%w: succeeded without artifact location", ErrInvalidTransition)
	}
	if tr.To != JobSucceeded && tr.ArtifactLocation != "" {
		return j, fmt.Errorf("%w: artifact location on %s", ErrInvalidTransition, tr.To)
	}
	if tr.To != JobFailed && tr.Error != "" {
		return j, fmt.Errorf("%w: error message on %s", ErrInvalidTransition, tr.To)
	}

	next := j
	next.State = tr.To
	if tr.Progress != nil {
		next.Progress = clampProgress(*tr.Progress)
	}
	switch tr.To {
	case JobSucceeded:
		next.ArtifactLocation = tr.ArtifactLocation
		next.Progress = 100
	case JobFailed:
		next.LastError = tr.Error
		if next.LastError == "" {
			next.LastError = "unknown error"
		}
	}
	if !now.After(j.UpdatedAt) {
		now = j.UpdatedAt.Add(time.Nanosecond)
	}
	next.UpdatedAt = now
	return next, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Artifact is a committed 3D model file.
type Artifact struct {
	Location    string    `json:"location"`
	Owner       string    `json:"owner"`
	JobID       string    `json:"jobId"`
	SizeBytes   int64     `json:"sizeBytes"`
	Checksum    string    `json:"checksum"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}
