// Package store holds the job registry and artifact index ports together with
// their memory, SQLite and Redis adapters.
package store

import (
	"context"

	"github.com/example/meshforge/internal/model"
)

// JobRegistry is the single source of truth for job lifecycle.
type JobRegistry interface {
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	// TransitionJob validates tr against the stored job with model.Job.Apply
	// and persists the result atomically.
	TransitionJob(ctx context.Context, id string, tr model.Transition) (model.Job, error)
	// ListJobs returns owner's jobs, newest first. A nil state matches all.
	ListJobs(ctx context.Context, owner string, state *model.JobState, limit int) ([]model.Job, error)
	// ListActiveJobs returns every non-terminal job, oldest first.
	ListActiveJobs(ctx context.Context) ([]model.Job, error)
}

// ArtifactIndex records committed artifacts.
type ArtifactIndex interface {
	RecordArtifact(ctx context.Context, a model.Artifact) error
	GetArtifact(ctx context.Context, location string) (model.Artifact, error)
	// ListArtifactsByOwner returns artifacts in insertion order.
	ListArtifactsByOwner(ctx context.Context, owner string) ([]model.Artifact, error)
	DeleteArtifact(ctx context.Context, location string) error
}

// Backend is implemented by every adapter in this package.
type Backend interface {
	JobRegistry
	ArtifactIndex
	Close() error
}

const defaultListLimit = 25
