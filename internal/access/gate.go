// Package access decides whether a principal may see a job or artifact.
// Unknown and foreign resources are indistinguishable to callers: both
// produce model.ErrNotFound.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/meshforge/internal/model"
	"github.com/example/meshforge/internal/store"
)

type Kind string

const (
	KindJob      Kind = "job"
	KindArtifact Kind = "artifact"
)

// Resource names a job by id or an artifact by location.
type Resource struct {
	Kind Kind
	ID   string
}

type Gate struct {
	jobs      store.JobRegistry
	artifacts store.ArtifactIndex
}

func NewGate(jobs store.JobRegistry, artifacts store.ArtifactIndex) *Gate {
	return &Gate{jobs: jobs, artifacts: artifacts}
}

func (g *Gate) AuthorizeJob(ctx context.Context, principal, jobID string) (model.Job, error) {
	if principal == "" || jobID == "" {
		return model.Job{}, model.ErrNotFound
	}
	job, err := g.jobs.GetJob(ctx, jobID)
	if err != nil {
		return model.Job{}, hide(err)
	}
	if job.Owner != principal {
		return model.Job{}, model.ErrNotFound
	}
	return job, nil
}

func (g *Gate) AuthorizeArtifact(ctx context.Context, principal, location string) (model.Artifact, error) {
	if principal == "" || location == "" {
		return model.Artifact{}, model.ErrNotFound
	}
	a, err := g.artifacts.GetArtifact(ctx, location)
	if err != nil {
		return model.Artifact{}, hide(err)
	}
	if a.Owner != principal {
		return model.Artifact{}, model.ErrNotFound
	}
	return a, nil
}

func (g *Gate) Authorize(ctx context.Context, principal string, r Resource) error {
	var err error
	switch r.Kind {
	case KindJob:
		_, err = g.AuthorizeJob(ctx, principal, r.ID)
	case KindArtifact:
		_, err = g.AuthorizeArtifact(ctx, principal, r.ID)
	default:
		err = fmt.Errorf("%w: unknown resource kind %q", model.ErrInvalidInput, r.Kind)
	}
	return err
}

// hide collapses lookup misses into a bare ErrNotFound; storage failures
// pass through.
func hide(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return model.ErrNotFound
	}
	return err
}
