package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/meshforge/internal/model"
)

// Memory keeps jobs and artifacts for the lifetime of the process. Jobs that
// are in flight when the process exits are lost.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[string]model.Job
	artifacts map[string]model.Artifact
	byOwner   map[string][]string
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]model.Job),
		artifacts: make(map[string]model.Artifact),
		byOwner:   make(map[string][]string),
		now:       time.Now,
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateJob(_ context.Context, job model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, model.ErrConflict)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	return job, nil
}

func (m *Memory) TransitionJob(_ context.Context, id string, tr model.Transition) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	next, err := job.Apply(tr, m.now())
	if err != nil {
		return job, err
	}
	m.jobs[id] = next
	return next, nil
}

func (m *Memory) ListJobs(_ context.Context, owner string, state *model.JobState, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	out := make([]model.Job, 0)
	for _, job := range m.jobs {
		if job.Owner != owner {
			continue
		}
		if state != nil && job.State != *state {
			continue
		}
		out = append(out, job)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListActiveJobs(_ context.Context) ([]model.Job, error) {
	m.mu.RLock()
	out := make([]model.Job, 0)
	for _, job := range m.jobs {
		if !job.State.Terminal() {
			out = append(out, job)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RecordArtifact(_ context.Context, a model.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[a.Location]; ok {
		return fmt.Errorf("artifact %s: %w", a.Location, model.ErrConflict)
	}
	m.artifacts[a.Location] = a
	m.byOwner[a.Owner] = append(m.byOwner[a.Owner], a.Location)
	return nil
}

func (m *Memory) GetArtifact(_ context.Context, location string) (model.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[location]
	if !ok {
		return model.Artifact{}, model.ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListArtifactsByOwner(_ context.Context, owner string) ([]model.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	locations := m.byOwner[owner]
	out := make([]model.Artifact, 0, len(locations))
	for _, loc := range locations {
		out = append(out, m.artifacts[loc])
	}
	return out, nil
}

func (m *Memory) DeleteArtifact(_ context.Context, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[location]
	if !ok {
		return model.ErrNotFound
	}
	delete(m.artifacts, location)
	locations := m.byOwner[a.Owner]
	for i, loc := range locations {
		if loc == location {
			m.byOwner[a.Owner] = append(locations[:i:i], locations[i+1:]...)
			break
		}
	}
	return nil
}
