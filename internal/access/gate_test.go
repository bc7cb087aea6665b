package access

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/meshforge/internal/model"
	"github.com/example/meshforge/internal/store"
)

func seed(t *testing.T, mem *store.Memory, owner, jobID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, mem.CreateJob(context.Background(), model.Job{
		ID: jobID, Owner: owner, ExternalRef: "ref-" + jobID, State: model.JobPending,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, mem.RecordArtifact(context.Background(), model.Artifact{
		Location: "artifacts/" + jobID + ".glb", Owner: owner, JobID: jobID, CreatedAt: now,
	}))
}

func TestGateOwnerAllowed(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, "alice", "j1")
	g := NewGate(mem, mem)

	job, err := g.AuthorizeJob(context.Background(), "alice", "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)

	a, err := g.AuthorizeArtifact(context.Background(), "alice", "artifacts/j1.glb")
	require.NoError(t, err)
	assert.Equal(t, "j1", a.JobID)

	assert.NoError(t, g.Authorize(context.Background(), "alice", Resource{Kind: KindJob, ID: "j1"}))
}

func TestGateForeignLooksUnknown(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, "alice", "j1")
	g := NewGate(mem, mem)
	ctx := context.Background()

	_, foreign := g.AuthorizeJob(ctx, "bob", "j1")
	_, unknown := g.AuthorizeJob(ctx, "bob", "nope")
	assert.Equal(t, model.ErrNotFound, foreign)
	assert.Equal(t, model.ErrNotFound, unknown)

	_, err := g.AuthorizeJob(ctx, "", "j1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = g.AuthorizeArtifact(ctx, "bob", "artifacts/j1.glb")
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = g.Authorize(ctx, "alice", Resource{Kind: "bucket", ID: "x"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestGateOwnershipIsolationProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	principal := gen.AlphaString().SuchThat(func(s string) bool { return s != "" })

	properties.Property("only the recorded owner is authorized", prop.ForAll(
		func(owner, other string) bool {
			mem := store.NewMemory()
			now := time.Now().UTC()
			_ = mem.CreateJob(context.Background(), model.Job{ID: "job", Owner: owner, State: model.JobPending, CreatedAt: now, UpdatedAt: now})
			_ = mem.RecordArtifact(context.Background(), model.Artifact{Location: "loc", Owner: owner, JobID: "job", CreatedAt: now})
			g := NewGate(mem, mem)

			ownerJob := g.Authorize(context.Background(), owner, Resource{Kind: KindJob, ID: "job"}) == nil
			ownerArtifact := g.Authorize(context.Background(), owner, Resource{Kind: KindArtifact, ID: "loc"}) == nil
			otherJob := g.Authorize(context.Background(), other, Resource{Kind: KindJob, ID: "job"}) == nil
			otherArtifact := g.Authorize(context.Background(), other, Resource{Kind: KindArtifact, ID: "loc"}) == nil

			if owner == other {
				return ownerJob && ownerArtifact && otherJob && otherArtifact
			}
			return ownerJob && ownerArtifact && !otherJob && !otherArtifact
		},
		principal, principal,
	))

	properties.TestingRun(t)
}
