package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobApply(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	progress := 40

	tests := []struct {
		name    string
		from    JobState
		tr      Transition
		wantErr bool
	}{
		{name: "pending to polling", from: JobPending, tr: Transition{To: JobPolling}},
		{name: "pending to failed", from: JobPending, tr: Transition{To: JobFailed, Error: "boom"}},
		{name: "pending to canceled", from: JobPending, tr: Transition{To: JobCanceled}},
		{name: "pending to succeeded", from: JobPending, tr: Transition{To: JobSucceeded, ArtifactLocation: "a"}, wantErr: true},
		{name: "polling refresh", from: JobPolling, tr: Transition{To: JobPolling, Progress: &progress}},
		{name: "polling to succeeded", from: JobPolling, tr: Transition{To: JobSucceeded, ArtifactLocation: "a"}},
		{name: "succeeded needs location", from: JobPolling, tr: Transition{To: JobSucceeded}, wantErr: true},
		{name: "location only on success", from: JobPolling, tr: Transition{To: JobFailed, ArtifactLocation: "a"}, wantErr: true},
		{name: "error only on failure", from: JobPolling, tr: Transition{To: JobCanceled, Error: "x"}, wantErr: true},
		{name: "polling back to pending", from: JobPolling, tr: Transition{To: JobPending}, wantErr: true},
		{name: "succeeded is terminal", from: JobSucceeded, tr: Transition{To: JobFailed, Error: "x"}, wantErr: true},
		{name: "failed is terminal", from: JobFailed, tr: Transition{To: JobPolling}, wantErr: true},
		{name: "canceled is terminal", from: JobCanceled, tr: Transition{To: JobCanceled}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := Job{ID: "j", Owner: "o", State: tt.from, CreatedAt: base, UpdatedAt: base}
			got, err := job.Apply(tt.tr, base.Add(time.Second))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, job, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.tr.To, got.State)
			assert.Equal(t, got.State == JobSucceeded, got.ArtifactLocation != "")
			assert.True(t, got.UpdatedAt.After(job.UpdatedAt))
		})
	}
}

func TestJobApplyAdvancesUpdatedAtWithStaleClock(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := Job{State: JobPending, UpdatedAt: base}

	got, err := job.Apply(Transition{To: JobPolling}, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(base))
}

func TestJobApplyFailedDefaultsError(t *testing.T) {
	job := Job{State: JobPolling}
	got, err := job.Apply(Transition{To: JobFailed}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "unknown error", got.LastError)
}

func TestJobApplyClampsProgress(t *testing.T) {
	over := 250
	job := Job{State: JobPolling}
	got, err := job.Apply(Transition{To: JobPolling, Progress: &over}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}
