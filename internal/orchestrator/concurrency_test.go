package orchestrator

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/meshforge/internal/model"
	"github.com/example/meshforge/internal/provider/providertest"
)

func TestConcurrentReadersNeverSeeSucceededWithoutArtifact(t *testing.T) {
	fake := providertest.New(glbBytes,
		providertest.InProgress(20),
		providertest.InProgress(80),
		providertest.Succeeded("https://assets.example/m.glb"),
	)
	cfg := testConfig()
	cfg.MaxConcurrentFetches = 4
	h := newHarness(t, fake, cfg)
	ctx := context.Background()

	const jobs = 20
	ids := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		id, err := h.orch.Submit(ctx, "alice", Upload{Data: pngImage})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var dangling, served atomic.Int64
	done := make(chan struct{})
	var wg sync.WaitGroup
	stop := sync.OnceFunc(func() {
		close(done)
		wg.Wait()
	})
	defer stop()

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := offset; ; i++ {
				select {
				case <-done:
					return
				default:
				}
				id := ids[i%len(ids)]
				st, err := h.orch.GetStatus(ctx, id, "alice")
				if err != nil || st.State != model.JobSucceeded {
					continue
				}
				dl, err := h.orch.Download(ctx, id, "alice")
				if err != nil {
					dangling.Add(1)
					continue
				}
				data, err := io.ReadAll(dl.Body)
				dl.Body.Close()
				if err != nil || !bytes.Equal(data, glbBytes) {
					dangling.Add(1)
					continue
				}
				served.Add(1)
			}
		}(r)
	}

	for _, id := range ids {
		assert.Equal(t, model.JobSucceeded, await(t, h, id, "alice").State)
	}
	require.Eventually(t, func() bool { return served.Load() >= jobs }, 2*time.Second, time.Millisecond)
	stop()

	assert.Zero(t, dangling.Load())
	assert.EqualValues(t, jobs, fake.Fetches())
}
