package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("meshforge", reg)

	c.Submitted("accepted")
	c.Submitted("accepted")
	c.Submitted("invalid")
	c.Polled("in_progress")
	c.Finished("succeeded", 3*time.Second)
	c.ArtifactStored(1024)
	c.TaskStarted()
	c.TaskStarted()
	c.TaskStopped()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.submissions.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.submissions.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.polls.WithLabelValues("in_progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.finished.WithLabelValues("succeeded")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.bytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inFlight))

	n, err := testutil.GatherAndCount(reg, "meshforge_job_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Submitted("accepted")
		c.Polled("error")
		c.Finished("failed", time.Second)
		c.ArtifactStored(1)
		c.TaskStarted()
		c.TaskStopped()
	})
}
