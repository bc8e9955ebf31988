package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(submissionsRejected.WithLabelValues("EditCluster", "resource_busy"))
	SubmissionRejected("EditCluster", "resource_busy")
	assert.Equal(t, before+1, testutil.ToFloat64(submissionsRejected.WithLabelValues("EditCluster", "resource_busy")))

	beforeOrphans := testutil.ToFloat64(orphanedTasks)
	TasksOrphaned(3)
	assert.Equal(t, beforeOrphans+3, testutil.ToFloat64(orphanedTasks))
}

func TestGauges(t *testing.T) {
	QueueDepth(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(queueDepth))
	BusyWorkers(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(busyWorkers))
}
