package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_RecordQuotaAdmission(t *testing.T) {
	c := New()
	c.RecordQuotaAdmission("entities", true)
	c.RecordQuotaAdmission("entities", false)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.quotaAdmissions.WithLabelValues("entities", "allowed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.quotaAdmissions.WithLabelValues("entities", "blocked")))
}

func TestCollector_RecordSyncJobAndEntities(t *testing.T) {
	c := New()
	c.RecordSyncJob("completed", 2*time.Second)
	c.RecordSyncEntities("inserted", 5)
	c.RecordSyncEntities("failed", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.syncJobsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.syncEntitiesTotal.WithLabelValues("inserted")))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.syncEntitiesTotal.WithLabelValues("failed")))
}

func TestCollector_RecordSearch(t *testing.T) {
	c := New()
	c.RecordSearch("success", 100*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.searchStatusTotal.WithLabelValues("success")))
}

func TestCollector_NilReceiverIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordQuotaAdmission("entities", true)
		c.RecordSyncJob("completed", time.Second)
		c.RecordSyncEntities("inserted", 1)
		c.RecordSearch("success", time.Second)
	})
}
