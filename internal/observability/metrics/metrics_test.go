package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calnotify/internal/notifier"
	"calnotify/internal/reconcile"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveDelivery(notifier.DeliveryResult{Channel: "line", Status: notifier.StatusSuccess, Duration: 120 * time.Millisecond})
	r.ObserveDelivery(notifier.DeliveryResult{Channel: "line", Status: notifier.StatusFailed, Duration: time.Second})
	r.ObserveDelivery(notifier.DeliveryResult{Channel: "slack", Status: notifier.StatusRateLimited})
	r.SetRetryQueueDepth(3)
	r.RetryDropped()
	r.ObserveConflict(reconcile.StateDetected)
	r.ObserveConflict(reconcile.StateDetected)
	r.ObserveConflict(reconcile.StateManualReview)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.deliveries.WithLabelValues("line", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.deliveries.WithLabelValues("slack", "rate_limited")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.retryDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.retriesDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.conflicts.WithLabelValues("detected")))

	// Rate limited sends never ran, so only line has duration samples.
	assert.Equal(t, 1, testutil.CollectAndCount(r.deliveryDuration))

	mfs, err := r.Gatherer().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["calnotify_deliveries_total"])
	assert.True(t, names["calnotify_conflicts_total"])
}

func TestNewDefaultRegistry(t *testing.T) {
	r := New(nil)
	mfs, err := r.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}
