package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint", "2xx")
		IncReconcileRetry("scheduled")
		IncTransition("vacant", "occupied")
		IncCASRetry()
		IncDelivered("lot")
		IncRelay("out", "ok")
	})
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(reconciles.WithLabelValues("changed"))
	IncReconcile("changed")
	IncReconcile("changed")
	assert.Equal(t, before+2, testutil.ToFloat64(reconciles.WithLabelValues("changed")))

	beforeCoalesced := testutil.ToFloat64(snapshotsCoalesced.WithLabelValues("spaces"))
	IncCoalesced("spaces")
	assert.Equal(t, beforeCoalesced+1, testutil.ToFloat64(snapshotsCoalesced.WithLabelValues("spaces")))

	AddObservers("all_lots", 2)
	AddObservers("all_lots", -1)
	assert.Equal(t, 1.0, testutil.ToFloat64(observers.WithLabelValues("all_lots")))
}
