package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/cuemby/tenement/pkg/types"
)

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", StatusClass(200))
	assert.Equal(t, "2xx", StatusClass(204))
	assert.Equal(t, "3xx", StatusClass(301))
	assert.Equal(t, "4xx", StatusClass(404))
	assert.Equal(t, "5xx", StatusClass(502))
	assert.Equal(t, "1xx", StatusClass(100))
}

type fakeSource struct {
	views []types.InstanceView
}

func (f *fakeSource) List() []types.InstanceView { return f.views }

func TestCollectorGauges(t *testing.T) {
	Register()

	src := &fakeSource{views: []types.InstanceView{
		{
			ID:               types.InstanceID{Service: "api", Label: "v1"},
			Status:           types.StatusRunning,
			Weight:           75,
			StorageUsedBytes: 1024,
		},
		{
			ID:     types.InstanceID{Service: "api", Label: "v2"},
			Status: types.StatusIdleStopped,
			Weight: 25,
		},
	}}

	c := NewCollector(src, 0)
	c.collect()

	assert.Equal(t, 75.0, testutil.ToFloat64(InstanceWeight.WithLabelValues("api", "v1")))
	assert.Equal(t, 25.0, testutil.ToFloat64(InstanceWeight.WithLabelValues("api", "v2")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(InstanceStorageBytes.WithLabelValues("api", "v1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(InstancesByStatus.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(InstancesByStatus.WithLabelValues("idle-stopped")))

	// A later collect with fewer instances must not leave stale series.
	src.views = src.views[:1]
	c.collect()
	assert.Equal(t, 1, testutil.CollectAndCount(InstanceWeight, "tenement_instance_weight"))
}

func TestRegisterIdempotent(t *testing.T) {
	Register()
	Register() // must not panic on double registration
}
