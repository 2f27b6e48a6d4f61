package providers_test

import (
	"testing"
	"time"

	"github.com/lattice-labs/xchain/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterOrdersByPriority(t *testing.T) {
	r := providers.NewRegistry()

	require.NoError(t, r.Register(providers.Endpoint{Name: "b", RPCURL: "http://b", StreamURL: "ws://b", Priority: 2, Healthy: true}))
	require.NoError(t, r.Register(providers.Endpoint{Name: "a", RPCURL: "http://a", StreamURL: "ws://a", Priority: 1, Healthy: true}))
	require.NoError(t, r.Register(providers.Endpoint{Name: "c", RPCURL: "http://c", StreamURL: "ws://c", Priority: 5, Healthy: true}))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap[0].Name, snap[1].Name, snap[2].Name})
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := providers.NewRegistry()

	assert.Error(t, r.Register(providers.Endpoint{Name: "", RPCURL: "http://a", StreamURL: "ws://a"}))
	assert.Error(t, r.Register(providers.Endpoint{Name: "a", RPCURL: "", StreamURL: "ws://a"}))
	assert.Error(t, r.Register(providers.Endpoint{Name: "a", RPCURL: "http://a", StreamURL: "ws://a", Priority: -1}))

	require.NoError(t, r.Register(providers.Endpoint{Name: "a", RPCURL: "http://a", StreamURL: "ws://a", Priority: 0}))
	assert.Error(t, r.Register(providers.Endpoint{Name: "a", RPCURL: "http://a2", StreamURL: "ws://a2", Priority: 0}))
}

func TestMarkFailureFlipsUnhealthyAtThreshold(t *testing.T) {
	r := providers.NewRegistry()
	require.NoError(t, r.Register(providers.Endpoint{Name: "a", RPCURL: "http://a", StreamURL: "ws://a", Priority: 0, Healthy: true}))

	for i := 0; i < providers.DefaultUnhealthyThreshold-1; i++ {
		r.MarkFailure("a")
		ep, _ := r.Get("a")
		assert.True(t, ep.Healthy, "should remain healthy before threshold")
	}

	r.MarkFailure("a")
	ep, _ := r.Get("a")
	assert.False(t, ep.Healthy)
	assert.Equal(t, providers.DefaultUnhealthyThreshold, ep.ConsecutiveFailures)

	r.MarkSuccess("a", 10*time.Millisecond, 100)
	ep, _ = r.Get("a")
	assert.True(t, ep.Healthy)
	assert.Equal(t, 0, ep.ConsecutiveFailures)
	assert.Equal(t, uint64(100), ep.LastHeadBlock)
}

func TestFlapGuardIgnoresSingleStreamingFailure(t *testing.T) {
	r := providers.NewRegistry()
	require.NoError(t, r.Register(providers.Endpoint{Name: "a", RPCURL: "http://a", StreamURL: "ws://a", Priority: 0, Healthy: true}))

	r.SetStreaming("a")
	r.MarkFailure("a")

	ep, _ := r.Get("a")
	assert.True(t, ep.Healthy)
	assert.Equal(t, 0, ep.ConsecutiveFailures)
}

func TestHealthyInPriorityOrderExcludesUnhealthy(t *testing.T) {
	r := providers.NewRegistry()
	require.NoError(t, r.Register(providers.Endpoint{Name: "a", RPCURL: "http://a", StreamURL: "ws://a", Priority: 0, Healthy: true}))
	require.NoError(t, r.Register(providers.Endpoint{Name: "b", RPCURL: "http://b", StreamURL: "ws://b", Priority: 1, Healthy: true}))

	for i := 0; i < providers.DefaultUnhealthyThreshold; i++ {
		r.MarkFailure("a")
	}

	healthy := r.HealthyInPriorityOrder()
	require.Len(t, healthy, 1)
	assert.Equal(t, "b", healthy[0].Name)
}
