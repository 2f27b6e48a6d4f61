package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/config"
	"github.com/lattice-labs/xchain/engine"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Endpoints = []config.Endpoint{{
		Name:         "primary",
		RPCURL:       "http://localhost:8545",
		StreamURL:    "ws://localhost:8546",
		Priority:     0,
		RateLimitRPS: 10,
		TimeoutMs:    5_000,
	}}
	return cfg
}

func TestNewRejectsMisconfiguration(t *testing.T) {
	cfg := config.Defaults() // no endpoints
	_, err := engine.New(cfg)
	require.ErrorIs(t, err, apperrors.ErrFatal)

	cfg = testConfig()
	cfg.ConfirmationThreshold = 0
	_, err = engine.New(cfg)
	require.ErrorIs(t, err, apperrors.ErrFatal)

	cfg = testConfig()
	cfg.BlockWindow = cfg.ReorgDepth - 1
	_, err = engine.New(cfg)
	require.ErrorIs(t, err, apperrors.ErrFatal)
}

func TestSetConfirmationThresholdBounds(t *testing.T) {
	eng, err := engine.New(testConfig())
	require.NoError(t, err)

	require.ErrorIs(t, eng.SetConfirmationThreshold(0), apperrors.ErrInvalidInput)
	require.ErrorIs(t, eng.SetConfirmationThreshold(101), apperrors.ErrInvalidInput)
	require.NoError(t, eng.SetConfirmationThreshold(6))
}

func TestStoppedEngineQueries(t *testing.T) {
	eng, err := engine.New(testConfig())
	require.NoError(t, err)

	stats := eng.MonitoringStats()
	require.False(t, stats.Connected)
	require.Equal(t, uint64(0), stats.HeadBlock)
	require.Empty(t, eng.PendingTransactions())
	require.Empty(t, eng.ConfirmedTransactions())
	require.Empty(t, eng.PendingEvents())
	require.Empty(t, eng.ConfirmedEvents())
	require.Empty(t, eng.ChainReorganizations())
	require.Empty(t, eng.UserActions())

	_, err = eng.BackfillTransactions(1, 100)
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestEndpointsSnapshot(t *testing.T) {
	eng, err := engine.New(testConfig())
	require.NoError(t, err)

	eps := eng.Endpoints()
	require.Len(t, eps, 1)
	require.Equal(t, "primary", eps[0].Name)
	require.True(t, eps[0].Healthy)
}
