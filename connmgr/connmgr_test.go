package connmgr_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/connmgr"
	"github.com/lattice-labs/xchain/ethrpc"
	"github.com/lattice-labs/xchain/providers"
)

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{errCh: make(chan error, 1)}
}

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

func (s *fakeSub) Err() <-chan error { return s.errCh }

// fakeClient implements ethrpc.Interface for supervising tests. Headers
// pushed with push() flow through SubscribeNewHeads.
type fakeClient struct {
	mu      sync.Mutex
	heads   chan<- *types.Header
	sub     *fakeSub
	headNum uint64
}

func (f *fakeClient) push(h *types.Header) {
	f.mu.Lock()
	heads := f.heads
	f.mu.Unlock()
	if heads != nil {
		heads <- h
	}
}

func (f *fakeClient) failStream(err error) {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	if sub != nil {
		sub.errCh <- err
	}
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error)   { return big.NewInt(1), nil }
func (f *fakeClient) NetworkID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headNum, nil
}

func (f *fakeClient) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	return nil, ethereum.NotFound
}

func (f *fakeClient) BlockByNumber(ctx context.Context, blockNum *big.Int) (*types.Block, error) {
	return nil, ethereum.NotFound
}

func (f *fakeClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeClient) IsStreamingEnabled() bool { return true }

func (f *fakeClient) SubscribeNewHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads = ch
	f.sub = newFakeSub()
	return f.sub, nil
}

func (f *fakeClient) CloseStreamConns() {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	if sub != nil {
		sub.errCh <- errors.New("stream closed")
	}
}

var _ ethrpc.Interface = (*fakeClient)(nil)

func testRegistry(t *testing.T, names ...string) *providers.Registry {
	t.Helper()
	r := providers.NewRegistry()
	for i, name := range names {
		require.NoError(t, r.Register(providers.Endpoint{
			Name:      name,
			RPCURL:    "http://" + name,
			StreamURL: "ws://" + name,
			Priority:  i,
			Timeout:   time.Second,
			Healthy:   true,
		}))
	}
	return r
}

func header(num uint64) *types.Header {
	return &types.Header{Number: new(big.Int).SetUint64(num), Time: num}
}

func TestStreamingAndFailover(t *testing.T) {
	registry := testRegistry(t, "primary", "secondary")

	clients := map[string]*fakeClient{
		"primary":   {},
		"secondary": {},
	}
	dialed := make(chan string, 8)
	dial := func(ep providers.Endpoint) (ethrpc.Interface, error) {
		dialed <- ep.Name
		return clients[ep.Name], nil
	}

	mgr := connmgr.New(registry, dial, connmgr.Options{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(ctx) }()

	require.Equal(t, "primary", <-dialed)
	require.Eventually(t, func() bool { return mgr.State() == connmgr.Ready }, time.Second, time.Millisecond)
	require.Equal(t, "primary", mgr.CurrentEndpoint())

	clients["primary"].push(header(1000))
	h := <-mgr.Headers()
	require.Equal(t, uint64(1000), h.Number.Uint64())
	require.Equal(t, uint64(1000), mgr.LastHeadBlock())

	// stream failure on primary: the manager marks it failed and moves on
	clients["primary"].failStream(errors.New("conn reset"))

	require.Eventually(t, func() bool {
		return mgr.CurrentEndpoint() == "secondary" && mgr.Connected()
	}, 2*time.Second, time.Millisecond)

	clients["secondary"].push(header(1001))
	h = <-mgr.Headers()
	require.Equal(t, uint64(1001), h.Number.Uint64())

	cancel()
	require.NoError(t, <-runErr)
}

func TestNoHealthyProviderIsFatal(t *testing.T) {
	registry := testRegistry(t, "only")

	dial := func(ep providers.Endpoint) (ethrpc.Interface, error) {
		return nil, errors.New("refused")
	}

	mgr := connmgr.New(registry, dial, connmgr.Options{BaseDelay: time.Millisecond})

	err := mgr.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrFatal)
	require.ErrorIs(t, err, apperrors.ErrNoHealthyProvider)
}

func TestForceProviderValidation(t *testing.T) {
	registry := testRegistry(t, "a", "b")
	for i := 0; i < providers.DefaultUnhealthyThreshold; i++ {
		registry.MarkFailure("b")
	}

	mgr := connmgr.New(registry, func(ep providers.Endpoint) (ethrpc.Interface, error) {
		return &fakeClient{}, nil
	}, connmgr.Options{})

	require.ErrorIs(t, mgr.ForceProvider("nope"), apperrors.ErrInvalidInput)
	require.ErrorIs(t, mgr.ForceProvider("b"), apperrors.ErrInvalidInput)
	require.NoError(t, mgr.ForceProvider("a"))
}
