package backfill_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/lattice-labs/xchain"
	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/backfill"
	"github.com/lattice-labs/xchain/ethrpc"
	"github.com/lattice-labs/xchain/eventbus"
	"github.com/lattice-labs/xchain/txmonitor"
)

// fakeChain serves a fixed range of blocks with transactions.
type fakeChain struct {
	mu     sync.Mutex
	blocks map[uint64]*types.Block
	head   uint64
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) BlockByNumber(ctx context.Context, blockNum *big.Int) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[blockNum.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return b, nil
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error)   { return big.NewInt(1), nil }
func (f *fakeChain) NetworkID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeChain) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	return nil, ethereum.NotFound
}

func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeChain) IsStreamingEnabled() bool { return false }

func (f *fakeChain) SubscribeNewHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, ethereum.NotFound
}

func (f *fakeChain) CloseStreamConns() {}

var _ ethrpc.Interface = (*fakeChain)(nil)

func buildChain(t *testing.T, key *ecdsa.PrivateKey, to xchain.Address, from, until uint64) *fakeChain {
	t.Helper()

	chain := &fakeChain{blocks: make(map[uint64]*types.Block), head: until}
	nonce := uint64(0)
	for n := from; n <= until; n++ {
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    big.NewInt(1_000),
			Gas:      21000,
			GasPrice: big.NewInt(1),
		})
		signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(1)), key)
		require.NoError(t, err)
		nonce++

		header := &types.Header{
			Number: new(big.Int).SetUint64(n),
			Time:   1_700_000_000 + n*12,
		}
		chain.blocks[n] = types.NewBlockWithHeader(header).WithBody(types.Body{
			Transactions: []*types.Transaction{signed},
		})
	}
	return chain
}

func countKind(events []eventbus.Event, kind eventbus.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func drain(sub eventbus.Subscription) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBackfillDetectsAndIsIdempotent(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	watched := xchain.Address{0x01}

	chain := buildChain(t, key, watched, 990, 1000)

	bus := eventbus.New(256)
	sub := bus.Subscribe("t")
	txm := txmonitor.New(chain, bus, nil)
	txm.AddAddress(watched)

	scanner := backfill.New(chain, txm, nil, bus, backfill.Options{
		BatchSize:  5,
		BatchDelay: time.Millisecond,
	})

	require.NoError(t, scanner.Run(context.Background(), backfill.Request{FromBlock: 990, ToBlock: 1000}))

	events := drain(sub)
	require.Equal(t, 11, countKind(events, eventbus.TransactionDetected))
	require.Equal(t, 1, countKind(events, eventbus.BackfillCompleted))

	confirmedBefore := len(txm.ConfirmedTransactions())

	// second run over the same range: zero new detections
	require.NoError(t, scanner.Run(context.Background(), backfill.Request{FromBlock: 990, ToBlock: 1000}))

	events = drain(sub)
	require.Equal(t, 0, countKind(events, eventbus.TransactionDetected))
	require.Equal(t, 1, countKind(events, eventbus.BackfillCompleted))
	require.Equal(t, confirmedBefore, len(txm.ConfirmedTransactions()))
}

func TestBackfillDeepHistoryConfirmsImmediately(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	watched := xchain.Address{0x02}

	// blocks 990..1000 exist, but the live head is far past them
	chain := buildChain(t, key, watched, 990, 1000)
	chain.head = 2000

	bus := eventbus.New(256)
	sub := bus.Subscribe("t")
	txm := txmonitor.New(chain, bus, nil)
	txm.AddAddress(watched)

	scanner := backfill.New(chain, txm, nil, bus, backfill.Options{
		BatchSize:  5,
		BatchDelay: time.Millisecond,
	})

	require.NoError(t, scanner.Run(context.Background(), backfill.Request{FromBlock: 990, ToBlock: 1000}))

	// every detection is already >= the confirmation threshold deep, so
	// each block's pass confirms it without waiting for a live head
	events := drain(sub)
	require.Equal(t, 11, countKind(events, eventbus.TransactionDetected))
	require.Equal(t, 11, countKind(events, eventbus.TransactionConfirmed))
	require.Empty(t, txm.PendingTransactions())
	require.Len(t, txm.ConfirmedTransactions(), 11)
}

func TestBackfillAbortsOnDeadWindow(t *testing.T) {
	chain := &fakeChain{blocks: make(map[uint64]*types.Block), head: 100}

	bus := eventbus.New(64)
	txm := txmonitor.New(chain, bus, nil)
	txm.AddAddress(xchain.Address{0x01})

	scanner := backfill.New(chain, txm, nil, bus, backfill.Options{
		BatchSize:  10,
		BatchDelay: time.Millisecond,
	})

	err := scanner.Run(context.Background(), backfill.Request{FromBlock: 1, ToBlock: 20})
	require.ErrorIs(t, err, apperrors.ErrBackfillAborted)
}

func TestBackfillRejectsInvertedRange(t *testing.T) {
	chain := &fakeChain{blocks: make(map[uint64]*types.Block), head: 100}
	scanner := backfill.New(chain, nil, nil, eventbus.New(8), backfill.Options{})

	err := scanner.Run(context.Background(), backfill.Request{FromBlock: 50, ToBlock: 10})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
