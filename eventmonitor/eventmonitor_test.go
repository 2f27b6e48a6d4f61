package eventmonitor_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/lattice-labs/xchain"
	"github.com/lattice-labs/xchain/catalog"
	"github.com/lattice-labs/xchain/ethcoder"
	"github.com/lattice-labs/xchain/ethrpc"
	"github.com/lattice-labs/xchain/ethutil"
	"github.com/lattice-labs/xchain/eventbus"
	"github.com/lattice-labs/xchain/eventmonitor"
)

// fakeRPC serves canned logs per block number and a canned transaction per
// hash.
type fakeRPC struct {
	mu   sync.Mutex
	logs map[uint64][]types.Log
	txs  map[common.Hash]*types.Transaction
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		logs: make(map[uint64][]types.Log),
		txs:  make(map[common.Hash]*types.Transaction),
	}
}

func (f *fakeRPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Log
	for _, lg := range f.logs[q.FromBlock.Uint64()] {
		if len(q.Addresses) > 0 && lg.Address != q.Addresses[0] {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && lg.Topics[0] != q.Topics[0][0] {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *fakeRPC) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (f *fakeRPC) ChainID(ctx context.Context) (*big.Int, error)   { return big.NewInt(1), nil }
func (f *fakeRPC) NetworkID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeRPC) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

func (f *fakeRPC) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	return nil, ethereum.NotFound
}

func (f *fakeRPC) BlockByNumber(ctx context.Context, blockNum *big.Int) (*types.Block, error) {
	return nil, ethereum.NotFound
}

func (f *fakeRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeRPC) IsStreamingEnabled() bool { return false }

func (f *fakeRPC) SubscribeNewHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, ethereum.NotFound
}

func (f *fakeRPC) CloseStreamConns() {}

var _ ethrpc.Interface = (*fakeRPC)(nil)

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

// depositLog builds an Aave-style Deposit log for the lending pool, with
// properly packed indexed topics and data.
func depositLog(t *testing.T, txHash common.Hash, logIndex uint, blockNumber uint64, user common.Address) types.Log {
	t.Helper()

	sig := "Deposit(address indexed reserve, address user, address indexed onBehalfOf, uint256 amount, uint16 indexed referral)"
	topic0, _, err := ethcoder.EventTopicHash(sig)
	require.NoError(t, err)

	reserve := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	onBehalfOf := user

	addrType, err := abi.NewType("address", "", nil)
	require.NoError(t, err)
	uintType, err := abi.NewType("uint256", "", nil)
	require.NoError(t, err)

	data, err := abi.Arguments{{Type: addrType}, {Type: uintType}}.Pack(user, big.NewInt(1_000_000))
	require.NoError(t, err)

	return types.Log{
		Address: catalog.AaveV2LendingPool,
		Topics: []common.Hash{
			topic0,
			reserve.Hash(),
			onBehalfOf.Hash(),
			common.BigToHash(big.NewInt(0)), // referral
		},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      txHash,
		TxIndex:     0,
		Index:       logIndex,
	}
}

// headerFor wraps the block's logs into a header whose bloom admits them.
func headerFor(blockNumber uint64, logs []types.Log) *types.Header {
	return &types.Header{
		Number: new(big.Int).SetUint64(blockNumber),
		Time:   1_700_000_000 + blockNumber*12,
		Bloom:  ethutil.ConvertLogsToBloom(logs),
	}
}

func depositFilter(t *testing.T) xchain.EventFilter {
	t.Helper()
	sig := "Deposit(address indexed reserve, address user, address indexed onBehalfOf, uint256 amount, uint16 indexed referral)"
	topic0, _, err := ethcoder.EventTopicHash(sig)
	require.NoError(t, err)
	return xchain.EventFilter{
		ContractAddress: catalog.AaveV2LendingPool,
		EventSignature:  topic0,
	}
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

func kinds(events []eventbus.Event) []eventbus.Kind {
	out := make([]eventbus.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestDetectConfirmAndCoalesce(t *testing.T) {
	rpc := newFakeRPC()
	cat, err := catalog.New()
	require.NoError(t, err)
	bus := eventbus.New(64)
	sub := bus.Subscribe("t")

	mon := eventmonitor.New(rpc, cat, bus, nil)
	mon.AddFilter(depositFilter(t))

	key := testKey(t)
	user := crypto.PubkeyToAddress(key.PublicKey)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &catalog.AaveV2LendingPool,
		Gas:      100_000,
		GasPrice: big.NewInt(1),
		Value:    big.NewInt(0),
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(1)), key)
	require.NoError(t, err)
	txHash := signed.Hash()
	rpc.txs[txHash] = signed

	logs := []types.Log{
		depositLog(t, txHash, 0, 1000, user),
		depositLog(t, txHash, 1, 1000, user),
	}
	rpc.logs[1000] = logs

	// detection at head 1000
	_, err = mon.OnBlock(context.Background(), 1000, headerFor(1000, logs), false, 0)
	require.NoError(t, err)

	detected := drain(sub)
	require.Len(t, detected, 2)
	for _, ev := range detected {
		require.Equal(t, eventbus.EventDetected, ev.Kind)
		require.False(t, ev.LogEvent.Confirmed)
	}

	// confirmation at head 1012 (threshold 12)
	_, err = mon.OnBlock(context.Background(), 1012, headerFor(1012, nil), false, 0)
	require.NoError(t, err)

	confirmedEvents := drain(sub)
	require.Len(t, confirmedEvents, 3, "two EventConfirmed plus one UserActionDetected, got %v", kinds(confirmedEvents))

	var action *xchain.UserAction
	confirmedCount := 0
	for _, ev := range confirmedEvents {
		switch ev.Kind {
		case eventbus.EventConfirmed:
			confirmedCount++
			require.Equal(t, "Deposit", ev.LogEvent.EventName)
			require.Equal(t, "aave-v2", ev.LogEvent.ProtocolName)
		case eventbus.UserActionDetected:
			action = ev.UserAction
		}
	}
	require.Equal(t, 2, confirmedCount)
	require.NotNil(t, action)
	require.Equal(t, xchain.ActionDeposit, action.ActionType)
	require.Equal(t, "aave-v2", action.ProtocolName)
	require.Equal(t, user, action.UserAddress)
	require.GreaterOrEqual(t, len(action.Events), 2)
	require.Equal(t, txHash, action.TxHash)
}

func TestIdempotentReobservation(t *testing.T) {
	rpc := newFakeRPC()
	cat, err := catalog.New()
	require.NoError(t, err)
	bus := eventbus.New(64)
	sub := bus.Subscribe("t")

	mon := eventmonitor.New(rpc, cat, bus, nil)
	mon.AddFilter(depositFilter(t))

	user := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	txHash := common.HexToHash("0x01")
	logs := []types.Log{depositLog(t, txHash, 0, 1000, user)}
	rpc.logs[1000] = logs

	_, err = mon.OnBlock(context.Background(), 1000, headerFor(1000, logs), false, 0)
	require.NoError(t, err)
	require.Len(t, drain(sub), 1)

	// same block replayed (e.g. by a backfill pass): no new detection
	_, err = mon.OnBlock(context.Background(), 1000, headerFor(1000, logs), false, 0)
	require.NoError(t, err)
	require.Len(t, drain(sub), 0)
}

func TestReorgDemotesConfirmedEvents(t *testing.T) {
	rpc := newFakeRPC()
	cat, err := catalog.New()
	require.NoError(t, err)
	bus := eventbus.New(64)
	sub := bus.Subscribe("t")

	mon := eventmonitor.New(rpc, cat, bus, nil)
	mon.AddFilter(depositFilter(t))

	user := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	txHash := common.HexToHash("0x02")
	logs := []types.Log{depositLog(t, txHash, 0, 1000, user)}
	rpc.logs[1000] = logs

	_, err = mon.OnBlock(context.Background(), 1000, headerFor(1000, logs), false, 0)
	require.NoError(t, err)
	_, err = mon.OnBlock(context.Background(), 1012, headerFor(1012, nil), false, 0)
	require.NoError(t, err)
	drain(sub)
	require.Len(t, mon.ConfirmedEvents(), 1)

	// reorg at 1000: the canonical block no longer carries the log
	rpc.mu.Lock()
	rpc.logs[1000] = nil
	rpc.mu.Unlock()
	affected, err := mon.OnBlock(context.Background(), 1013, headerFor(1000, nil), true, 1000)
	require.NoError(t, err)
	require.Equal(t, []string{eventmonitor.EventID(txHash, 0)}, affected)

	events := drain(sub)
	var sawReorganized bool
	for _, ev := range events {
		if ev.Kind == eventbus.EventReorganized {
			sawReorganized = true
		}
	}
	require.True(t, sawReorganized)
	require.Len(t, mon.ConfirmedEvents(), 0)
}
