package txmonitor_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/lattice-labs/xchain"
	"github.com/lattice-labs/xchain/eventbus"
	"github.com/lattice-labs/xchain/txmonitor"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, chainID *big.Int, to xchain.Address, value int64, nonce uint64) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(value),
		Gas:      21000,
		GasPrice: big.NewInt(1_000_000_000),
	})
	signer := types.NewEIP155Signer(chainID)
	signed, err := types.SignTx(tx, signer, key)
	require.NoError(t, err)
	return signed
}

func TestHappyConfirm(t *testing.T) {
	chainID := big.NewInt(1)
	key := testKey(t)
	to := xchain.Address{0x01}

	bus := eventbus.New(16)
	sub := bus.Subscribe("t")
	mon := txmonitor.New(nil, bus, nil)
	mon.AddAddress(to)

	tx := signedTx(t, key, chainID, to, 1, 0)

	mon.OnBlock(context.Background(), 1000, txmonitor.BlockNotification{
		Number:       1000,
		Transactions: []*types.Transaction{tx},
	})

	detected := requireNext(t, sub)
	require.Equal(t, eventbus.TransactionDetected, detected.Kind)
	require.Equal(t, uint64(0), detected.Transaction.Confirmations)

	mon.OnBlock(context.Background(), 1012, txmonitor.BlockNotification{Number: 1012})

	confirmed := requireNext(t, sub)
	require.Equal(t, eventbus.TransactionConfirmed, confirmed.Kind)
	require.Equal(t, uint64(12), confirmed.Transaction.Confirmations)
}

func TestUnwatchedMonitorEmitsNothing(t *testing.T) {
	chainID := big.NewInt(1)
	key := testKey(t)
	to := xchain.Address{0x02}

	bus := eventbus.New(16)
	sub := bus.Subscribe("t")
	mon := txmonitor.New(nil, bus, nil)

	tx := signedTx(t, key, chainID, to, 1, 0)
	mon.OnBlock(context.Background(), 1000, txmonitor.BlockNotification{
		Number:       1000,
		Transactions: []*types.Transaction{tx},
	})

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %v", ev.Kind)
	default:
	}
}

func TestValueRangeFilter(t *testing.T) {
	chainID := big.NewInt(1)
	key := testKey(t)
	to := xchain.Address{0x03}

	bus := eventbus.New(16)
	sub := bus.Subscribe("t")
	mon := txmonitor.New(nil, bus, nil)
	mon.AddAddress(to)
	mon.AddFilter(xchain.Filter{
		ID:       "min-1-eth",
		MinValue: new(big.Int).SetUint64(1_000_000_000_000_000_000),
	})

	// 0.5 ETH: below the inclusive minimum, no emission
	low := signedTx(t, key, chainID, to, 500_000_000_000_000_000, 0)
	mon.OnBlock(context.Background(), 1000, txmonitor.BlockNotification{
		Number:       1000,
		Transactions: []*types.Transaction{low},
	})
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for under-minimum value: %v", ev.Kind)
	default:
	}

	// 2 ETH: above the minimum, detected
	high := signedTx(t, key, chainID, to, 2_000_000_000_000_000_000, 1)
	mon.OnBlock(context.Background(), 1001, txmonitor.BlockNotification{
		Number:       1001,
		Transactions: []*types.Transaction{high},
	})
	detected := requireNext(t, sub)
	require.Equal(t, eventbus.TransactionDetected, detected.Kind)
	require.Equal(t, high.Hash(), detected.Transaction.TxHash)
}

func TestReorgDemotesToFailedWhenAbsent(t *testing.T) {
	chainID := big.NewInt(1)
	key := testKey(t)
	to := xchain.Address{0x04}

	bus := eventbus.New(16)
	sub := bus.Subscribe("t")
	// nil rpc: a reorged transaction cannot be re-fetched and so fails out
	mon := txmonitor.New(nil, bus, nil)
	mon.AddAddress(to)

	tx := signedTx(t, key, chainID, to, 1, 0)
	mon.OnBlock(context.Background(), 1000, txmonitor.BlockNotification{
		Number:       1000,
		Transactions: []*types.Transaction{tx},
	})
	require.Equal(t, eventbus.TransactionDetected, requireNext(t, sub).Kind)

	// block 1000 is replaced at head 1005 and the tx is gone
	mon.OnBlock(context.Background(), 1005, txmonitor.BlockNotification{
		Number:    1000,
		IsReorg:   true,
		ReorgFrom: 1000,
	})

	reorged := requireNext(t, sub)
	require.Equal(t, eventbus.TransactionReorganized, reorged.Kind)
	require.True(t, reorged.Transaction.Reorganized)

	failed := requireNext(t, sub)
	require.Equal(t, eventbus.TransactionFailed, failed.Kind)
	require.Equal(t, xchain.FailureReorganizedOut, failed.FailReason)

	require.Empty(t, mon.PendingTransactions())
	require.Empty(t, mon.ConfirmedTransactions())
}

func TestLoweringThresholdPromotesImmediately(t *testing.T) {
	chainID := big.NewInt(1)
	key := testKey(t)
	to := xchain.Address{0x05}

	bus := eventbus.New(16)
	sub := bus.Subscribe("t")
	mon := txmonitor.New(nil, bus, nil)
	mon.AddAddress(to)

	tx := signedTx(t, key, chainID, to, 1, 0)
	mon.OnBlock(context.Background(), 1000, txmonitor.BlockNotification{
		Number:       1000,
		Transactions: []*types.Transaction{tx},
	})
	mon.OnBlock(context.Background(), 1006, txmonitor.BlockNotification{Number: 1006})
	require.Equal(t, eventbus.TransactionDetected, requireNext(t, sub).Kind)

	// 6 confirmations is short of the default 12, but qualifies once the
	// threshold drops
	mon.SetConfirmationThreshold(5)

	confirmed := requireNext(t, sub)
	require.Equal(t, eventbus.TransactionConfirmed, confirmed.Kind)
	require.Equal(t, uint64(6), confirmed.Transaction.Confirmations)
}

func requireNext(t *testing.T, sub eventbus.Subscription) eventbus.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	default:
		t.Fatal("expected an event but none was published")
		return eventbus.Event{}
	}
}
