package blocktracker_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/lattice-labs/xchain/blocktracker"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func header(number uint64, parent *types.Header) *types.Header {
	h := &types.Header{
		Number: new(big.Int).SetUint64(number),
		Time:   1_700_000_000 + number*12,
		Extra:  []byte{byte(number)},
	}
	if parent != nil {
		h.ParentHash = parent.Hash()
	}
	return h
}

func next(t *testing.T, tracker *blocktracker.Tracker) blocktracker.Notification {
	t.Helper()
	select {
	case n, ok := <-tracker.Notifications():
		require.True(t, ok, "notification stream closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return blocktracker.Notification{}
	}
}

func requireNoNotification(t *testing.T, tracker *blocktracker.Tracker) {
	t.Helper()
	select {
	case n := <-tracker.Notifications():
		t.Fatalf("unexpected notification for block %d", n.Number)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInOrderHeads(t *testing.T) {
	tracker := blocktracker.New(blocktracker.Options{WindowSize: 10})

	h1 := header(100, nil)
	h2 := header(101, h1)
	h3 := header(102, h2)

	tracker.Ingest(h1)
	tracker.Ingest(h2)
	tracker.Ingest(h3)

	for i, want := range []uint64{100, 101, 102} {
		n := next(t, tracker)
		require.Equal(t, want, n.Number, "notification %d", i)
		require.False(t, n.IsReorg)
	}
	require.Equal(t, uint64(102), tracker.HeadNumber())
	require.InDelta(t, 12.0, tracker.AverageBlockTime(), 0.01)
}

func TestOutOfOrderHeaderIsReordered(t *testing.T) {
	tracker := blocktracker.New(blocktracker.Options{WindowSize: 10})

	h1 := header(100, nil)
	h2 := header(101, h1)
	h3 := header(102, h2)

	tracker.Ingest(h1)
	n := next(t, tracker)
	require.Equal(t, uint64(100), n.Number)

	// 102 arrives before 101: it must be held back
	tracker.Ingest(h3)
	requireNoNotification(t, tracker)

	tracker.Ingest(h2)
	require.Equal(t, uint64(101), next(t, tracker).Number)
	require.Equal(t, uint64(102), next(t, tracker).Number)
}

func TestReorgDetection(t *testing.T) {
	tracker := blocktracker.New(blocktracker.Options{WindowSize: 10})

	h1 := header(100, nil)
	h2 := header(101, h1)
	tracker.Ingest(h1)
	tracker.Ingest(h2)
	next(t, tracker)
	oldHash := next(t, tracker).Hash

	// a different block 101 replaces the one we saw
	h2b := header(101, h1)
	h2b.Extra = []byte("fork")
	tracker.Ingest(h2b)

	n := next(t, tracker)
	require.True(t, n.IsReorg)
	require.Equal(t, uint64(101), n.ReorgFrom)
	require.Equal(t, oldHash, n.OldHash)
	require.Equal(t, h2b.Hash(), n.Hash)

	reorgs := tracker.Reorganizations()
	require.Len(t, reorgs, 1)
	require.Equal(t, uint64(101), reorgs[0].BlockNumber)
}

func TestDuplicateHeaderIgnored(t *testing.T) {
	tracker := blocktracker.New(blocktracker.Options{WindowSize: 10})

	h1 := header(100, nil)
	tracker.Ingest(h1)
	next(t, tracker)

	tracker.Ingest(h1)
	requireNoNotification(t, tracker)
}

func TestWindowEviction(t *testing.T) {
	tracker := blocktracker.New(blocktracker.Options{WindowSize: 5})

	var prev *types.Header
	for n := uint64(1); n <= 12; n++ {
		h := header(n, prev)
		tracker.Ingest(h)
		next(t, tracker)
		prev = h
	}

	window := tracker.Window()
	require.Len(t, window, 5)
	require.Equal(t, uint64(8), window[0].Number)
	require.Equal(t, uint64(12), window[len(window)-1].Number)

	_, ok := tracker.CanonicalHash(7)
	require.False(t, ok)
	_, ok = tracker.CanonicalHash(12)
	require.True(t, ok)
}
