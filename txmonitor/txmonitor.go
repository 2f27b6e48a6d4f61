// Package txmonitor tracks watched transactions: the address watch-list,
// pending/confirmed tables, confirmation counting, age-based expiration
// and reorg-triggered rollback. One loop owns the tables; everything else
// reads snapshots.
package txmonitor

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lattice-labs/xchain"
	"github.com/lattice-labs/xchain/ethrpc"
	"github.com/lattice-labs/xchain/eventbus"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	DefaultConfirmationThreshold = 12
	DefaultReorgDepth            = 20
	DefaultMaxPendingAge         = time.Hour

	// DefaultMaxPending caps the pending table; the oldest entry is
	// evicted on overflow.
	DefaultMaxPending = 100_000
)

// Monitor owns the pending/confirmed transaction tables for a single watch
// list. Reads by other components must go through its snapshot methods;
// direct table access from other components is forbidden.
type Monitor struct {
	mu sync.RWMutex

	watched map[xchain.Address]struct{}
	filters []xchain.Filter

	pending   map[xchain.Hash]*xchain.MonitoredTransaction
	confirmed map[xchain.Hash]*xchain.MonitoredTransaction

	confThreshold atomic.Int64
	maxPendingAge time.Duration
	maxPending    int
	reorgDepth    uint64
	retention     time.Duration
	lastHead      uint64

	rpc ethrpc.Interface
	bus *eventbus.Bus
	log *slog.Logger
}

// New builds a transaction monitor publishing onto bus. rpc is used to read
// a qualifying transaction's receipt status before confirming it, and to
// re-fetch a transaction's canonical status when a block within the reorg
// window changes hash.
func New(rpc ethrpc.Interface, bus *eventbus.Bus, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		watched:       make(map[xchain.Address]struct{}),
		pending:       make(map[xchain.Hash]*xchain.MonitoredTransaction),
		confirmed:     make(map[xchain.Hash]*xchain.MonitoredTransaction),
		maxPendingAge: DefaultMaxPendingAge,
		maxPending:    DefaultMaxPending,
		reorgDepth:    DefaultReorgDepth,
		retention:     24 * time.Hour,
		rpc:           rpc,
		bus:           bus,
		log:           log,
	}
	m.confThreshold.Store(DefaultConfirmationThreshold)
	return m
}

func (m *Monitor) SetConfirmationThreshold(n int) {
	m.confThreshold.Store(int64(n))
	m.promoteQualifying()
}

func (m *Monitor) ConfirmationThreshold() int {
	return int(m.confThreshold.Load())
}

// SetReorgDepth adjusts how far back of head the monitor re-validates
// mined transactions on a reorg.
func (m *Monitor) SetReorgDepth(depth uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reorgDepth = depth
}

// SetMaxPendingAge adjusts the age at which never-mined pending entries
// expire.
func (m *Monitor) SetMaxPendingAge(age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxPendingAge = age
}

func (m *Monitor) AddAddress(addr xchain.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[addr] = struct{}{}
}

func (m *Monitor) RemoveAddress(addr xchain.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, addr)
}

func (m *Monitor) AddFilter(f xchain.Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, f)
}

// isWatchable reports whether the monitor has been given enough
// configuration to ever emit anything: an unconstrained monitor with an
// empty address set emits nothing.
func (m *Monitor) isWatchable() bool {
	return len(m.watched) > 0 || len(m.filters) > 0
}

func (m *Monitor) isWatchedAddress(addr *xchain.Address) bool {
	if addr == nil {
		return false
	}
	_, ok := m.watched[*addr]
	return ok
}

func (m *Monitor) matchesFilters(tx *xchain.MonitoredTransaction) bool {
	if len(m.filters) == 0 {
		return true
	}
	for _, f := range m.filters {
		if filterMatches(f, tx) {
			return true
		}
	}
	return false
}

func filterMatches(f xchain.Filter, tx *xchain.MonitoredTransaction) bool {
	if len(f.Addresses) > 0 {
		matched := false
		for _, a := range f.Addresses {
			if a == tx.From || (tx.To != nil && a == *tx.To) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.MinValue != nil && tx.Value != nil && tx.Value.Cmp(f.MinValue) < 0 {
		return false
	}
	if f.MaxValue != nil && tx.Value != nil && tx.Value.Cmp(f.MaxValue) > 0 {
		return false
	}
	return true
}

// BlockNotification is what the Block Tracker delivers to the monitor on
// every new head.
type BlockNotification struct {
	Number       uint64
	Hash         xchain.Hash
	Timestamp    uint64
	Transactions []*types.Transaction
	IsReorg      bool
	ReorgFrom    uint64
}

// OnBlock runs the full per-block pass: roll back anything inside the reorg
// window whose block no longer matches canonical, promote qualifying
// pending entries, expire aged ones, then detect new transactions in the
// incoming block.
func (m *Monitor) OnBlock(ctx context.Context, head uint64, n BlockNotification) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastHead = head

	if n.IsReorg {
		m.rollbackReorgLocked(ctx, n.ReorgFrom, head)
	}

	m.promoteQualifyingLocked(ctx, head)
	m.expireAgedLocked()
	m.detectNewLocked(ctx, head, n)
}

func (m *Monitor) promoteQualifying() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promoteQualifyingLocked(context.Background(), m.lastHead)
}

func (m *Monitor) promoteQualifyingLocked(ctx context.Context, head uint64) {
	for hash, tx := range m.pending {
		if tx.BlockNumber == 0 || tx.BlockNumber > head {
			continue
		}
		if m.tryPromoteLocked(ctx, tx, head) {
			delete(m.pending, hash)
		}
	}
}

// tryPromoteLocked promotes a mined pending transaction once its depth
// reaches the threshold. A receipt reporting status 0 fails the
// transaction instead of confirming it. Returns true when the entry left
// the pending table either way.
func (m *Monitor) tryPromoteLocked(ctx context.Context, tx *xchain.MonitoredTransaction, head uint64) bool {
	threshold := uint64(m.ConfirmationThreshold())
	if tx.BlockNumber == 0 || head < tx.BlockNumber {
		return false
	}
	confirmations := head - tx.BlockNumber
	tx.Confirmations = confirmations
	if confirmations < threshold {
		return false
	}

	if m.rpc != nil {
		receipt, err := m.rpc.TransactionReceipt(ctx, tx.TxHash)
		if err == nil && receipt != nil && receipt.Status == types.ReceiptStatusFailed {
			tx.Status = xchain.TxFailed
			tx.FailReason = xchain.FailureReceiptStatusZero
			m.publish(eventbus.Event{Kind: eventbus.TransactionFailed, Transaction: cloneTx(tx), FailReason: xchain.FailureReceiptStatusZero})
			return true
		}
	}

	tx.Status = xchain.TxConfirmed
	m.confirmed[tx.TxHash] = tx
	m.publish(eventbus.Event{Kind: eventbus.TransactionConfirmed, Transaction: cloneTx(tx)})
	return true
}

func (m *Monitor) expireAgedLocked() {
	now := time.Now()
	for hash, tx := range m.pending {
		if tx.BlockNumber != 0 {
			continue // only never-mined entries age out
		}
		if now.Sub(tx.FirstSeenAt) <= m.maxPendingAge {
			continue
		}
		tx.Status = xchain.TxFailed
		tx.FailReason = xchain.FailureExpired
		delete(m.pending, hash)
		m.publish(eventbus.Event{Kind: eventbus.TransactionFailed, Transaction: cloneTx(tx), FailReason: xchain.FailureExpired})
	}
}

// rollbackReorgLocked re-validates pending and confirmed transactions whose
// blockNumber falls within the reorg window (from the later of reorgFrom and
// head minus the reorg depth) by re-fetching them; a transaction that is
// now absent or reports a different blockNumber is reorganized.
func (m *Monitor) rollbackReorgLocked(ctx context.Context, reorgFrom, head uint64) {
	windowStart := uint64(0)
	if head > m.reorgDepth {
		windowStart = head - m.reorgDepth
	}
	if reorgFrom > windowStart {
		windowStart = reorgFrom
	}

	for hash, tx := range m.pending {
		if tx.BlockNumber == 0 || tx.BlockNumber < windowStart {
			continue
		}
		m.reorgCheckLocked(ctx, hash, tx)
	}
	for hash, tx := range m.confirmed {
		if tx.BlockNumber < windowStart {
			continue
		}
		m.reorgCheckLocked(ctx, hash, tx)
	}
}

func (m *Monitor) reorgCheckLocked(ctx context.Context, hash xchain.Hash, tx *xchain.MonitoredTransaction) {
	// A transaction still mined at the same height was not displaced by
	// the reorg and keeps its place.
	if m.rpc != nil {
		if fetched, pending, err := m.rpc.TransactionByHash(ctx, hash); err == nil && fetched != nil && !pending {
			receipt, err := m.rpc.TransactionReceipt(ctx, hash)
			if err == nil && receipt != nil && receipt.BlockNumber != nil && receipt.BlockNumber.Uint64() == tx.BlockNumber {
				return
			}
		}
	}

	delete(m.pending, hash)
	delete(m.confirmed, hash)

	tx.Reorganized = true
	m.publish(eventbus.Event{Kind: eventbus.TransactionReorganized, Transaction: cloneTx(tx)})

	if m.rpc == nil {
		tx.Status = xchain.TxFailed
		tx.FailReason = xchain.FailureReorganizedOut
		m.publish(eventbus.Event{Kind: eventbus.TransactionFailed, Transaction: cloneTx(tx), FailReason: xchain.FailureReorganizedOut})
		return
	}

	fetched, pending, err := m.rpc.TransactionByHash(ctx, hash)
	if err != nil || fetched == nil {
		tx.Status = xchain.TxFailed
		tx.FailReason = xchain.FailureReorganizedOut
		m.publish(eventbus.Event{Kind: eventbus.TransactionFailed, Transaction: cloneTx(tx), FailReason: xchain.FailureReorganizedOut})
		return
	}

	// still exists on-chain (possibly re-mined elsewhere); re-detect it.
	tx.Status = xchain.TxPending
	if pending {
		tx.BlockNumber = 0
	} else {
		// Re-resolve the canonical height: a tx re-mined in a different
		// block must not count confirmations against its old height. If
		// the receipt is unavailable we fall back to re-detecting at
		// height 0 and let a later pass settle it.
		receipt, err := m.rpc.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil && receipt.BlockNumber != nil {
			tx.BlockNumber = receipt.BlockNumber.Uint64()
		} else {
			tx.BlockNumber = 0
		}
	}
	tx.Confirmations = 0
	m.pending[hash] = tx
	m.publish(eventbus.Event{Kind: eventbus.TransactionDetected, Transaction: cloneTx(tx)})
}

func (m *Monitor) detectNewLocked(ctx context.Context, head uint64, n BlockNotification) {
	if !m.isWatchable() {
		return
	}
	for _, wtx := range n.Transactions {
		hash := wtx.Hash()
		if _, ok := m.pending[hash]; ok {
			continue
		}
		if _, ok := m.confirmed[hash]; ok {
			continue // idempotent re-observation, e.g. a backfill replay
		}

		from, _ := types.Sender(types.LatestSignerForChainID(wtx.ChainId()), wtx)
		var to *xchain.Address
		if wtx.To() != nil {
			toAddr := *wtx.To()
			to = &toAddr
		}

		candidate := &xchain.MonitoredTransaction{
			TxHash:      hash,
			BlockNumber: n.Number,
			From:        from,
			To:          to,
			Value:       new(big.Int).Set(wtx.Value()),
			GasPrice:    new(big.Int).Set(wtx.GasPrice()),
			FirstSeenAt: time.Now(),
			Status:      xchain.TxPending,
		}

		if !m.isWatchedAddress(&candidate.From) && !m.isWatchedAddress(candidate.To) {
			continue
		}
		if !m.matchesFilters(candidate) {
			continue
		}

		candidate.Confirmations = head - candidate.BlockNumber
		m.evictIfFullLocked()
		m.pending[hash] = candidate
		m.publish(eventbus.Event{Kind: eventbus.TransactionDetected, Transaction: cloneTx(candidate)})

		// A backfilled block can be detected already deep enough to
		// qualify; promotion-check it now rather than waiting for the
		// next head.
		if m.tryPromoteLocked(ctx, candidate, head) {
			delete(m.pending, hash)
		}
	}
}

// evictIfFullLocked drops the oldest pending entry when the table is at
// capacity, keeping memory bounded under sustained detection load.
func (m *Monitor) evictIfFullLocked() {
	if m.maxPending <= 0 || len(m.pending) < m.maxPending {
		return
	}
	var oldestHash xchain.Hash
	var oldest time.Time
	first := true
	for hash, tx := range m.pending {
		if first || tx.FirstSeenAt.Before(oldest) {
			oldestHash = hash
			oldest = tx.FirstSeenAt
			first = false
		}
	}
	if !first {
		delete(m.pending, oldestHash)
	}
}

func (m *Monitor) publish(ev eventbus.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ev)
}

func cloneTx(tx *xchain.MonitoredTransaction) *xchain.MonitoredTransaction {
	c := *tx
	if tx.Value != nil {
		c.Value = new(big.Int).Set(tx.Value)
	}
	if tx.GasPrice != nil {
		c.GasPrice = new(big.Int).Set(tx.GasPrice)
	}
	return &c
}

// PendingTransactions returns a stable snapshot of the pending table.
func (m *Monitor) PendingTransactions() []xchain.MonitoredTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]xchain.MonitoredTransaction, 0, len(m.pending))
	for _, tx := range m.pending {
		out = append(out, *cloneTx(tx))
	}
	return out
}

// ConfirmedTransactions returns a stable snapshot of the confirmed table.
func (m *Monitor) ConfirmedTransactions() []xchain.MonitoredTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]xchain.MonitoredTransaction, 0, len(m.confirmed))
	for _, tx := range m.confirmed {
		out = append(out, *cloneTx(tx))
	}
	return out
}

// Cleanup ages out confirmed transactions older than the retention window
// (driven by the engine's cleanup timer).
func (m *Monitor) Cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, tx := range m.confirmed {
		if now.Sub(tx.FirstSeenAt) > m.retention {
			delete(m.confirmed, hash)
		}
	}
}
