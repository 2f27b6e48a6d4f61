// Package eventmonitor tracks contract events: the filter registry, per-block log
// fetch, pending/confirmed event tables, reorg handling, decoded-payload
// attachment and user-action synthesis. It mirrors
// txmonitor's confirmation/reorg bookkeeping and routes confirmed logs
// through the catalog package for classification.
package eventmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lattice-labs/xchain"
	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/catalog"
	"github.com/lattice-labs/xchain/ethrpc"
	"github.com/lattice-labs/xchain/ethutil"
	"github.com/lattice-labs/xchain/eventbus"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConfirmationThreshold = 12
	DefaultReorgDepth            = 20
	DefaultRetention             = 24 * time.Hour

	// fetchParallelism bounds concurrent per-filter getLogs calls.
	fetchParallelism = 4
)

type actionBuilder struct {
	action  xchain.UserAction
	pending map[string]struct{} // eventIDs for this txHash not yet confirmed
	typeSet bool
}

// Monitor owns the event/reorg/action tables for a registered set of
// EventFilters.
type Monitor struct {
	mu sync.RWMutex

	filters map[string]xchain.EventFilter

	pending   map[string]*xchain.MonitoredEvent
	confirmed map[string]*xchain.MonitoredEvent

	actionsByTx map[xchain.Hash]*actionBuilder

	confThreshold atomic.Int64
	reorgDepth    uint64
	retention     time.Duration
	lastHead      uint64

	rpc     ethrpc.Interface
	catalog *catalog.Catalog
	bus     *eventbus.Bus
	log     *slog.Logger
}

func New(rpc ethrpc.Interface, cat *catalog.Catalog, bus *eventbus.Bus, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		filters:     make(map[string]xchain.EventFilter),
		pending:     make(map[string]*xchain.MonitoredEvent),
		confirmed:   make(map[string]*xchain.MonitoredEvent),
		actionsByTx: make(map[xchain.Hash]*actionBuilder),
		reorgDepth:  DefaultReorgDepth,
		retention:   DefaultRetention,
		rpc:         rpc,
		catalog:     cat,
		bus:         bus,
		log:         log,
	}
	m.confThreshold.Store(DefaultConfirmationThreshold)
	return m
}

func FilterID(contract xchain.Address, eventSig xchain.Hash) string {
	return fmt.Sprintf("%s:%s", contract.Hex(), eventSig.Hex())
}

func (m *Monitor) AddFilter(f xchain.EventFilter) {
	if f.FilterID == "" {
		f.FilterID = FilterID(f.ContractAddress, f.EventSignature)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[f.FilterID] = f
}

func (m *Monitor) RemoveFilter(filterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.filters, filterID)
}

// NumFilters returns the count of active filters.
func (m *Monitor) NumFilters() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filters)
}

// Filters returns a stable copy of the active filter set.
func (m *Monitor) Filters() []xchain.EventFilter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]xchain.EventFilter, 0, len(m.filters))
	for _, f := range m.filters {
		out = append(out, f)
	}
	return out
}

func (m *Monitor) SetConfirmationThreshold(n int) {
	m.confThreshold.Store(int64(n))
}

func EventID(txHash xchain.Hash, logIndex uint) string {
	return fmt.Sprintf("%s:%d", txHash.Hex(), logIndex)
}

// OnBlock runs the per-block algorithm for a single new head: fetch logs
// for every active filter at the header's block, detect new events,
// promote pending ones against head, and on reorg re-validate the affected
// window. It returns the eventIds demoted by a reorg pass so the engine
// can attach them to its ChainReorganization emission.
func (m *Monitor) OnBlock(ctx context.Context, head uint64, header *types.Header, isReorg bool, reorgFrom uint64) ([]string, error) {
	blockNumber := header.Number.Uint64()

	m.mu.Lock()
	filters := make([]xchain.EventFilter, 0, len(m.filters))
	for _, f := range m.filters {
		filters = append(filters, f)
	}
	m.mu.Unlock()

	var affected []string
	if isReorg {
		affected = m.rollbackReorg(reorgFrom, head)
	}

	// Per-filter getLogs with small bounded parallelism; per-filter errors
	// are logged and skipped, never aborting the loop.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallelism)
	for _, f := range filters {
		f := f
		g.Go(func() error {
			if err := m.fetchAndDetect(gctx, f, header); err != nil {
				m.log.Warn("eventmonitor: getLogs failed", "filter", f.FilterID, "block", blockNumber, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.lastHead = head
	completed := m.promoteQualifyingLocked(head)
	m.mu.Unlock()

	m.emitActions(ctx, completed)

	return affected, nil
}

// emitActions resolves each completed action's userAddress (the tx sender,
// fetched outside the table lock) and publishes it.
func (m *Monitor) emitActions(ctx context.Context, actions []*xchain.UserAction) {
	for _, action := range actions {
		if m.rpc != nil {
			if tx, _, err := m.rpc.TransactionByHash(ctx, action.TxHash); err == nil && tx != nil {
				if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
					action.UserAddress = from
				}
			} else if err != nil {
				m.log.Warn("eventmonitor: fetching action sender", "tx", action.TxHash, "error", err)
			}
		}
		m.bus.Publish(eventbus.Event{Kind: eventbus.UserActionDetected, UserAction: action})
	}
}

func (m *Monitor) fetchAndDetect(ctx context.Context, f xchain.EventFilter, header *types.Header) error {
	blockNumber := header.Number.Uint64()
	blockTimestamp := header.Time

	topics := [][]common.Hash{{f.EventSignature}}
	if len(f.ExtraTopics) > 0 {
		for _, t := range f.ExtraTopics {
			topics = append(topics, []common.Hash{t})
		}
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{f.ContractAddress},
		Topics:    topics,
		FromBlock: bigFromUint64(blockNumber),
		ToBlock:   bigFromUint64(blockNumber),
	}

	logs, err := m.rpc.FilterLogs(ctx, query)
	if err != nil {
		return err
	}

	// A log the header's bloom cannot contain means the node answered for
	// a different block; refetch once before giving up on this filter.
	if !ethutil.CheckLogsAgainstBloom(logs, header) {
		m.log.Warn("eventmonitor: logs failed bloom check, refetching", "filter", f.FilterID, "block", blockNumber)
		logs, err = m.rpc.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		if !ethutil.CheckLogsAgainstBloom(logs, header) {
			return apperrors.Wrap(apperrors.ErrTransient,
				fmt.Sprintf("logs for block %d do not match header bloom", blockNumber))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lg := range logs {
		eventID := EventID(lg.TxHash, lg.Index)
		if _, ok := m.pending[eventID]; ok {
			continue
		}
		if _, ok := m.confirmed[eventID]; ok {
			continue // idempotent re-observation
		}

		ev := &xchain.MonitoredEvent{
			EventID:         eventID,
			ContractAddress: lg.Address,
			BlockNumber:     lg.BlockNumber,
			BlockHash:       lg.BlockHash,
			TxHash:          lg.TxHash,
			TxIndex:         lg.TxIndex,
			LogIndex:        lg.Index,
			Topics:          append([]xchain.Hash{}, lg.Topics...),
			Data:            append([]byte{}, lg.Data...),
			BlockTimestamp:  blockTimestamp,
		}

		m.pending[eventID] = ev
		m.trackPendingForAction(ev)
		m.bus.Publish(eventbus.Event{Kind: eventbus.EventDetected, LogEvent: cloneEvent(ev)})
	}
	return nil
}

func bigFromUint64(n uint64) *big.Int { return new(big.Int).SetUint64(n) }

func (m *Monitor) promoteQualifyingLocked(head uint64) []*xchain.UserAction {
	var completed []*xchain.UserAction
	threshold := uint64(m.confThreshold.Load())
	for eventID, ev := range m.pending {
		if head < ev.BlockNumber {
			continue
		}
		confirmations := head - ev.BlockNumber
		ev.Confirmations = confirmations
		if confirmations < threshold {
			continue
		}

		ev.Confirmed = true
		if m.catalog != nil {
			decoded, err := m.catalog.DecodeLog(types.Log{
				Address:     ev.ContractAddress,
				Topics:      ev.Topics,
				Data:        ev.Data,
				BlockNumber: ev.BlockNumber,
				TxHash:      ev.TxHash,
				TxIndex:     ev.TxIndex,
				BlockHash:   ev.BlockHash,
				Index:       ev.LogIndex,
			})
			if err == nil {
				ev.EventName = decoded.EventName
				ev.DecodedFields = decoded.Fields
				ev.ProtocolName = decoded.Protocol
			}
		}

		delete(m.pending, eventID)
		m.confirmed[eventID] = ev
		m.bus.Publish(eventbus.Event{Kind: eventbus.EventConfirmed, LogEvent: cloneEvent(ev)})
		if action := m.resolvePendingForAction(ev); action != nil {
			completed = append(completed, action)
		}
	}
	return completed
}

func (m *Monitor) trackPendingForAction(ev *xchain.MonitoredEvent) {
	b, ok := m.actionsByTx[ev.TxHash]
	if !ok {
		b = &actionBuilder{pending: make(map[string]struct{})}
		m.actionsByTx[ev.TxHash] = b
	}
	b.pending[ev.EventID] = struct{}{}
}

// resolvePendingForAction folds a just-confirmed event into its tx's action
// builder and, once every event seen so far for that tx has confirmed,
// returns the single coalesced action for the tx; when events map to
// distinct action types the first confirmed one wins.
// Returns nil while events are still outstanding or when no event in
// the tx maps to a known action type.
func (m *Monitor) resolvePendingForAction(ev *xchain.MonitoredEvent) *xchain.UserAction {
	b, ok := m.actionsByTx[ev.TxHash]
	if !ok {
		return nil
	}
	delete(b.pending, ev.EventID)
	b.action.Events = append(b.action.Events, *cloneEvent(ev))

	if !b.typeSet {
		if at := xchain.ActionTypeFromEventName(ev.EventName); at != xchain.ActionUnknown {
			b.action.ActionType = at
			b.action.ProtocolName = ev.ProtocolName
			b.typeSet = true
		}
	}

	if len(b.pending) > 0 {
		return nil
	}

	if !b.typeSet {
		// no recognized event in this tx; nothing to synthesize
		delete(m.actionsByTx, ev.TxHash)
		return nil
	}

	b.action.TxHash = ev.TxHash
	b.action.BlockNumber = ev.BlockNumber
	b.action.BlockTimestamp = ev.BlockTimestamp
	if len(b.action.Events) > 0 {
		b.action.Details = b.action.Events[0].DecodedFields
	}

	action := cloneAction(&b.action)
	delete(m.actionsByTx, ev.TxHash)
	return action
}

// rollbackReorg demotes every tracked event at or above the reorg root
// (bounded by the reorg depth window) and returns the affected eventIds.
// Demoted events are re-detected from the new canonical block's logs by
// the fetch pass that follows.
func (m *Monitor) rollbackReorg(reorgFrom, head uint64) []string {
	windowStart := uint64(0)
	if head > m.reorgDepth {
		windowStart = head - m.reorgDepth
	}
	if reorgFrom > windowStart {
		windowStart = reorgFrom
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var affected []string
	for eventID, ev := range m.confirmed {
		if ev.BlockNumber < windowStart {
			continue
		}
		affected = append(affected, eventID)
		delete(m.confirmed, eventID)
		ev.Confirmed = false
		m.bus.Publish(eventbus.Event{Kind: eventbus.EventReorganized, LogEvent: cloneEvent(ev)})
	}
	for eventID, ev := range m.pending {
		if ev.BlockNumber < windowStart {
			continue
		}
		affected = append(affected, eventID)
		delete(m.pending, eventID)
		m.bus.Publish(eventbus.Event{Kind: eventbus.EventReorganized, LogEvent: cloneEvent(ev)})
	}
	return affected
}

func cloneEvent(ev *xchain.MonitoredEvent) *xchain.MonitoredEvent {
	c := *ev
	c.Topics = append([]xchain.Hash{}, ev.Topics...)
	c.Data = append([]byte{}, ev.Data...)
	return &c
}

func cloneAction(a *xchain.UserAction) *xchain.UserAction {
	c := *a
	c.Events = append([]xchain.MonitoredEvent{}, a.Events...)
	return &c
}

// PendingEvents returns a stable snapshot of the pending table.
func (m *Monitor) PendingEvents() []xchain.MonitoredEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]xchain.MonitoredEvent, 0, len(m.pending))
	for _, ev := range m.pending {
		out = append(out, *cloneEvent(ev))
	}
	return out
}

// ConfirmedEvents returns a stable snapshot of the confirmed table.
func (m *Monitor) ConfirmedEvents() []xchain.MonitoredEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]xchain.MonitoredEvent, 0, len(m.confirmed))
	for _, ev := range m.confirmed {
		out = append(out, *cloneEvent(ev))
	}
	return out
}

// Cleanup ages out confirmed events older than the retention window.
func (m *Monitor) Cleanup(now time.Time, blockTimestampOf func(ts uint64) time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for eventID, ev := range m.confirmed {
		if now.Sub(blockTimestampOf(ev.BlockTimestamp)) > m.retention {
			delete(m.confirmed, eventID)
		}
	}
}
