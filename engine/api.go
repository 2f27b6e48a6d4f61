package engine

import (
	"fmt"
	"time"

	"github.com/lattice-labs/xchain"
	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/backfill"
	"github.com/lattice-labs/xchain/eventmonitor"
)

// MonitoringStats is the synchronous status snapshot.
type MonitoringStats struct {
	Connected          bool
	CurrentEndpoint    string
	HeadBlock          uint64
	PendingTx          int
	ConfirmedTx        int
	Filters            int
	EventsPerSecond    float64
	AvgConfirmationSec float64
}

// MonitoringStats reports the engine's live status.
func (e *Engine) MonitoringStats() MonitoringStats {
	return MonitoringStats{
		Connected:          e.mgr.Connected(),
		CurrentEndpoint:    e.mgr.CurrentEndpoint(),
		HeadBlock:          e.tracker.HeadNumber(),
		PendingTx:          len(e.txm.PendingTransactions()),
		ConfirmedTx:        len(e.txm.ConfirmedTransactions()),
		Filters:            e.evm.NumFilters(),
		EventsPerSecond:    e.stats.eventsPerSecond(time.Now()),
		AvgConfirmationSec: e.stats.avgConfirmationSec(),
	}
}

// PendingTransactions snapshots the transaction monitor's pending table.
func (e *Engine) PendingTransactions() []xchain.MonitoredTransaction {
	return e.txm.PendingTransactions()
}

// ConfirmedTransactions snapshots the transaction monitor's confirmed
// table.
func (e *Engine) ConfirmedTransactions() []xchain.MonitoredTransaction {
	return e.txm.ConfirmedTransactions()
}

// PendingEvents snapshots the event monitor's pending table.
func (e *Engine) PendingEvents() []xchain.MonitoredEvent {
	return e.evm.PendingEvents()
}

// ConfirmedEvents snapshots the event monitor's confirmed table.
func (e *Engine) ConfirmedEvents() []xchain.MonitoredEvent {
	return e.evm.ConfirmedEvents()
}

// ChainReorganizations returns the retained reorg history, including the
// eventIds each reorg displaced.
func (e *Engine) ChainReorganizations() []xchain.Reorganization {
	e.reorgMu.RLock()
	defer e.reorgMu.RUnlock()
	out := make([]xchain.Reorganization, len(e.reorgs))
	copy(out, e.reorgs)
	return out
}

// UserActions returns the retained user-action history, oldest first.
func (e *Engine) UserActions() []xchain.UserAction {
	e.actionsMu.RLock()
	defer e.actionsMu.RUnlock()
	out := make([]xchain.UserAction, len(e.userActions))
	copy(out, e.userActions)
	return out
}

// UserEvents returns every retained event attributed to address, drawn
// from the coalesced user-action history.
func (e *Engine) UserEvents(address xchain.Address) []xchain.MonitoredEvent {
	e.actionsMu.RLock()
	defer e.actionsMu.RUnlock()

	var out []xchain.MonitoredEvent
	for _, action := range e.userActions {
		if action.UserAddress != address {
			continue
		}
		out = append(out, action.Events...)
	}
	return out
}

// StartTransactionMonitoring enables the transaction pipeline.
func (e *Engine) StartTransactionMonitoring() {
	e.txMonitoringOn.Store(true)
}

// StopTransactionMonitoring disables the transaction pipeline; tables are
// retained.
func (e *Engine) StopTransactionMonitoring() {
	e.txMonitoringOn.Store(false)
}

// AddAddressToMonitor adds addr to the transaction watch list.
func (e *Engine) AddAddressToMonitor(addr xchain.Address) {
	e.txm.AddAddress(addr)
}

// RemoveAddressFromMonitor removes addr from the watch list.
func (e *Engine) RemoveAddressFromMonitor(addr xchain.Address) {
	e.txm.RemoveAddress(addr)
}

// AddTransactionFilter registers a transaction filter predicate.
func (e *Engine) AddTransactionFilter(f xchain.Filter) {
	e.txm.AddFilter(f)
}

// StartEventMonitoring enables the event pipeline.
func (e *Engine) StartEventMonitoring() {
	e.evMonitoringOn.Store(true)
}

// StopEventMonitoring disables the event pipeline; tables are retained.
func (e *Engine) StopEventMonitoring() {
	e.evMonitoringOn.Store(false)
}

// AddEventFilter registers an event filter and returns its derived
// filterId.
func (e *Engine) AddEventFilter(f xchain.EventFilter) string {
	if f.FilterID == "" {
		f.FilterID = eventmonitor.FilterID(f.ContractAddress, f.EventSignature)
	}
	e.evm.AddFilter(f)
	return f.FilterID
}

// RemoveEventFilter removes the filter with the given id.
func (e *Engine) RemoveEventFilter(filterID string) {
	e.evm.RemoveFilter(filterID)
}

// SetConfirmationThreshold adjusts the confirmation depth at runtime for
// both monitors.
// Reducing it immediately promotes any pending transaction that now
// qualifies.
func (e *Engine) SetConfirmationThreshold(n int) error {
	if n < 1 || n > 100 {
		return apperrors.Wrap(apperrors.ErrInvalidInput,
			fmt.Sprintf("confirmationThreshold %d out of range [1,100]", n))
	}
	e.txm.SetConfirmationThreshold(n)
	e.evm.SetConfirmationThreshold(n)
	return nil
}

// BackfillTransactions starts a historical scan over [fromBlock, toBlock]
// on its own worker. A toBlock of 0 means the current head. Completion is
// published on the event bus as BackfillCompleted; the scan's result (nil,
// or the abort error) is delivered on the returned error channel.
func (e *Engine) BackfillTransactions(fromBlock, toBlock uint64) (<-chan error, error) {
	if !e.running.Load() {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "engine is not running")
	}
	if toBlock != 0 && fromBlock > toBlock {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput,
			fmt.Sprintf("fromBlock %d > toBlock %d", fromBlock, toBlock))
	}

	errCh := make(chan error, 1)
	go func() {
		err := e.scanner.Run(e.ctx, backfill.Request{FromBlock: fromBlock, ToBlock: toBlock})
		if err != nil {
			e.log.Warn("engine: backfill failed", "from", fromBlock, "to", toBlock, "error", err)
		}
		errCh <- err
		close(errCh)
	}()
	return errCh, nil
}

// ForceProvider pins the connection manager to one endpoint.
func (e *Engine) ForceProvider(name string) error {
	return e.mgr.ForceProvider(name)
}

// ClearForcedProvider releases a ForceProvider pin.
func (e *Engine) ClearForcedProvider() {
	e.mgr.ClearForcedProvider()
}

// Endpoints snapshots the provider registry.
func (e *Engine) Endpoints() []ProviderStatus {
	eps := e.registry.Snapshot()
	out := make([]ProviderStatus, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ProviderStatus{
			Name:                ep.Name,
			Priority:            ep.Priority,
			Healthy:             ep.Healthy,
			ConsecutiveFailures: ep.ConsecutiveFailures,
			LastLatency:         ep.LastLatency,
			LastHeadBlock:       ep.LastHeadBlock,
		})
	}
	return out
}

// ProviderStatus is the read-only registry view exposed by Endpoints.
type ProviderStatus struct {
	Name                string
	Priority            int
	Healthy             bool
	ConsecutiveFailures int
	LastLatency         time.Duration
	LastHeadBlock       uint64
}
