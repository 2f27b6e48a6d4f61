// Package engine wires the observation engine together: the provider
// registry and health probe, the connection manager, the block tracker,
// the transaction and event monitors, the backfill scanner and the public
// event bus. It owns the supervisor goroutines and exposes the query and
// command surface the embedding application talks to.
package engine

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lattice-labs/xchain"
	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/backfill"
	"github.com/lattice-labs/xchain/blocktracker"
	"github.com/lattice-labs/xchain/catalog"
	"github.com/lattice-labs/xchain/config"
	"github.com/lattice-labs/xchain/connmgr"
	"github.com/lattice-labs/xchain/ethrpc"
	"github.com/lattice-labs/xchain/eventbus"
	"github.com/lattice-labs/xchain/eventmonitor"
	"github.com/lattice-labs/xchain/providers"
	"github.com/lattice-labs/xchain/txmonitor"
)

const (
	cleanupInterval = 5 * time.Minute
	userActionCap   = 10_000
	reorgHistoryCap = 1024
	statsRateWindow = time.Minute
)

// Engine is the top-level orchestrator. Construct with New, drive with
// Run, and stop with Disconnect (or by cancelling Run's context).
type Engine struct {
	cfg config.Config
	log *slog.Logger

	registry *providers.Registry
	probe    *providers.HealthProbe
	mgr      *connmgr.Manager
	conn     *connmgr.Conn
	tracker  *blocktracker.Tracker
	txm      *txmonitor.Monitor
	evm      *eventmonitor.Monitor
	cat      *catalog.Catalog
	bus      *eventbus.Bus
	scanner  *backfill.Scanner

	txMonitoringOn atomic.Bool
	evMonitoringOn atomic.Bool

	// probe clients are dialed per endpoint, independent of the manager's
	// current connection, so every endpoint gets probed.
	probeClientsMu sync.Mutex
	probeClients   map[string]ethrpc.Interface

	stats stats

	actionsMu   sync.RWMutex
	userActions []xchain.UserAction

	reorgMu sync.RWMutex
	reorgs  []xchain.Reorganization

	ctx     context.Context
	ctxStop context.CancelFunc
	running atomic.Bool
	done    chan struct{}
}

// Option customizes engine construction, mostly for tests.
type Option func(*Engine)

// WithDial overrides how the connection manager builds per-endpoint
// clients.
func WithDial(dial connmgr.DialFunc) Option {
	return func(e *Engine) {
		e.mgr = connmgr.New(e.registry, dial, connmgrOptions(e.cfg, e.log))
		e.conn = e.mgr.Conn()
	}
}

// WithLogger replaces the logger built from config.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

func connmgrOptions(cfg config.Config, log *slog.Logger) connmgr.Options {
	return connmgr.Options{Logger: log}
}

// New validates cfg and builds a stopped engine. Misconfiguration is Fatal.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := newLogger(cfg)

	registry, err := providers.NewRegistryFromConfig(cfg.Endpoints)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrFatal, err)
	}

	cat, err := catalog.New()
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrFatal, err)
	}

	e := &Engine{
		cfg:          cfg,
		log:          log,
		registry:     registry,
		cat:          cat,
		bus:          eventbus.New(0),
		probeClients: make(map[string]ethrpc.Interface),
		done:         make(chan struct{}),
	}

	e.mgr = connmgr.New(registry, connmgr.DefaultDial(log), connmgrOptions(cfg, log))
	e.conn = e.mgr.Conn()

	for _, opt := range opts {
		opt(e)
	}

	e.tracker = blocktracker.New(blocktracker.Options{
		WindowSize: cfg.BlockWindow,
		Logger:     e.log,
	})

	e.txm = txmonitor.New(e.conn, e.bus, e.log)
	e.txm.SetConfirmationThreshold(cfg.ConfirmationThreshold)
	e.txm.SetReorgDepth(uint64(cfg.ReorgDepth))
	e.txm.SetMaxPendingAge(cfg.MaxPendingAge())

	e.evm = eventmonitor.New(e.conn, cat, e.bus, e.log)
	e.evm.SetConfirmationThreshold(cfg.ConfirmationThreshold)

	e.scanner = backfill.New(e.conn, e.txm, e.evm, e.bus, backfill.Options{
		BatchSize:  cfg.BackfillBatchSize,
		BatchDelay: cfg.BackfillBatchDelay(),
		Logger:     e.log,
	})

	e.probe = providers.NewHealthProbe(registry, e.probeBlockNumber, cfg.HealthProbeInterval(), e.log)

	return e, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// probeBlockNumber is the health probe's block_number call against one
// named endpoint, on a client dedicated to probing.
func (e *Engine) probeBlockNumber(ctx context.Context, ep providers.Endpoint) (uint64, error) {
	e.probeClientsMu.Lock()
	client, ok := e.probeClients[ep.Name]
	if !ok {
		var err error
		client, err = ethrpc.NewClient(ep.RPCURL, ethrpc.WithLogger(e.log))
		if err != nil {
			e.probeClientsMu.Unlock()
			return 0, err
		}
		e.probeClients[ep.Name] = client
	}
	e.probeClientsMu.Unlock()

	if limiter := e.registry.Limiter(ep.Name); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return 0, apperrors.Wrapf(apperrors.ErrCancelled, err)
		}
	}
	return client.BlockNumber(ctx)
}

// Run starts every worker and blocks until ctx is cancelled or Disconnect
// is called. Transaction and event monitoring both start enabled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "engine already running")
	}
	e.ctx, e.ctxStop = context.WithCancel(ctx)
	defer func() {
		e.bus.Close()
		close(e.done)
		e.running.Store(false)
	}()

	e.txMonitoringOn.Store(true)
	e.evMonitoringOn.Store(true)

	if err := e.installDefaultFilters(); err != nil {
		return err
	}

	e.probe.Start(e.ctx)
	defer e.probe.Stop()

	g, gctx := errgroup.WithContext(e.ctx)

	g.Go(func() error {
		return e.mgr.Run(gctx)
	})

	g.Go(func() error {
		e.tracker.Run(gctx, e.mgr.Headers())
		return nil
	})

	g.Go(func() error {
		e.headLoop(gctx)
		return nil
	})

	g.Go(func() error {
		e.statsLoop(gctx)
		return nil
	})

	g.Go(func() error {
		e.cleanupLoop(gctx)
		return nil
	})

	g.Go(func() error {
		e.identifyNetwork(gctx)
		return nil
	})

	return g.Wait()
}

// identifyNetwork queries the chain and network ids once a connection is
// up, cross-checks them, and logs the known finality depth for the chain.
func (e *Engine) identifyNetwork(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !e.mgr.Connected() {
			continue
		}

		chainID, err := e.conn.ChainID(ctx)
		if err != nil {
			e.log.Warn("engine: chain id query failed", "error", err)
			continue
		}
		if netID, err := e.conn.NetworkID(ctx); err == nil && netID.Cmp(chainID) != 0 {
			e.log.Warn("engine: network id differs from chain id", "chainId", chainID, "networkId", netID)
		}

		if network, ok := ethrpc.Networks[chainID.Uint64()]; ok {
			e.log.Info("engine: network identified",
				"name", network.Name, "chainId", chainID, "finalityDepth", network.NumBlocksToFinality)
		} else {
			e.log.Info("engine: network identified", "chainId", chainID, "finalityDepth", ethrpc.DefaultNumBlocksToFinality)
		}
		return
	}
}

func (e *Engine) installDefaultFilters() error {
	filters, err := e.cat.DefaultFilters()
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrFatal, err)
	}
	for _, f := range filters {
		e.evm.AddFilter(f)
	}
	return nil
}

// headLoop consumes ordered notifications from the block tracker and
// drives both monitors. Per-block failures are logged and skipped; the
// loop always advances.
func (e *Engine) headLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-e.tracker.Notifications():
			if !ok {
				return
			}
			e.processHead(ctx, n)
		}
	}
}

func (e *Engine) processHead(ctx context.Context, n blocktracker.Notification) {
	head := e.tracker.HeadNumber()

	var affectedEventIDs []string

	if e.txMonitoringOn.Load() || e.evMonitoringOn.Load() {
		block, err := e.conn.BlockByNumber(ctx, new(big.Int).SetUint64(n.Number))
		if err != nil {
			e.log.Warn("engine: block fetch failed, advancing", "block", n.Number, "error", err)
		} else {
			if e.txMonitoringOn.Load() {
				e.txm.OnBlock(ctx, head, txmonitor.BlockNotification{
					Number:       n.Number,
					Hash:         n.Hash,
					Timestamp:    n.Timestamp,
					Transactions: block.Transactions(),
					IsReorg:      n.IsReorg,
					ReorgFrom:    n.ReorgFrom,
				})
			}

			if e.evMonitoringOn.Load() {
				affected, err := e.evm.OnBlock(ctx, head, block.Header(), n.IsReorg, n.ReorgFrom)
				if err != nil {
					e.log.Warn("engine: event scan failed, advancing", "block", n.Number, "error", err)
				}
				affectedEventIDs = affected
			}
		}
	}

	if n.IsReorg {
		reorg := xchain.Reorganization{
			BlockNumber:      n.Number,
			OldHash:          n.OldHash,
			NewHash:          n.Hash,
			AffectedEventIDs: affectedEventIDs,
			DetectedAt:       time.Now(),
		}
		e.recordReorg(reorg)
		e.bus.Publish(eventbus.Event{Kind: eventbus.ChainReorganization, Reorg: &reorg})
	}
}

func (e *Engine) recordReorg(r xchain.Reorganization) {
	e.reorgMu.Lock()
	defer e.reorgMu.Unlock()
	e.reorgs = append(e.reorgs, r)
	if len(e.reorgs) > reorgHistoryCap {
		e.reorgs = e.reorgs[len(e.reorgs)-reorgHistoryCap:]
	}
}

// statsLoop subscribes to the engine's own bus to maintain throughput and
// confirmation-latency aggregates, and to retain the bounded user-action
// history.
func (e *Engine) statsLoop(ctx context.Context) {
	sub := e.bus.Subscribe("engine-stats")
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			e.recordEvent(ev)
		}
	}
}

func (e *Engine) recordEvent(ev eventbus.Event) {
	e.stats.recordEmission(time.Now())

	switch ev.Kind {
	case eventbus.TransactionConfirmed:
		if ev.Transaction != nil {
			e.stats.recordConfirmation(time.Since(ev.Transaction.FirstSeenAt))
		}
	case eventbus.UserActionDetected:
		if ev.UserAction != nil {
			e.actionsMu.Lock()
			e.userActions = append(e.userActions, *ev.UserAction)
			if len(e.userActions) > userActionCap {
				e.userActions = e.userActions[len(e.userActions)-userActionCap:]
			}
			e.actionsMu.Unlock()
		}
	}
}

// cleanupLoop ages out confirmed records past the retention window.
func (e *Engine) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			e.txm.Cleanup(now)
			e.evm.Cleanup(now, func(ts uint64) time.Time {
				return time.Unix(int64(ts), 0)
			})
		}
	}
}

// Subscribe attaches a consumer to the public event bus.
func (e *Engine) Subscribe(label string) eventbus.Subscription {
	return e.bus.Subscribe(label)
}

// Disconnect closes streams, cancels pending reconnects, drains in-flight
// calls, and stops every worker. After it returns no further events are
// emitted to any subscriber.
func (e *Engine) Disconnect() {
	if e.ctxStop != nil {
		e.ctxStop()
	}
	e.mgr.Disconnect()
	if e.running.Load() {
		<-e.done
	}
}
