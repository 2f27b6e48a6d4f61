// Package connmgr supervises the connection: it selects the highest-priority healthy
// endpoint from the provider registry, owns the live newHeads subscription,
// and performs exponential-backoff reconnect and failover. When streaming
// keeps failing it degrades to polling the head block instead of tearing
// the engine down, and promotes back to streaming once the
// StreamingRetryAfter timer elapses.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goware/calc"
	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/ethrpc"
	"github.com/lattice-labs/xchain/providers"

	"github.com/ethereum/go-ethereum/core/types"
)

// State is the connection manager's lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
	Degraded // polling fallback, streaming unavailable
	Reconnecting
	ShutDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	case ShutDown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Options tunes reconnect and polling behavior. Zero values fall back to
// defaults.
type Options struct {
	BaseDelay time.Duration // reconnect backoff base, default 1s
	MaxDelay  time.Duration // reconnect backoff cap, default 30s

	PollInterval time.Duration // head polling cadence while Degraded, default 1500ms

	// StreamingErrNumToSwitchToPolling is the number of consecutive stream
	// failures before the manager degrades to polling.
	StreamingErrNumToSwitchToPolling int

	// StreamingRetryAfter is how long the manager polls before attempting
	// to promote back to streaming.
	StreamingRetryAfter time.Duration

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 1500 * time.Millisecond
	}
	if o.StreamingErrNumToSwitchToPolling <= 0 {
		o.StreamingErrNumToSwitchToPolling = 5
	}
	if o.StreamingRetryAfter <= 0 {
		o.StreamingRetryAfter = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// DialFunc builds a client for one endpoint. Supplied by the engine so the
// manager stays testable with fake clients.
type DialFunc func(ep providers.Endpoint) (ethrpc.Interface, error)

// DefaultDial constructs a real JSON-RPC client for the endpoint.
func DefaultDial(log *slog.Logger) DialFunc {
	return func(ep providers.Endpoint) (ethrpc.Interface, error) {
		return ethrpc.NewClient(ep.RPCURL,
			ethrpc.WithStreaming(ep.StreamURL),
			ethrpc.WithLogger(log),
		)
	}
}

// Manager supervises the connection to one endpoint at a time, failing over
// across the registry's healthy endpoints in priority order.
type Manager struct {
	registry *providers.Registry
	dial     DialFunc
	opts     Options
	log      *slog.Logger

	mu       sync.RWMutex
	clients  map[string]ethrpc.Interface
	current  string
	forced   string
	state    atomic.Int32
	attempts int

	lastHeadBlock atomic.Uint64

	headCh chan *types.Header

	ctx     context.Context
	ctxStop context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// New builds a manager over registry. Run must be called before headers
// flow.
func New(registry *providers.Registry, dial DialFunc, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		registry: registry,
		dial:     dial,
		opts:     opts,
		log:      opts.Logger,
		clients:  make(map[string]ethrpc.Interface),
		headCh:   make(chan *types.Header, 64),
		done:     make(chan struct{}),
	}
}

// Headers is the stream of new heads forwarded from the current endpoint.
// Closed when Run exits.
func (m *Manager) Headers() <-chan *types.Header {
	return m.headCh
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Connected reports whether a live endpoint is serving the stream (or the
// polling fallback).
func (m *Manager) Connected() bool {
	s := m.State()
	return s == Ready || s == Degraded
}

// CurrentEndpoint returns the name of the endpoint currently in use, or ""
// when disconnected.
func (m *Manager) CurrentEndpoint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// LastHeadBlock returns the highest head block number observed on the
// stream.
func (m *Manager) LastHeadBlock() uint64 {
	return m.lastHeadBlock.Load()
}

// ForceProvider pins the manager to a single named endpoint. Fails if the
// endpoint is unknown or unhealthy. The pin takes effect on the next
// (re)connect cycle, which is triggered immediately by closing the current
// stream.
func (m *Manager) ForceProvider(name string) error {
	ep, ok := m.registry.Get(name)
	if !ok {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "unknown endpoint "+name)
	}
	if !ep.Healthy {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "endpoint "+name+" is unhealthy")
	}

	m.mu.Lock()
	m.forced = name
	current := m.clients[m.current]
	m.mu.Unlock()

	if current != nil {
		current.CloseStreamConns()
	}
	return nil
}

// ClearForcedProvider removes a ForceProvider pin.
func (m *Manager) ClearForcedProvider() {
	m.mu.Lock()
	m.forced = ""
	m.mu.Unlock()
}

// Run supervises the connection until ctx is cancelled or Disconnect is
// called. It returns NoHealthyProvider (wrapped Fatal) only when no
// endpoint could ever be dialed on the first connect.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("connmgr: already running")
	}
	m.ctx, m.ctxStop = context.WithCancel(ctx)
	defer func() {
		m.state.Store(int32(ShutDown))
		close(m.headCh)
		close(m.done)
		m.running.Store(false)
	}()

	var streamErrCount int
	var everConnected bool

	for {
		select {
		case <-m.ctx.Done():
			return nil
		default:
		}

		m.state.Store(int32(Connecting))
		client, ep, err := m.connect()
		if err != nil {
			if !everConnected {
				// never connected: fatal at startup
				return apperrors.Wrapf(apperrors.ErrFatal, apperrors.ErrNoHealthyProvider)
			}
			m.backoffSleep()
			continue
		}
		everConnected = true

		m.mu.Lock()
		m.current = ep.Name
		m.mu.Unlock()
		m.registry.SetStreaming(ep.Name)
		m.attempts = 0

		if streamErrCount >= m.opts.StreamingErrNumToSwitchToPolling || !client.IsStreamingEnabled() {
			m.state.Store(int32(Degraded))
			m.log.Info("connmgr: degraded to polling", "endpoint", ep.Name, "streamErrs", streamErrCount)
			err = m.pollHeads(client, ep)
			if err == nil {
				// retry timer elapsed: promote back to streaming
				streamErrCount = 0
				continue
			}
		} else {
			m.state.Store(int32(Ready))
			m.log.Info("connmgr: streaming", "endpoint", ep.Name)
			err = m.streamHeads(client, ep)
		}

		select {
		case <-m.ctx.Done():
			return nil
		default:
		}

		streamErrCount++
		m.log.Warn("connmgr: stream closed, failing over", "endpoint", ep.Name, "error", err)
		m.registry.MarkUnhealthy(ep.Name)
		m.state.Store(int32(Reconnecting))
		m.backoffSleep()
	}
}

// connect scans the registry in priority order (or the forced pin) and
// dials the first healthy endpoint.
func (m *Manager) connect() (ethrpc.Interface, providers.Endpoint, error) {
	m.mu.RLock()
	forced := m.forced
	m.mu.RUnlock()

	var candidates []providers.Endpoint
	if forced != "" {
		ep, ok := m.registry.Get(forced)
		if !ok || !ep.Healthy {
			return nil, providers.Endpoint{}, apperrors.Wrap(apperrors.ErrNoHealthyProvider, "forced endpoint unavailable: "+forced)
		}
		candidates = []providers.Endpoint{ep}
	} else {
		candidates = m.registry.HealthyInPriorityOrder()
	}

	for _, ep := range candidates {
		client, err := m.clientFor(ep)
		if err != nil {
			m.log.Warn("connmgr: dial failed", "endpoint", ep.Name, "error", err)
			m.registry.MarkFailure(ep.Name)
			m.attempts++
			continue
		}
		return client, ep, nil
	}
	m.attempts++
	return nil, providers.Endpoint{}, apperrors.Wrap(apperrors.ErrNoHealthyProvider, "no healthy endpoint could be dialed")
}

func (m *Manager) clientFor(ep providers.Endpoint) (ethrpc.Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.clients[ep.Name]; ok {
		return client, nil
	}
	client, err := m.dial(ep)
	if err != nil {
		return nil, err
	}
	m.clients[ep.Name] = client
	return client, nil
}

// streamHeads subscribes to newHeads on client and forwards headers until
// the subscription errors or the manager shuts down.
func (m *Manager) streamHeads(client ethrpc.Interface, ep providers.Endpoint) error {
	heads := make(chan *types.Header, 16)
	sub, err := client.SubscribeNewHeads(m.ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-m.ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case head := <-heads:
			m.forwardHead(head)
		}
	}
}

// pollHeads is the Degraded fallback: poll the head block number and fetch
// its header on a fixed interval. Returns nil when the streaming retry
// timer elapses (caller promotes back to streaming), or the poll error that
// ended the session.
func (m *Manager) pollHeads(client ethrpc.Interface, ep providers.Endpoint) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	retryStreaming := time.NewTimer(m.opts.StreamingRetryAfter)
	defer retryStreaming.Stop()

	var lastPolled uint64
	var consecutiveErrs int

	for {
		select {
		case <-m.ctx.Done():
			return nil
		case <-retryStreaming.C:
			if client.IsStreamingEnabled() {
				m.log.Info("connmgr: retrying streaming", "endpoint", ep.Name)
				return nil
			}
			retryStreaming.Reset(m.opts.StreamingRetryAfter)
		case <-ticker.C:
			tctx, cancel := context.WithTimeout(m.ctx, ep.Timeout)
			block, err := client.BlockByNumber(tctx, nil)
			cancel()
			if err != nil {
				consecutiveErrs++
				m.log.Warn("connmgr: head poll failed", "endpoint", ep.Name, "error", err)
				if consecutiveErrs >= 3 {
					return err
				}
				continue
			}
			consecutiveErrs = 0
			if block.NumberU64() == lastPolled {
				continue
			}
			lastPolled = block.NumberU64()
			m.forwardHead(block.Header())
		}
	}
}

func (m *Manager) forwardHead(head *types.Header) {
	if head == nil {
		return
	}
	num := head.Number.Uint64()
	if num > m.lastHeadBlock.Load() {
		m.lastHeadBlock.Store(num)
	}
	select {
	case m.headCh <- head:
	case <-m.ctx.Done():
	}
}

// backoffSleep waits min(baseDelay * 2^attempts, maxDelay), or returns
// early on shutdown.
func (m *Manager) backoffSleep() {
	delay := m.opts.BaseDelay
	for i := 0; i < m.attempts && delay < m.opts.MaxDelay; i++ {
		delay *= 2
	}
	delay = calc.Min(delay, m.opts.MaxDelay)

	select {
	case <-m.ctx.Done():
	case <-time.After(delay):
	}
}

// Disconnect closes the stream, cancels any pending reconnect, and waits
// for the supervisor to drain in-flight work. Safe to call more than once.
func (m *Manager) Disconnect() {
	if m.ctxStop != nil {
		m.ctxStop()
	}

	m.mu.Lock()
	clients := make([]ethrpc.Interface, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.CloseStreamConns()
	}

	if m.running.Load() {
		<-m.done
	}
}
