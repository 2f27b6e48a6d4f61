// Package providers implements the provider registry and health probe:
// the ordered, health-tracked list of redundant RPC endpoints the
// connection manager fails over across. Endpoints are ranked by priority
// and live health; the probe re-checks every endpoint on a fixed
// interval.
package providers

import (
	"sort"
	"sync"
	"time"

	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/config"
	"golang.org/x/time/rate"
)

// Endpoint is the registry's read-only view of one configured RPC
// provider: its static configuration plus the Registry's live health
// bookkeeping.
type Endpoint struct {
	Name         string
	RPCURL       string
	StreamURL    string
	Credential   string
	Priority     int
	RateLimitRPS float64
	Timeout      time.Duration

	Healthy             bool
	ConsecutiveFailures int
	LastProbeAt         time.Time
	LastLatency         time.Duration
	LastHeadBlock       uint64
}

// DefaultUnhealthyThreshold is the consecutive-failure count
// at which an endpoint flips unhealthy.
const DefaultUnhealthyThreshold = 3

// FlapGuardWindow is the window within which a single transient failure of
// the currently-streaming endpoint is not counted, to avoid flapping an
// endpoint that is actively serving traffic.
const FlapGuardWindow = 30 * time.Second

type entry struct {
	Endpoint
	limiter *rate.Limiter
}

// Registry holds the ordered list of endpoints with priority, rate limit,
// timeout, health state and failure counters. It is the sole owner of
// the endpoint table -- other components read it only via Snapshot.
type Registry struct {
	mu                 sync.RWMutex
	byName             map[string]*entry
	order              []string
	unhealthyThreshold int
	streamingName      string
	streamingSince     time.Time
}

// NewRegistry builds an empty registry. Endpoints are added with Register.
func NewRegistry() *Registry {
	return &Registry{
		byName:             make(map[string]*entry),
		unhealthyThreshold: DefaultUnhealthyThreshold,
	}
}

// NewRegistryFromConfig builds a registry pre-populated from configured
// endpoints, validating each at registration time.
func NewRegistryFromConfig(endpoints []config.Endpoint) (*Registry, error) {
	r := NewRegistry()
	for _, ep := range endpoints {
		if err := r.Register(Endpoint{
			Name:         ep.Name,
			RPCURL:       ep.RPCURL,
			StreamURL:    ep.StreamURL,
			Credential:   ep.Credential,
			Priority:     ep.Priority,
			RateLimitRPS: ep.RateLimitRPS,
			Timeout:      time.Duration(ep.TimeoutMs) * time.Millisecond,
			Healthy:      true,
		}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and inserts an endpoint. Endpoints are kept sorted by
// priority ascending (lower = preferred) at all times.
func (r *Registry) Register(ep Endpoint) error {
	if ep.Name == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "endpoint name is required")
	}
	if ep.RPCURL == "" || ep.StreamURL == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "endpoint requires both rpcUrl and streamUrl")
	}
	if ep.Priority < 0 {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "endpoint priority must be >= 0")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[ep.Name]; exists {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "duplicate endpoint name "+ep.Name)
	}

	limit := rate.Inf
	burst := 1
	if ep.RateLimitRPS > 0 {
		limit = rate.Limit(ep.RateLimitRPS)
		burst = int(ep.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
	}

	r.byName[ep.Name] = &entry{
		Endpoint: ep,
		limiter:  rate.NewLimiter(limit, burst),
	}
	r.order = append(r.order, ep.Name)
	r.sortLocked()

	return nil
}

func (r *Registry) sortLocked() {
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.byName[r.order[i]].Priority < r.byName[r.order[j]].Priority
	})
}

// Snapshot returns a stable, priority-ordered copy of the endpoint table.
func (r *Registry) Snapshot() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Endpoint)
	}
	return out
}

// Get returns a single endpoint's current state.
func (r *Registry) Get(name string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Endpoint{}, false
	}
	return e.Endpoint, true
}

// Limiter returns the per-endpoint token bucket used to enforce the
// shared-resource rate-limit policy: every RPC call claims one token
// before dispatch.
func (r *Registry) Limiter(name string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil
	}
	return e.limiter
}

// SetStreaming marks name as the endpoint currently carrying the live
// stream, so the flap guard in MarkFailure can recognize it.
func (r *Registry) SetStreaming(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamingName = name
	r.streamingSince = time.Now()
}

// MarkFailure increments an endpoint's consecutive-failure counter and
// flips it unhealthy once the count reaches the configured threshold. A
// lone transient failure of the currently-streaming endpoint within
// FlapGuardWindow of it becoming the streaming endpoint is ignored, per
// the anti-flap rule.
func (r *Registry) MarkFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byName[name]
	if !ok {
		return
	}

	if name == r.streamingName && time.Since(r.streamingSince) < FlapGuardWindow && e.ConsecutiveFailures == 0 {
		// the guard absorbs one failure per streaming period
		r.streamingSince = time.Time{}
		return
	}

	e.ConsecutiveFailures++
	e.LastProbeAt = time.Now()
	if e.ConsecutiveFailures >= r.unhealthyThreshold {
		e.Healthy = false
	}
}

// MarkUnhealthy flips an endpoint unhealthy immediately, bypassing the
// failure-count threshold and the flap guard. The connection manager uses
// this when the endpoint's stream closes on it -- there is no ambiguity to
// damp there, the endpoint just failed to serve.
func (r *Registry) MarkUnhealthy(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.ConsecutiveFailures++
	e.LastProbeAt = time.Now()
	e.Healthy = false
}

// MarkSuccess resets an endpoint's failure counter, restores health, and
// records the observed latency and head block from the probe or call that
// succeeded.
func (r *Registry) MarkSuccess(name string, latency time.Duration, headBlock uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byName[name]
	if !ok {
		return
	}

	e.ConsecutiveFailures = 0
	e.Healthy = true
	e.LastProbeAt = time.Now()
	e.LastLatency = latency
	if headBlock > 0 {
		e.LastHeadBlock = headBlock
	}
}

// HealthyInPriorityOrder returns the subset of registered endpoints that
// are currently healthy, still sorted by ascending priority.
func (r *Registry) HealthyInPriorityOrder() []Endpoint {
	all := r.Snapshot()
	out := make([]Endpoint, 0, len(all))
	for _, e := range all {
		if e.Healthy {
			out = append(out, e)
		}
	}
	return out
}
