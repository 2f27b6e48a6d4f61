package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/goware/breaker"
)

// BlockNumberFunc performs the block_number probe call against a named
// endpoint and returns the observed head block. Callers supply this so the
// registry package stays independent of the concrete RPC transport.
type BlockNumberFunc func(ctx context.Context, endpoint Endpoint) (uint64, error)

// HealthProbe periodically times a block_number call against every
// registered endpoint and updates the Registry accordingly.
type HealthProbe struct {
	registry *Registry
	call     BlockNumberFunc
	interval time.Duration
	log      *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewHealthProbe builds a probe bound to registry, invoking call on the
// configured interval.
func NewHealthProbe(registry *Registry, call BlockNumberFunc, interval time.Duration, log *slog.Logger) *HealthProbe {
	if log == nil {
		log = slog.Default()
	}
	return &HealthProbe{
		registry: registry,
		call:     call,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the probe loop until ctx is cancelled or Stop is called.
func (h *HealthProbe) Start(ctx context.Context) {
	go h.run(ctx)
}

// Stop requests the probe loop to exit and blocks until it has.
func (h *HealthProbe) Stop() {
	close(h.stop)
	<-h.done
}

func (h *HealthProbe) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.probeAll(ctx)
		}
	}
}

func (h *HealthProbe) probeAll(ctx context.Context) {
	for _, ep := range h.registry.Snapshot() {
		h.probeOne(ctx, ep)
	}
}

func (h *HealthProbe) probeOne(ctx context.Context, ep Endpoint) {
	deadline := ep.Timeout
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	started := time.Now()

	var head uint64
	err := breaker.Do(probeCtx, func() error {
		h2, err := h.call(probeCtx, ep)
		if err != nil {
			return err
		}
		head = h2
		return nil
	}, nil, 200*time.Millisecond, 2, 1)

	if err != nil {
		h.log.Warn("providers: health probe failed", "endpoint", ep.Name, "error", err)
		h.registry.MarkFailure(ep.Name)
		return
	}

	h.registry.MarkSuccess(ep.Name, time.Since(started), head)
}
