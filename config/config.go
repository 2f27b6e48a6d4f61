// Package config holds the engine's configuration struct, its defaults,
// and validation: a plain struct populated by the embedding application
// (flags, env, literal) and validated once at engine construction time.
package config

import (
	"fmt"
	"time"

	"github.com/lattice-labs/xchain/apperrors"
)

// Endpoint describes one configured RPC provider.
type Endpoint struct {
	Name         string
	RPCURL       string
	StreamURL    string
	Credential   string
	Priority     int
	RateLimitRPS float64
	TimeoutMs    int
}

// Config is the top-level engine configuration.
type Config struct {
	Endpoints []Endpoint

	ConfirmationThreshold int
	ReorgDepth            int
	BlockWindow           int

	HealthProbeIntervalMs int
	MaxPendingAgeMs       int

	BackfillBatchSize    int
	BackfillBatchDelayMs int

	LogLevel  string
	LogFormat string
}

// Defaults returns a Config populated with the engine defaults, with no
// endpoints configured -- the caller must append at least one.
func Defaults() Config {
	return Config{
		Endpoints:             nil,
		ConfirmationThreshold: 12,
		ReorgDepth:            20,
		BlockWindow:           100,
		HealthProbeIntervalMs: 60_000,
		MaxPendingAgeMs:       3_600_000,
		BackfillBatchSize:     100,
		BackfillBatchDelayMs:  1_000,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// HealthProbeInterval is HealthProbeIntervalMs as a time.Duration.
func (c Config) HealthProbeInterval() time.Duration {
	return time.Duration(c.HealthProbeIntervalMs) * time.Millisecond
}

// MaxPendingAge is MaxPendingAgeMs as a time.Duration.
func (c Config) MaxPendingAge() time.Duration {
	return time.Duration(c.MaxPendingAgeMs) * time.Millisecond
}

// BackfillBatchDelay is BackfillBatchDelayMs as a time.Duration.
func (c Config) BackfillBatchDelay() time.Duration {
	return time.Duration(c.BackfillBatchDelayMs) * time.Millisecond
}

// Validate enforces the configuration constraints. Violations are
// Fatal -- they propagate straight out of the engine initializer.
func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return apperrors.Wrap(apperrors.ErrFatal, "at least one endpoint is required")
	}

	seen := make(map[string]struct{}, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Name == "" {
			return apperrors.Wrap(apperrors.ErrFatal, "endpoint name is required")
		}
		if _, dup := seen[ep.Name]; dup {
			return apperrors.Wrap(apperrors.ErrFatal, fmt.Sprintf("duplicate endpoint name %q", ep.Name))
		}
		seen[ep.Name] = struct{}{}

		if ep.RPCURL == "" || ep.StreamURL == "" {
			return apperrors.Wrap(apperrors.ErrFatal, fmt.Sprintf("endpoint %q requires both rpcUrl and streamUrl", ep.Name))
		}
		if ep.Priority < 0 {
			return apperrors.Wrap(apperrors.ErrFatal, fmt.Sprintf("endpoint %q priority must be >= 0", ep.Name))
		}
	}

	if c.ConfirmationThreshold < 1 || c.ConfirmationThreshold > 100 {
		return apperrors.Wrap(apperrors.ErrFatal, "confirmationThreshold must be in [1,100]")
	}
	if c.ReorgDepth < 1 || c.ReorgDepth > 100 {
		return apperrors.Wrap(apperrors.ErrFatal, "reorgDepth must be in [1,100]")
	}
	if c.BlockWindow < c.ReorgDepth {
		return apperrors.Wrap(apperrors.ErrFatal, "blockWindow must be >= reorgDepth")
	}
	if c.BackfillBatchSize < 1 {
		return apperrors.Wrap(apperrors.ErrFatal, "backfillBatchSize must be >= 1")
	}

	return nil
}
