// Package apperrors defines the sentinel error vocabulary shared by every
// component of the observation engine, matching the error taxonomy the
// engine is specified against: callers branch on these with errors.Is,
// while component code attaches call-specific context with superr.Wrap.
package apperrors

import (
	"errors"

	"github.com/goware/superr"
)

var (
	// ErrInvalidInput is returned at an API boundary for a malformed hash,
	// address, or block range. The caller's fault, rejected before any work
	// is attempted.
	ErrInvalidInput = errors.New("apperrors: invalid input")

	// ErrNotFound means the upstream provider doesn't know about the
	// requested transaction, receipt, or block. Not an engine fault.
	ErrNotFound = errors.New("apperrors: not found")

	// ErrTransient covers timeouts, connection resets, and rate-limited
	// responses. Callers may retry; it trips the endpoint's failure
	// counter in the provider registry.
	ErrTransient = errors.New("apperrors: transient provider error")

	// ErrCancelled terminates an in-flight operation on shutdown or
	// deadline expiry. Non-fatal.
	ErrCancelled = errors.New("apperrors: cancelled")

	// ErrProtocolCatalogMiss indicates an event signature or method
	// selector isn't in the compiled-in protocol catalog. The event is
	// still emitted, just without decoded fields.
	ErrProtocolCatalogMiss = errors.New("apperrors: unknown protocol signature")

	// ErrFatal covers misconfiguration or exhaustion of every configured
	// endpoint at startup; it propagates out of the engine initializer.
	ErrFatal = errors.New("apperrors: fatal engine error")

	// ErrNoHealthyProvider is wrapped in ErrFatal when the connection
	// manager can't dial any endpoint in the registry.
	ErrNoHealthyProvider = errors.New("apperrors: no healthy provider")

	// ErrBackfillAborted is returned, wrapping the failed window's cause,
	// when a backfill window fails after its retry budget is exhausted.
	ErrBackfillAborted = errors.New("apperrors: backfill aborted")

	// ErrSubscriberDropped names the bus queue-overflow condition. The bus
	// does not return it: a detached subscriber sees its Done channel
	// close, and the remaining subscribers receive a SubscriberDropped event.
	ErrSubscriberDropped = errors.New("apperrors: subscriber dropped, queue overflow")
)

// Wrap attaches a free-form context string to a sentinel so
// errors.Is(err, sentinel) still resolves after wrapping.
func Wrap(sentinel error, context string) error {
	return superr.New(sentinel, errors.New(context))
}

// Wrapf wraps sentinel with an existing cause error.
func Wrapf(sentinel, cause error) error {
	return superr.New(sentinel, cause)
}
