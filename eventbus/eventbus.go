// Package eventbus implements the public, typed, multi-subscriber
// broadcast the engine publishes on. Each subscriber gets an independent
// bounded queue; a subscriber that stops draining is detached rather than
// allowed to stall the publisher.
package eventbus

import (
	"sync"

	"github.com/lattice-labs/xchain"
)

// Kind identifies the shape of an Event's payload.
type Kind int

const (
	TransactionDetected Kind = iota
	TransactionConfirmed
	TransactionFailed
	TransactionReorganized
	EventDetected
	EventConfirmed
	EventReorganized
	ChainReorganization
	UserActionDetected
	BackfillCompleted
	SubscriberDropped
)

func (k Kind) String() string {
	switch k {
	case TransactionDetected:
		return "TransactionDetected"
	case TransactionConfirmed:
		return "TransactionConfirmed"
	case TransactionFailed:
		return "TransactionFailed"
	case TransactionReorganized:
		return "TransactionReorganized"
	case EventDetected:
		return "EventDetected"
	case EventConfirmed:
		return "EventConfirmed"
	case EventReorganized:
		return "EventReorganized"
	case ChainReorganization:
		return "ChainReorganization"
	case UserActionDetected:
		return "UserActionDetected"
	case BackfillCompleted:
		return "BackfillCompleted"
	case SubscriberDropped:
		return "SubscriberDropped"
	default:
		return "Unknown"
	}
}

// BackfillRange is the payload of a BackfillCompleted event.
type BackfillRange struct {
	FromBlock uint64
	ToBlock   uint64
}

// Event is the single envelope type carried on the bus. Only the field(s)
// relevant to Kind are populated; callers switch on Kind before reading
// them.
type Event struct {
	Kind Kind

	Transaction  *xchain.MonitoredTransaction
	FailReason   xchain.FailureReason
	LogEvent     *xchain.MonitoredEvent
	Reorg        *xchain.Reorganization
	UserAction   *xchain.UserAction
	Backfill     *BackfillRange
	DroppedLabel string
}

const DefaultSubscriberQueueSize = 1024

// Subscription is a revocable handle to a live subscriber queue.
type Subscription interface {
	Events() <-chan Event
	Done() <-chan struct{}
	Unsubscribe()
}

type subscriber struct {
	label string
	ch    chan Event
	done  chan struct{}
	once  sync.Once
}

func (s *subscriber) Events() <-chan Event  { return s.ch }
func (s *subscriber) Done() <-chan struct{} { return s.done }

func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
	})
}

// detach closes the subscriber's Done channel and marks it as gone; the
// Events channel is left open. Safe to call concurrently with Unsubscribe.
func (s *subscriber) detach() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Bus is a typed publisher with independent, bounded subscriber queues.
// Delivery is at-most-once per subscriber and strictly FIFO per subscriber.
// A subscriber whose queue overflows is detached immediately and a
// SubscriberDropped event is broadcast to the remaining subscribers.
//
// A plain buffered channel plus a non-blocking select is used here rather
// than goware/channel (used by the block tracker): the drop-and-notify
// contract requires detecting an overflow at the moment it happens so the
// bus can detach the subscriber and surface SubscriberDropped
// deterministically, and the channel package's unbounded-chan wrapper does
// not expose that signal.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	queueSize   int
	closed      bool
}

// New builds a Bus whose subscriber queues hold queueSize events before
// the subscriber is dropped. A queueSize ≤ 0 uses DefaultSubscriberQueueSize.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultSubscriberQueueSize
	}
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		queueSize:   queueSize,
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Bus) Subscribe(label string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		label: label,
		ch:    make(chan Event, b.queueSize),
		done:  make(chan struct{}),
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every live subscriber, non-blocking. A subscriber
// whose queue is full is detached and a SubscriberDropped event (naming the
// detached subscriber's label) is delivered to the remaining subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	var dropped []*subscriber
	for sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(b.subscribers, sub)
	}
	remaining := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		remaining = append(remaining, sub)
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.detach()
		dropEvent := Event{Kind: SubscriberDropped, DroppedLabel: sub.label}
		for _, rsub := range remaining {
			select {
			case rsub.ch <- dropEvent:
			default:
				// best-effort: a subscriber already at capacity will miss
				// this particular notification, but will observe its own
				// next overflow independently.
			}
		}
	}
}

// NumSubscribers returns the current live subscriber count.
func (b *Bus) NumSubscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close detaches all subscribers and rejects further publishes. After Close
// returns, no further events are emitted to any subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		sub.detach()
	}
	b.subscribers = make(map[*subscriber]struct{})
}
