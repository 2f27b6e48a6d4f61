// Package blocktracker follows the chain head: it consumes the newHeads stream from
// the connection manager, maintains a bounded sliding window of
// (blockNumber, blockHash, timestamp) records, and detects chain
// reorganizations. Downstream monitors receive head notifications strictly
// in the order the tracker observes them; momentarily out-of-order headers
// are reordered within a small parentHash-linked buffer before emission.
package blocktracker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goware/channel"
	"github.com/goware/logger"
	"github.com/lattice-labs/xchain"

	"github.com/ethereum/go-ethereum/core/types"
)

const (
	// DefaultWindowSize is the number of recent block records retained.
	DefaultWindowSize = 100

	// ReorderBufferLimit bounds the number of out-of-order headers held back
	// while waiting for their parent to arrive.
	ReorderBufferLimit = 8
)

// Record is one retained block in the sliding window.
type Record struct {
	Number    uint64
	Hash      xchain.Hash
	Timestamp uint64
}

// Notification is delivered to the consumer for every accepted header, in
// observation order. When IsReorg is set the header replaced a block the
// tracker had already recorded at ReorgFrom; OldHash is the hash it
// replaced.
type Notification struct {
	Number     uint64
	Hash       xchain.Hash
	ParentHash xchain.Hash
	Timestamp  uint64
	IsReorg    bool
	ReorgFrom  uint64
	OldHash    xchain.Hash
}

// Tracker owns the block-hash window. Other components read it only via
// snapshot methods.
type Tracker struct {
	mu sync.RWMutex

	window     map[uint64]Record
	lastNumber uint64
	lastHash   xchain.Hash
	windowSize uint64

	// headers waiting for their parent, keyed by number
	reorder map[uint64]*types.Header

	avgBlockTime float64 // seconds

	out channel.Channel[Notification]
	log *slog.Logger

	reorgHistory []xchain.Reorganization
	reorgCap     int
}

// Options tunes the tracker. Zero values fall back to defaults.
type Options struct {
	WindowSize      int
	ReorgHistoryCap int
	Logger          *slog.Logger
}

// New builds a tracker with the given window size.
func New(opts Options) *Tracker {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.ReorgHistoryCap <= 0 {
		opts.ReorgHistoryCap = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		window:     make(map[uint64]Record, opts.WindowSize),
		windowSize: uint64(opts.WindowSize),
		reorder:    make(map[uint64]*types.Header),
		out: channel.NewUnboundedChan[Notification](10, 2048, channel.Options{
			Logger:  slogAdapter{opts.Logger},
			Alerter: noopAlerter{},
			Label:   "blocktracker",
		}),
		log:      opts.Logger,
		reorgCap: opts.ReorgHistoryCap,
	}
}

type noopAlerter struct{}

func (noopAlerter) Alert(ctx context.Context, format string, v ...interface{}) {}

// slogAdapter bridges *slog.Logger to the goware/logger.Logger interface
// expected by github.com/goware/channel.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) With(args ...interface{}) logger.Logger {
	return slogAdapter{a.l.With(args...)}
}

func (a slogAdapter) Debug(v ...interface{})                 { a.l.Debug(fmt.Sprint(v...)) }
func (a slogAdapter) Debugf(format string, v ...interface{}) { a.l.Debug(fmt.Sprintf(format, v...)) }
func (a slogAdapter) Info(v ...interface{})                  { a.l.Info(fmt.Sprint(v...)) }
func (a slogAdapter) Infof(format string, v ...interface{})  { a.l.Info(fmt.Sprintf(format, v...)) }
func (a slogAdapter) Warn(v ...interface{})                  { a.l.Warn(fmt.Sprint(v...)) }
func (a slogAdapter) Warnf(format string, v ...interface{})  { a.l.Warn(fmt.Sprintf(format, v...)) }
func (a slogAdapter) Error(v ...interface{})                 { a.l.Error(fmt.Sprint(v...)) }
func (a slogAdapter) Errorf(format string, v ...interface{}) { a.l.Error(fmt.Sprintf(format, v...)) }
func (a slogAdapter) Fatal(v ...interface{})                 { a.l.Error(fmt.Sprint(v...)); os.Exit(1) }
func (a slogAdapter) Fatalf(format string, v ...interface{}) {
	a.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

// Notifications is the ordered stream of accepted heads. The channel is
// closed when the tracker's Run loop exits.
func (t *Tracker) Notifications() <-chan Notification {
	return t.out.ReadChannel()
}

// Run drains headers from in until the channel closes or ctx is cancelled,
// then closes the notification stream.
func (t *Tracker) Run(ctx context.Context, in <-chan *types.Header) {
	defer func() {
		t.out.Close()
		t.out.Flush()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case header, ok := <-in:
			if !ok {
				return
			}
			t.Ingest(header)
		}
	}
}

// Ingest processes a single header: detect a reorg, accept it in order, or
// hold it in the bounded reorder buffer until its parent arrives.
func (t *Tracker) Ingest(header *types.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()

	num := header.Number.Uint64()

	// Anything older than the retained window can never be linked; drop it.
	if t.lastNumber >= t.windowSize && num < t.lastNumber-t.windowSize {
		t.log.Warn("blocktracker: dropping header older than window", "number", num, "head", t.lastNumber)
		return
	}

	if t.lastNumber > 0 && num <= t.lastNumber {
		stored, ok := t.window[num]
		if ok && stored.Hash == header.Hash() {
			// duplicate of a block we already accepted
			return
		}
		t.acceptReorgLocked(header, stored)
		t.drainReorderLocked()
		return
	}

	if t.lastNumber == 0 || num == t.lastNumber+1 {
		t.acceptLocked(header, false, 0, xchain.Hash{})
		t.drainReorderLocked()
		return
	}

	// Out-of-order: a header from the future. Hold it until its parent
	// links up, bounded by ReorderBufferLimit.
	t.reorder[num] = header
	if len(t.reorder) > ReorderBufferLimit {
		t.flushReorderLocked()
	}
}

// acceptLocked records the header in the window, evicts entries that fell
// out of it, and emits the ordered notification.
func (t *Tracker) acceptLocked(header *types.Header, isReorg bool, reorgFrom uint64, oldHash xchain.Hash) {
	num := header.Number.Uint64()

	if t.lastNumber > 0 && num == t.lastNumber+1 {
		delta := float64(header.Time - t.window[t.lastNumber].Timestamp)
		if t.avgBlockTime == 0 {
			t.avgBlockTime = delta
		} else {
			t.avgBlockTime = (t.avgBlockTime + delta) / 2
		}
	}

	t.window[num] = Record{Number: num, Hash: header.Hash(), Timestamp: header.Time}
	t.lastNumber = num
	t.lastHash = header.Hash()

	if num > t.windowSize {
		for evict := range t.window {
			if evict <= num-t.windowSize {
				delete(t.window, evict)
			}
		}
	}

	t.out.Send(Notification{
		Number:     num,
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
		Timestamp:  header.Time,
		IsReorg:    isReorg,
		ReorgFrom:  reorgFrom,
		OldHash:    oldHash,
	})
}

// acceptReorgLocked handles a header that replaces an already-recorded
// block: the window is rewound past the replaced height and the new header
// becomes the head.
func (t *Tracker) acceptReorgLocked(header *types.Header, replaced Record) {
	num := header.Number.Uint64()

	for n := range t.window {
		if n >= num {
			delete(t.window, n)
		}
	}

	t.recordReorgLocked(xchain.Reorganization{
		BlockNumber: num,
		OldHash:     replaced.Hash,
		NewHash:     header.Hash(),
		DetectedAt:  time.Now(),
	})

	t.window[num] = Record{Number: num, Hash: header.Hash(), Timestamp: header.Time}
	t.lastNumber = num
	t.lastHash = header.Hash()

	t.out.Send(Notification{
		Number:     num,
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
		Timestamp:  header.Time,
		IsReorg:    true,
		ReorgFrom:  num,
		OldHash:    replaced.Hash,
	})
}

func (t *Tracker) recordReorgLocked(r xchain.Reorganization) {
	t.reorgHistory = append(t.reorgHistory, r)
	if len(t.reorgHistory) > t.reorgCap {
		t.reorgHistory = t.reorgHistory[len(t.reorgHistory)-t.reorgCap:]
	}
}

// drainReorderLocked emits any buffered headers that now link to the head,
// following parentHash linkage.
func (t *Tracker) drainReorderLocked() {
	for {
		next, ok := t.reorder[t.lastNumber+1]
		if !ok {
			return
		}
		delete(t.reorder, t.lastNumber+1)
		if next.ParentHash != t.lastHash {
			// buffered successor belongs to a different fork than the head
			// we settled on; it will be re-delivered by the stream if real.
			t.log.Warn("blocktracker: buffered header does not link to head, dropping",
				"number", next.Number.Uint64(), "parentHash", next.ParentHash)
			continue
		}
		t.acceptLocked(next, false, 0, xchain.Hash{})
	}
}

// flushReorderLocked force-accepts buffered headers in ascending order once
// the buffer overflows. Headers at or below the current head are dropped
// with a warning; the rest are accepted even though linkage was never
// observed, since waiting any longer would stall the stream.
func (t *Tracker) flushReorderLocked() {
	nums := make([]uint64, 0, len(t.reorder))
	for n := range t.reorder {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	for _, n := range nums {
		header := t.reorder[n]
		delete(t.reorder, n)
		if n <= t.lastNumber {
			t.log.Warn("blocktracker: dropping unordered header older than reorder window", "number", n)
			continue
		}
		t.log.Warn("blocktracker: reorder buffer overflow, accepting header with gap", "number", n, "head", t.lastNumber)
		t.acceptLocked(header, false, 0, xchain.Hash{})
	}
}

// HeadNumber returns the latest accepted block number.
func (t *Tracker) HeadNumber() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastNumber
}

// HeadHash returns the latest accepted block hash.
func (t *Tracker) HeadHash() xchain.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastHash
}

// CanonicalHash reports the retained hash at number, if the window still
// holds it.
func (t *Tracker) CanonicalHash(number uint64) (xchain.Hash, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.window[number]
	if !ok {
		return xchain.Hash{}, false
	}
	return rec.Hash, true
}

// Window returns a stable copy of the retained records, ordered by block
// number ascending.
func (t *Tracker) Window() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.window))
	for _, rec := range t.window {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// AverageBlockTime returns the running average spacing between consecutive
// accepted heads, in seconds.
func (t *Tracker) AverageBlockTime() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.avgBlockTime
}

// Reorganizations returns the retained reorg history, oldest first.
func (t *Tracker) Reorganizations() []xchain.Reorganization {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]xchain.Reorganization, len(t.reorgHistory))
	copy(out, t.reorgHistory)
	return out
}
