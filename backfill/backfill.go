// Package backfill implements a historical block-range walk, bounded by
// batch size and an inter-batch delay, that feeds blocks into the same
// transaction and event detection pipeline the live head stream drives.
// Re-running a scan over an already-seen range is a no-op because both
// monitors are idempotent on detection.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goware/breaker"
	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/ethrpc"
	"github.com/lattice-labs/xchain/eventbus"
	"github.com/lattice-labs/xchain/eventmonitor"
	"github.com/lattice-labs/xchain/txmonitor"
)

const (
	DefaultBatchSize  = 100
	DefaultBatchDelay = time.Second

	windowRetryLimit = 3
)

// Request describes one scan.
type Request struct {
	FromBlock uint64
	ToBlock   uint64 // 0 = current head
}

// Scanner walks a closed historical block range and replays it through the
// live pipeline.
type Scanner struct {
	rpc ethrpc.Interface
	txm *txmonitor.Monitor
	evm *eventmonitor.Monitor
	bus *eventbus.Bus
	log *slog.Logger

	batchSize  uint64
	batchDelay time.Duration
}

// Options tunes the batch size and inter-batch delay. Zero values fall
// back to defaults.
type Options struct {
	BatchSize  int
	BatchDelay time.Duration
	Logger     *slog.Logger
}

func New(rpc ethrpc.Interface, txm *txmonitor.Monitor, evm *eventmonitor.Monitor, bus *eventbus.Bus, opts Options) *Scanner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scanner{
		rpc:        rpc,
		txm:        txm,
		evm:        evm,
		bus:        bus,
		log:        opts.Logger,
		batchSize:  uint64(opts.BatchSize),
		batchDelay: opts.BatchDelay,
	}
}

// Run executes the scan synchronously. The caller usually starts it on its
// own goroutine; cancellation propagates through ctx.
func (s *Scanner) Run(ctx context.Context, req Request) error {
	if req.ToBlock == 0 {
		head, err := s.rpc.BlockNumber(ctx)
		if err != nil {
			return apperrors.Wrapf(apperrors.ErrTransient, err)
		}
		req.ToBlock = head
	}
	if req.FromBlock > req.ToBlock {
		return apperrors.Wrap(apperrors.ErrInvalidInput,
			fmt.Sprintf("backfill: fromBlock %d > toBlock %d", req.FromBlock, req.ToBlock))
	}

	// Confirmations for backfilled blocks are measured against the live
	// head, so deep-history scans confirm immediately.
	head := req.ToBlock
	if h, err := s.rpc.BlockNumber(ctx); err == nil && h > head {
		head = h
	}

	s.log.Info("backfill: starting", "from", req.FromBlock, "to", req.ToBlock, "batch", s.batchSize)

	for start := req.FromBlock; start <= req.ToBlock; start += s.batchSize {
		end := start + s.batchSize - 1
		if end > req.ToBlock {
			end = req.ToBlock
		}

		if err := s.scanWindow(ctx, start, end, head); err != nil {
			return err
		}

		if end < req.ToBlock {
			select {
			case <-ctx.Done():
				return apperrors.Wrapf(apperrors.ErrCancelled, ctx.Err())
			case <-time.After(s.batchDelay):
			}
		}
	}

	s.bus.Publish(eventbus.Event{
		Kind:     eventbus.BackfillCompleted,
		Backfill: &eventbus.BackfillRange{FromBlock: req.FromBlock, ToBlock: req.ToBlock},
	})
	s.log.Info("backfill: completed", "from", req.FromBlock, "to", req.ToBlock)
	return nil
}

// scanWindow replays [start, end]. The whole window is retried up to
// windowRetryLimit times before the scan aborts; per-block errors inside an
// attempt are logged and skipped, and only a fully-failed attempt counts
// against the retry budget.
func (s *Scanner) scanWindow(ctx context.Context, start, end, head uint64) error {
	var lastErr error

	for attempt := 0; attempt < windowRetryLimit; attempt++ {
		select {
		case <-ctx.Done():
			return apperrors.Wrapf(apperrors.ErrCancelled, ctx.Err())
		default:
		}

		processed, err := s.scanWindowOnce(ctx, start, end, head)
		if err != nil {
			return err // cancellation only
		}
		if processed > 0 {
			return nil
		}

		lastErr = fmt.Errorf("backfill: window [%d,%d] produced no blocks on attempt %d", start, end, attempt+1)
		s.log.Warn("backfill: retrying window", "from", start, "to", end, "attempt", attempt+1)
	}

	return apperrors.Wrapf(apperrors.ErrBackfillAborted,
		fmt.Errorf("blockRange [%d,%d]: %w", start, end, lastErr))
}

// scanWindowOnce walks every block in the window once, returning how many
// blocks were fetched and replayed.
func (s *Scanner) scanWindowOnce(ctx context.Context, start, end, head uint64) (int, error) {
	processed := 0

	for n := start; n <= end; n++ {
		select {
		case <-ctx.Done():
			return processed, apperrors.Wrapf(apperrors.ErrCancelled, ctx.Err())
		default:
		}

		block, err := s.fetchBlock(ctx, n)
		if err != nil {
			s.log.Warn("backfill: block fetch failed, skipping", "block", n, "error", err)
			continue
		}

		if s.txm != nil {
			s.txm.OnBlock(ctx, head, txmonitor.BlockNotification{
				Number:       block.NumberU64(),
				Hash:         block.Hash(),
				Timestamp:    block.Time(),
				Transactions: block.Transactions(),
			})
		}
		if s.evm != nil {
			if _, err := s.evm.OnBlock(ctx, head, block.Header(), false, 0); err != nil {
				s.log.Warn("backfill: event scan failed for block", "block", n, "error", err)
			}
		}
		processed++
	}

	return processed, nil
}

// fetchBlock fetches one block with transactions, retrying transient
// failures briefly before giving up on the block. NotFound is never
// retried, it means the chain simply does not have the block.
func (s *Scanner) fetchBlock(ctx context.Context, n uint64) (*types.Block, error) {
	num := new(big.Int).SetUint64(n)

	block, err := s.rpc.BlockByNumber(ctx, num)
	if err == nil {
		return block, nil
	}
	if errors.Is(err, ethereum.NotFound) {
		return nil, err
	}

	var fetched *types.Block
	err = breaker.Do(ctx, func() error {
		b, err := s.rpc.BlockByNumber(ctx, num)
		if err != nil {
			return err
		}
		fetched = b
		return nil
	}, nil, 250*time.Millisecond, 2, windowRetryLimit)
	if err != nil {
		return nil, err
	}
	return fetched, nil
}
