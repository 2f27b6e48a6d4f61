package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/ethrpc"
)

// Conn is the request-dispatch side of the manager: an ethrpc.Interface
// whose every call goes to the current endpoint, claims a token from that
// endpoint's rate-limit bucket, and carries a deadline equal to the
// endpoint's configured timeout. Monitors and the backfill scanner hold a
// *Conn, never a concrete client, so failover is invisible to them.
type Conn struct {
	m *Manager
}

var _ ethrpc.Interface = (*Conn)(nil)

// Conn returns the shared dispatch handle.
func (m *Manager) Conn() *Conn {
	return &Conn{m: m}
}

// acquire resolves the current endpoint, waits for a rate-limit token, and
// returns the client plus a derived context carrying the endpoint timeout.
func (c *Conn) acquire(ctx context.Context) (ethrpc.Interface, string, context.Context, context.CancelFunc, error) {
	c.m.mu.RLock()
	name := c.m.current
	client := c.m.clients[name]
	c.m.mu.RUnlock()

	if client == nil {
		return nil, "", nil, nil, apperrors.Wrap(apperrors.ErrNoHealthyProvider, "not connected")
	}

	ep, ok := c.m.registry.Get(name)
	if !ok {
		return nil, "", nil, nil, apperrors.Wrap(apperrors.ErrNoHealthyProvider, "endpoint deregistered: "+name)
	}

	tctx, cancel := context.WithTimeout(ctx, ep.Timeout)

	if limiter := c.m.registry.Limiter(name); limiter != nil {
		if err := limiter.Wait(tctx); err != nil {
			cancel()
			return nil, "", nil, nil, apperrors.Wrapf(apperrors.ErrCancelled, err)
		}
	}

	return client, name, tctx, cancel, nil
}

// observe translates a call result into registry bookkeeping: NotFound is
// the caller's business, cancellation is the engine's, anything else trips
// the endpoint failure counter.
func (c *Conn) observe(name string, err error) {
	if err == nil || errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
		return
	}
	c.m.registry.MarkFailure(name)
}

func (c *Conn) ChainID(ctx context.Context) (*big.Int, error) {
	client, name, tctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	ret, err := client.ChainID(tctx)
	c.observe(name, err)
	return ret, err
}

func (c *Conn) NetworkID(ctx context.Context) (*big.Int, error) {
	client, name, tctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	ret, err := client.NetworkID(tctx)
	c.observe(name, err)
	return ret, err
}

func (c *Conn) BlockNumber(ctx context.Context) (uint64, error) {
	client, name, tctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	ret, err := client.BlockNumber(tctx)
	c.observe(name, err)
	return ret, err
}

func (c *Conn) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	client, name, tctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	ret, err := client.BlockByHash(tctx, hash)
	c.observe(name, err)
	return ret, err
}

func (c *Conn) BlockByNumber(ctx context.Context, blockNum *big.Int) (*types.Block, error) {
	client, name, tctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	ret, err := client.BlockByNumber(tctx, blockNum)
	c.observe(name, err)
	return ret, err
}

func (c *Conn) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	client, name, tctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	tx, pending, err := client.TransactionByHash(tctx, hash)
	c.observe(name, err)
	return tx, pending, err
}

func (c *Conn) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	client, name, tctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	ret, err := client.TransactionReceipt(tctx, txHash)
	c.observe(name, err)
	return ret, err
}

func (c *Conn) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	client, name, tctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	ret, err := client.FilterLogs(tctx, q)
	c.observe(name, err)
	return ret, err
}

func (c *Conn) IsStreamingEnabled() bool {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	client := c.m.clients[c.m.current]
	return client != nil && client.IsStreamingEnabled()
}

func (c *Conn) SubscribeNewHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	client, name, _, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	cancel() // subscription lifetime is not bounded by the endpoint timeout
	sub, err := client.SubscribeNewHeads(ctx, ch)
	c.observe(name, err)
	return sub, err
}

func (c *Conn) CloseStreamConns() {
	c.m.mu.RLock()
	client := c.m.clients[c.m.current]
	c.m.mu.RUnlock()
	if client != nil {
		client.CloseStreamConns()
	}
}

// RawBlockByNumber passes through to the current client when it supports
// raw access, for callers that re-unmarshal at their own strictness level.
func (c *Conn) RawBlockByNumber(ctx context.Context, blockNum *big.Int) (json.RawMessage, error) {
	client, name, tctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	raw, ok := client.(ethrpc.RawInterface)
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "client does not expose raw access")
	}
	ret, err := raw.RawBlockByNumber(tctx, blockNum)
	c.observe(name, err)
	return ret, err
}
