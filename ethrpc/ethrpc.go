// Package ethrpc is the typed JSON-RPC client: it maps each operation the
// engine needs — getTransaction, getTransactionReceipt, getBlockByNumber,
// getLogs, and the newHeads subscription — onto the underlying JSON-RPC wire
// format, and hands back decoded go-ethereum chain primitives instead of raw
// JSON.
package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/goware/superr"
	"github.com/lattice-labs/xchain/ethrpc/jsonrpc"
)

// Interface is the narrow set of JSON-RPC operations the engine depends on.
// Components hold this interface, never *Client directly, so tests can supply
// a fake transport.
type Interface interface {
	ChainID(ctx context.Context) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
	BlockByNumber(ctx context.Context, blockNum *big.Int) (*types.Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, pending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	IsStreamingEnabled() bool
	SubscribeNewHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	CloseStreamConns()
}

var _ Interface = (*Client)(nil)

// RawInterface extends Interface with accessors that hand back the raw
// JSON-RPC response bytes instead of a decoded value, so a caller can run
// unmarshalling at a strictness level of its own choosing. connmgr.Conn
// passes RawBlockByNumber through to clients that implement it.
type RawInterface interface {
	Interface

	RawBlockByHash(ctx context.Context, hash common.Hash) (json.RawMessage, error)
	RawBlockByNumber(ctx context.Context, blockNum *big.Int) (json.RawMessage, error)
	RawFilterLogs(ctx context.Context, q ethereum.FilterQuery) (json.RawMessage, error)
}

var _ RawInterface = (*Client)(nil)

// StrictnessLevelGetter is implemented by clients that expose their
// configured validation strictness, so a caller re-unmarshalling raw bytes
// can match it.
type StrictnessLevelGetter interface {
	StrictnessLevel() StrictnessLevel
}

var _ StrictnessLevelGetter = (*Client)(nil)

// DefaultNumBlocksToFinality is the default depth at which a block is
// considered irreversible absent a configured per-network override.
const DefaultNumBlocksToFinality = 64

type StreamCloser interface {
	Close()
}

type StreamUnsubscriber interface {
	Unsubscribe()
}

// Client is a single endpoint's JSON-RPC connection: an HTTP URL for request/response
// calls, and an optional WS URL for the newHeads subscription. The Connection
// Manager (connmgr) owns the decision of which Client is current; Client itself holds
// no failover logic.
type Client struct {
	log        *slog.Logger
	nodeURL    string
	nodeWSURL  string
	httpClient httpClient
	strictness StrictnessLevel

	chainID   *big.Int
	chainIDMu sync.Mutex

	streamClosers       []StreamCloser
	streamUnsubscribers []StreamUnsubscriber

	lastRequestID uint64
	mu            sync.Mutex
}

func NewClient(nodeURL string, options ...Option) (*Client, error) {
	c := &Client{
		nodeURL: nodeURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: slog.Default(),
	}
	for _, opt := range options {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

var (
	ErrNotFound      = ethereum.NotFound
	ErrEmptyResponse = errors.New("ethrpc: empty response")
	ErrRequestFail   = errors.New("ethrpc: request fail")
)

func (c *Client) SetHTTPClient(httpClient *http.Client) {
	c.httpClient = httpClient
}

func (c *Client) StrictnessLevel() StrictnessLevel {
	return c.strictness
}

// Do executes one or more calls as a single JSON-RPC batch request.
func (c *Client) Do(ctx context.Context, calls ...Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	batch := make(BatchCall, 0, len(calls))
	for i, call := range calls {
		call := call
		if call.err != nil {
			return nil, fmt.Errorf("call %d has an error: %w", i, call.err)
		}
		call.request.ID = atomic.AddUint64(&c.lastRequestID, 1)
		batch = append(batch, &call)
	}

	b, err := batch.MarshalJSON()
	if err != nil {
		return nil, superr.Wrap(ErrRequestFail, fmt.Errorf("failed to marshal JSONRPC request: %w", err))
	}

	req, err := http.NewRequest(http.MethodPost, c.nodeURL, bytes.NewBuffer(b))
	if err != nil {
		return nil, superr.Wrap(ErrRequestFail, fmt.Errorf("failed to initialize http.Request: %w", err))
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, superr.Wrap(ErrRequestFail, fmt.Errorf("failed to send request: %w", err))
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, superr.Wrap(ErrRequestFail, fmt.Errorf("failed to read response body: %w", err))
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := jsonrpc.Message{}
		if err := json.Unmarshal(body, &msg); err == nil && msg.Error != nil {
			return body, superr.Wrap(ErrRequestFail, msg.Error)
		}
		details := any(body)
		if len(body) > 100 {
			details = fmt.Sprintf("%s ... (%d bytes)", body[:100], len(body))
		}
		return body, superr.Wrap(ErrRequestFail, fmt.Errorf("non-200 response with status code: %d with body '%s'", res.StatusCode, details))
	}

	if err := json.Unmarshal(body, &batch); err != nil {
		if len(body) > 100 {
			body = body[:100]
		}
		return body, superr.Wrap(ErrRequestFail, fmt.Errorf("failed to unmarshal response: '%s' due to %w", string(body), err))
	}

	for i, call := range batch {
		if call.err != nil {
			continue
		}
		if call.response == nil {
			call.err = ErrEmptyResponse
			continue
		}
		if call.request.ID != call.response.ID {
			call.err = superr.Wrap(ErrRequestFail, fmt.Errorf("response id (%d) does not match request id (%d)", call.response.ID, call.request.ID))
			continue
		}
		if calls[i].resultFn == nil {
			continue
		}
		if err := calls[i].resultFn(call.response.Result); err != nil {
			call.err = err
			continue
		}
	}

	return body, batch.ErrorOrNil()
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainIDMu.Lock()
	defer c.chainIDMu.Unlock()

	if c.chainID != nil {
		return c.chainID, nil
	}

	var ret *big.Int
	_, err := c.Do(ctx, ChainID().Strict(c.strictness).Into(&ret))
	if err != nil {
		return nil, err
	}
	c.chainID = ret
	return ret, nil
}

func (c *Client) NetworkID(ctx context.Context) (*big.Int, error) {
	var version *big.Int
	_, err := c.Do(ctx, NetworkID().Strict(c.strictness).Into(&version))
	return version, err
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var ret uint64
	_, err := c.Do(ctx, BlockNumber().Strict(c.strictness).Into(&ret))
	return ret, err
}

func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	var ret *types.Block
	_, err := c.Do(ctx, BlockByHash(hash).Strict(c.strictness).Into(&ret))
	return ret, err
}

func (c *Client) BlockByNumber(ctx context.Context, blockNum *big.Int) (*types.Block, error) {
	var ret *types.Block
	_, err := c.Do(ctx, BlockByNumber(blockNum).Strict(c.strictness).Into(&ret))
	return ret, err
}

func (c *Client) RawBlockByHash(ctx context.Context, hash common.Hash) (json.RawMessage, error) {
	var result json.RawMessage
	_, err := c.Do(ctx, RawBlockByHash(hash).Strict(c.strictness).Into(&result))
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, ethereum.NotFound
	}
	return result, nil
}

func (c *Client) RawBlockByNumber(ctx context.Context, blockNum *big.Int) (json.RawMessage, error) {
	var result json.RawMessage
	_, err := c.Do(ctx, RawBlockByNumber(blockNum).Strict(c.strictness).Into(&result))
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, ethereum.NotFound
	}
	return result, nil
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, pending bool, err error) {
	_, err = c.Do(ctx, TransactionByHash(hash).Strict(c.strictness).Into(&tx, &pending))
	if err == nil && tx == nil {
		return nil, false, ethereum.NotFound
	}
	return tx, pending, err
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	_, err := c.Do(ctx, TransactionReceipt(txHash).Strict(c.strictness).Into(&receipt))
	if err == nil && receipt == nil {
		return nil, ethereum.NotFound
	}
	return receipt, err
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	_, err := c.Do(ctx, FilterLogs(q).Strict(c.strictness).Into(&logs))
	return logs, err
}

func (c *Client) RawFilterLogs(ctx context.Context, q ethereum.FilterQuery) (json.RawMessage, error) {
	var result json.RawMessage
	_, err := c.Do(ctx, RawFilterLogs(q).Strict(c.strictness).Into(&result))
	return result, err
}

func (c *Client) IsStreamingEnabled() bool {
	return c.nodeWSURL != ""
}

func (c *Client) streamSubscribe(ctx context.Context, label string, subscribeFn func(conn *rpc.Client) (ethereum.Subscription, error)) (ethereum.Subscription, error) {
	if !c.IsStreamingEnabled() {
		return nil, fmt.Errorf("ethrpc: client has no streaming URL configured")
	}

	gethRPC, err := rpc.DialContext(ctx, c.nodeWSURL)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: %s failed to connect to websocket: %w", label, err)
	}

	sub, err := subscribeFn(gethRPC)
	if err != nil {
		gethRPC.Close()
		return nil, fmt.Errorf("ethrpc: %s failed: %w", label, err)
	}

	c.mu.Lock()
	c.streamClosers = append(c.streamClosers, gethRPC)
	c.streamUnsubscribers = append(c.streamUnsubscribers, sub)
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.Err():
		}

		c.mu.Lock()
		sub.Unsubscribe()
		for i, unsub := range c.streamUnsubscribers {
			if unsub == sub {
				c.streamUnsubscribers = append(c.streamUnsubscribers[:i], c.streamUnsubscribers[i+1:]...)
				break
			}
		}
		gethRPC.Close()
		for i, closer := range c.streamClosers {
			if closer == gethRPC {
				c.streamClosers = append(c.streamClosers[:i], c.streamClosers[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}()

	return sub, nil
}

// SubscribeNewHeads opens a websocket subscription for newHeads. The caller
// (connmgr) is responsible for redialing on error; this call returns a live
// subscription or a dial error.
func (c *Client) SubscribeNewHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	fn := func(conn *rpc.Client) (ethereum.Subscription, error) {
		return conn.EthSubscribe(ctx, ch, "newHeads")
	}
	return c.streamSubscribe(ctx, "SubscribeNewHeads", fn)
}

func (c *Client) CloseStreamConns() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, unsub := range c.streamUnsubscribers {
		unsub.Unsubscribe()
	}
	for _, closer := range c.streamClosers {
		closer.Close()
	}
	c.streamClosers = c.streamClosers[:0]
	c.streamUnsubscribers = c.streamUnsubscribers[:0]
}
