package ethrpc

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func ChainID() CallBuilder[*big.Int] {
	return CallBuilder[*big.Int]{
		method: "eth_chainId",
		intoFn: hexIntoBigUint64,
	}
}

func BlockNumber() CallBuilder[uint64] {
	return CallBuilder[uint64]{
		method: "eth_blockNumber",
		intoFn: hexIntoUint64,
	}
}

func BlockByHash(hash common.Hash) CallBuilder[*types.Block] {
	return CallBuilder[*types.Block]{
		method: "eth_getBlockByHash",
		params: []any{hash, true},
		intoFn: IntoBlock,
	}
}

func BlockByNumber(blockNum *big.Int) CallBuilder[*types.Block] {
	return CallBuilder[*types.Block]{
		method: "eth_getBlockByNumber",
		params: []any{toBlockNumArg(blockNum), true},
		intoFn: IntoBlock,
	}
}

func RawBlockByHash(hash common.Hash) CallBuilder[json.RawMessage] {
	return CallBuilder[json.RawMessage]{
		method: "eth_getBlockByHash",
		params: []any{hash, true},
		intoFn: IntoJSONRawMessage,
	}
}

func RawBlockByNumber(blockNum *big.Int) CallBuilder[json.RawMessage] {
	return CallBuilder[json.RawMessage]{
		method: "eth_getBlockByNumber",
		params: []any{toBlockNumArg(blockNum), true},
		intoFn: IntoJSONRawMessage,
	}
}

func TransactionByHash(hash common.Hash) CallBuilder2[*types.Transaction, bool] {
	return CallBuilder2[*types.Transaction, bool]{
		method: "eth_getTransactionByHash",
		params: []any{hash},
		intoFn: IntoTransactionWithPending,
	}
}

func TransactionReceipt(txHash common.Hash) CallBuilder[*types.Receipt] {
	return CallBuilder[*types.Receipt]{
		method: "eth_getTransactionReceipt",
		params: []any{txHash},
		intoFn: func(raw json.RawMessage, receipt **types.Receipt, strictness StrictnessLevel) error {
			err := json.Unmarshal(raw, receipt)
			if err == nil && *receipt == nil {
				return ethereum.NotFound
			}
			return err
		},
	}
}

func NetworkID() CallBuilder[*big.Int] {
	return CallBuilder[*big.Int]{
		method: "net_version",
		intoFn: func(raw json.RawMessage, ret **big.Int, strictness StrictnessLevel) error {
			var (
				verString string
				version   = &big.Int{}
			)
			if err := json.Unmarshal(raw, &verString); err != nil {
				return err
			}
			if _, ok := version.SetString(verString, 10); !ok {
				return fmt.Errorf("invalid net_version result: %q", verString)
			}
			*ret = version
			return nil
		},
	}
}

func FilterLogs(q ethereum.FilterQuery) CallBuilder[[]types.Log] {
	arg, err := toFilterArg(q)
	if err != nil {
		return CallBuilder[[]types.Log]{err: err}
	}
	return CallBuilder[[]types.Log]{
		method: "eth_getLogs",
		params: []any{arg},
	}
}

func RawFilterLogs(q ethereum.FilterQuery) CallBuilder[json.RawMessage] {
	arg, err := toFilterArg(q)
	if err != nil {
		return CallBuilder[json.RawMessage]{err: err}
	}
	return CallBuilder[json.RawMessage]{
		method: "eth_getLogs",
		params: []any{arg},
	}
}
