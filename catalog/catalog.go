// Package catalog provides a static, compiled-in table of contract
// addresses, event signatures and method selectors for a fixed set of
// DeFi protocols (a Uniswap-v2-style DEX, an Aave-v2-style lending pool,
// a Chainlink-style price oracle, and the generic ERC-20 token interface).
// It classifies contracts, decodes logs, and decodes calldata on top of
// ethcoder's ABI-signature machinery.
package catalog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lattice-labs/xchain"
	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/ethcoder"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Role is the functional role a contract plays within its protocol.
type Role string

const (
	RolePool   Role = "pool"
	RoleRouter Role = "router"
	RoleOracle Role = "oracle"
	RoleToken  Role = "token"
)

// ContractInfo is a single catalog entry classifying one address.
type ContractInfo struct {
	Address  xchain.Address
	Protocol string
	Role     Role
}

// methodEntry is a registered 4-byte-selector calldata decoder.
type methodEntry struct {
	Name     string
	Protocol string
	ArgsExpr string // e.g. "(address,uint256,address,uint16)"
	ArgNames []string
}

// Catalog holds the compiled-in protocol tables. The zero value is not
// usable; construct with New.
type Catalog struct {
	mu        sync.RWMutex
	contracts map[xchain.Address]ContractInfo
	events    *ethcoder.EventDecoder
	methods   map[[4]byte]methodEntry
}

// Well-known mainnet addresses standing in for each protocol template.
var (
	UniswapV2Router = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	UniswapV2Factory = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	AaveV2LendingPool = common.HexToAddress("0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9")
	ChainlinkETHUSDFeed = common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
)

const (
	protocolUniswapV2 = "uniswap-v2"
	protocolAaveV2    = "aave-v2"
	protocolChainlink = "chainlink"
	protocolERC20     = "erc-20"
)

// erc20 event/method signatures apply to any token address, so they are not
// tied to a fixed contract list the way pool/router/oracle addresses are.
var erc20EventSigs = []string{
	"Transfer(address indexed from, address indexed to, uint256 value)",
	"Approval(address indexed owner, address indexed spender, uint256 value)",
}

var uniswapV2EventSigs = []string{
	"Swap(address indexed sender, uint256 amount0In, uint256 amount1In, uint256 amount0Out, uint256 amount1Out, address indexed to)",
	"Mint(address indexed sender, uint256 amount0, uint256 amount1)",
	"Burn(address indexed sender, uint256 amount0, uint256 amount1, address indexed to)",
	"Sync(uint112 reserve0, uint112 reserve1)",
}

var aaveV2EventSigs = []string{
	"Deposit(address indexed reserve, address user, address indexed onBehalfOf, uint256 amount, uint16 indexed referral)",
	"Withdraw(address indexed reserve, address indexed user, address indexed to, uint256 amount)",
	"Borrow(address indexed reserve, address user, address indexed onBehalfOf, uint256 amount, uint256 borrowRateMode, uint256 borrowRate, uint16 indexed referral)",
	"Repay(address indexed reserve, address indexed user, address indexed repayer, uint256 amount)",
	"LiquidationCall(address indexed collateralAsset, address indexed debtAsset, address indexed user, uint256 debtToCover, uint256 liquidatedCollateralAmount, address liquidator, bool receiveAToken)",
}

var chainlinkEventSigs = []string{
	"AnswerUpdated(int256 indexed current, uint256 indexed roundId, uint256 updatedAt)",
	"NewRound(uint256 indexed roundId, address indexed startedBy, uint256 startedAt)",
}

// New builds the fixed protocol catalog.
func New() (*Catalog, error) {
	decoder := ethcoder.NewEventDecoder()

	allSigs := append([]string{}, erc20EventSigs...)
	allSigs = append(allSigs, uniswapV2EventSigs...)
	allSigs = append(allSigs, aaveV2EventSigs...)
	allSigs = append(allSigs, chainlinkEventSigs...)

	if err := decoder.RegisterEventSig(allSigs...); err != nil {
		return nil, fmt.Errorf("catalog: registering event signatures: %w", err)
	}

	c := &Catalog{
		contracts: map[xchain.Address]ContractInfo{
			UniswapV2Router:     {Address: UniswapV2Router, Protocol: protocolUniswapV2, Role: RoleRouter},
			UniswapV2Factory:    {Address: UniswapV2Factory, Protocol: protocolUniswapV2, Role: RolePool},
			AaveV2LendingPool:   {Address: AaveV2LendingPool, Protocol: protocolAaveV2, Role: RolePool},
			ChainlinkETHUSDFeed: {Address: ChainlinkETHUSDFeed, Protocol: protocolChainlink, Role: RoleOracle},
		},
		events:  decoder,
		methods: map[[4]byte]methodEntry{},
	}

	if err := c.registerMethods(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Catalog) registerMethods() error {
	methods := []struct {
		sig      string
		protocol string
		argNames []string
	}{
		{
			sig:      "swapExactTokensForTokens(uint256,uint256,address[],address,uint256)",
			protocol: protocolUniswapV2,
			argNames: []string{"amountIn", "amountOutMin", "path", "to", "deadline"},
		},
		{
			sig:      "deposit(address,uint256,address,uint16)",
			protocol: protocolAaveV2,
			argNames: []string{"asset", "amount", "onBehalfOf", "referralCode"},
		},
		{
			sig:      "withdraw(address,uint256,address)",
			protocol: protocolAaveV2,
			argNames: []string{"asset", "amount", "to"},
		},
		{
			sig:      "transfer(address,uint256)",
			protocol: protocolERC20,
			argNames: []string{"to", "value"},
		},
	}

	for _, m := range methods {
		name, argsExpr, err := splitMethodSig(m.sig)
		if err != nil {
			return fmt.Errorf("catalog: parsing method signature %q: %w", m.sig, err)
		}
		selector := [4]byte{}
		copy(selector[:], ethcoder.Keccak256([]byte(m.sig))[:4])
		c.methods[selector] = methodEntry{
			Name:     name,
			Protocol: m.protocol,
			ArgsExpr: argsExpr,
			ArgNames: m.argNames,
		}
	}
	return nil
}

func splitMethodSig(sig string) (name, argsExpr string, err error) {
	open := strings.IndexByte(sig, '(')
	if open < 0 || !strings.HasSuffix(sig, ")") {
		return "", "", fmt.Errorf("malformed method signature: %s", sig)
	}
	return sig[:open], sig[open:], nil
}

// DefaultFilters returns one EventFilter per (cataloged contract, event
// signature) pair. The event monitor installs these at startup so the
// engine watches the full fixed protocol set out of the box.
func (c *Catalog) DefaultFilters() ([]xchain.EventFilter, error) {
	groups := []struct {
		addr xchain.Address
		sigs []string
	}{
		{UniswapV2Router, uniswapV2EventSigs},
		{UniswapV2Factory, uniswapV2EventSigs},
		{AaveV2LendingPool, aaveV2EventSigs},
		{ChainlinkETHUSDFeed, chainlinkEventSigs},
	}

	var filters []xchain.EventFilter
	for _, g := range groups {
		for _, sig := range g.sigs {
			topic0, _, err := ethcoder.EventTopicHash(sig)
			if err != nil {
				return nil, fmt.Errorf("catalog: topic hash for %q: %w", sig, err)
			}
			filters = append(filters, xchain.EventFilter{
				ContractAddress: g.addr,
				EventSignature:  topic0,
			})
		}
	}
	return filters, nil
}

// ClassifyContract returns the protocol name for a known pool/router/oracle
// address, or "" if the address is not in the fixed catalog.
func (c *Catalog) ClassifyContract(address xchain.Address) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.contracts[address]
	if !ok {
		return ""
	}
	return info.Protocol
}

// ContractInfo returns the full catalog entry for address, if any.
func (c *Catalog) ContractInfo(address xchain.Address) (ContractInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.contracts[address]
	return info, ok
}

// DecodedLog is the result of a successful decodeLog.
type DecodedLog struct {
	EventName string
	Fields    map[string]any
	Protocol  string
}

// DecodeLog classifies and decodes a single raw log against the fixed
// signature table. It returns apperrors.ErrProtocolCatalogMiss when topic0
// is not recognized; the caller emits the event undecoded in that case.
func (c *Catalog) DecodeLog(log types.Log) (DecodedLog, error) {
	sig, values, ok, err := c.events.DecodeLog(log)
	if err != nil || !ok {
		return DecodedLog{}, apperrors.Wrap(apperrors.ErrProtocolCatalogMiss, fmt.Sprintf("decodeLog: unknown signature for topic0=%s", topic0(log)))
	}

	fields := make(map[string]any, len(sig.ArgNames))
	for i, name := range sig.ArgNames {
		key := name
		if key == "" {
			key = fmt.Sprintf("arg%d", i+1)
		}
		if i < len(values) {
			fields[key] = values[i]
		}
	}

	protocol := c.ClassifyContract(log.Address)
	if protocol == "" && isERC20Event(sig.Name) {
		protocol = protocolERC20
	}

	return DecodedLog{EventName: sig.Name, Fields: fields, Protocol: protocol}, nil
}

func isERC20Event(name string) bool {
	return name == "Transfer" || name == "Approval"
}

func topic0(log types.Log) string {
	if len(log.Topics) == 0 {
		return "<none>"
	}
	return log.Topics[0].Hex()
}

// DecodedCalldata is the result of a successful decodeCalldata.
type DecodedCalldata struct {
	MethodName string
	Args       map[string]any
}

// DecodeCalldata decodes input's 4-byte selector and remaining arguments
// against the fixed method table. Returns apperrors.ErrProtocolCatalogMiss
// (UnknownSelector) when the selector is not recognized.
func (c *Catalog) DecodeCalldata(input []byte, contract xchain.Address) (DecodedCalldata, error) {
	if len(input) < 4 {
		return DecodedCalldata{}, apperrors.Wrap(apperrors.ErrInvalidInput, "decodeCalldata: input shorter than a selector")
	}

	var selector [4]byte
	copy(selector[:], input[:4])

	c.mu.RLock()
	entry, ok := c.methods[selector]
	c.mu.RUnlock()
	if !ok {
		return DecodedCalldata{}, apperrors.Wrap(apperrors.ErrProtocolCatalogMiss, fmt.Sprintf("decodeCalldata: unknown selector=0x%x", selector))
	}

	values, err := ethcoder.ABIUnpackAndStringify(entry.ArgsExpr, input[4:])
	if err != nil {
		return DecodedCalldata{}, fmt.Errorf("catalog: decoding calldata for %s: %w", entry.Name, err)
	}

	args := make(map[string]any, len(values))
	for i, v := range values {
		name := fmt.Sprintf("arg%d", i+1)
		if i < len(entry.ArgNames) {
			name = entry.ArgNames[i]
		}
		args[name] = v
	}

	return DecodedCalldata{MethodName: entry.Name, Args: args}, nil
}
