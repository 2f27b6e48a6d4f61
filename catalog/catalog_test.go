package catalog_test

import (
	"math/big"
	"testing"

	"github.com/lattice-labs/xchain/apperrors"
	"github.com/lattice-labs/xchain/catalog"
	"github.com/lattice-labs/xchain/ethcoder"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestClassifyContract(t *testing.T) {
	c, err := catalog.New()
	require.NoError(t, err)

	require.Equal(t, "uniswap-v2", c.ClassifyContract(catalog.UniswapV2Router))
	require.Equal(t, "aave-v2", c.ClassifyContract(catalog.AaveV2LendingPool))
	require.Equal(t, "", c.ClassifyContract(common.HexToAddress("0x0000000000000000000000000000000000dEaD")))
}

func TestDecodeLogERC20Transfer(t *testing.T) {
	c, err := catalog.New()
	require.NoError(t, err)

	from := common.HexToAddress("0x1111111111111111111111111111111111111111"[:42])
	to := common.HexToAddress("0x2222222222222222222222222222222222222222"[:42])
	topicHash, _, err := ethcoder.EventTopicHash("Transfer(address indexed from, address indexed to, uint256 value)")
	require.NoError(t, err)

	value := big.NewInt(1_000_000)
	data, err := abi.Arguments{{Type: mustType("uint256")}}.Pack(value)
	require.NoError(t, err)

	log := types.Log{
		Address: common.HexToAddress("0x3333333333333333333333333333333333333333"[:42]),
		Topics:  []common.Hash{topicHash, from.Hash(), to.Hash()},
		Data:    data,
	}

	decoded, err := c.DecodeLog(log)
	require.NoError(t, err)
	require.Equal(t, "Transfer", decoded.EventName)
	require.Equal(t, "erc-20", decoded.Protocol)
	require.Equal(t, value, decoded.Fields["value"])
}

func TestDecodeLogUnknownSignatureMisses(t *testing.T) {
	c, err := catalog.New()
	require.NoError(t, err)

	log := types.Log{
		Address: catalog.UniswapV2Router,
		Topics:  []common.Hash{common.HexToHash("0xdeadbeef")},
	}

	_, err = c.DecodeLog(log)
	require.ErrorIs(t, err, apperrors.ErrProtocolCatalogMiss)
}

func TestDecodeCalldataERC20Transfer(t *testing.T) {
	c, err := catalog.New()
	require.NoError(t, err)

	to := common.HexToAddress("0x4444444444444444444444444444444444444444"[:42])
	args, err := abi.Arguments{{Type: mustType("address")}, {Type: mustType("uint256")}}.Pack(to, big.NewInt(42))
	require.NoError(t, err)
	input := append(ethcoder.Keccak256([]byte("transfer(address,uint256)"))[:4], args...)

	decoded, err := c.DecodeCalldata(input, common.Address{})
	require.NoError(t, err)
	require.Equal(t, "transfer", decoded.MethodName)
}

func TestDecodeCalldataUnknownSelectorMisses(t *testing.T) {
	c, err := catalog.New()
	require.NoError(t, err)

	_, err = c.DecodeCalldata([]byte{0xde, 0xad, 0xbe, 0xef}, common.Address{})
	require.ErrorIs(t, err, apperrors.ErrProtocolCatalogMiss)
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
