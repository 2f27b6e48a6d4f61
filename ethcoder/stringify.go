package ethcoder

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// StringifyValues renders decoded abi values as strings: addresses and
// hashes as 0x-prefixed hex, big integers as decimal to preserve arbitrary
// precision, byte slices as hex.
func StringifyValues(values []interface{}) ([]string, error) {
	strs := make([]string, 0, len(values))

	for _, value := range values {
		switch v := value.(type) {
		case nil:
			strs = append(strs, "")
		case string:
			strs = append(strs, v)
		case bool:
			strs = append(strs, strconv.FormatBool(v))
		case *big.Int:
			strs = append(strs, v.String())
		case common.Address:
			strs = append(strs, v.Hex())
		case common.Hash:
			strs = append(strs, v.Hex())
		case []byte:
			strs = append(strs, hexutil.Encode(v))
		case [32]byte:
			strs = append(strs, hexutil.Encode(v[:]))
		case uint8, uint16, uint32, uint64, int8, int16, int32, int64, int, uint:
			strs = append(strs, fmt.Sprintf("%d", v))
		case []common.Address:
			s := make([]string, len(v))
			for i, a := range v {
				s[i] = a.Hex()
			}
			strs = append(strs, fmt.Sprintf("%v", s))
		case []*big.Int:
			s := make([]string, len(v))
			for i, n := range v {
				s[i] = n.String()
			}
			strs = append(strs, fmt.Sprintf("%v", s))
		default:
			if stringer, ok := value.(fmt.Stringer); ok {
				strs = append(strs, stringer.String())
				continue
			}
			strs = append(strs, fmt.Sprintf("%v", v))
		}
	}

	return strs, nil
}
