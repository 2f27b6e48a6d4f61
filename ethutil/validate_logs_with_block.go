package ethutil

import (
	"bytes"

	"github.com/ethereum/go-ethereum/core/types"
)

// LogsBloomCheckFunc allows callers to override how logs bloom validation is performed.
// Returning true means the logs match the header; false means they do not.
type LogsBloomCheckFunc func(logs []types.Log, header *types.Header) bool

// ValidateLogsWithBlockHeader validates that the logs comes from given block.
// If the list of logs is not complete or the logs are not from the block, it
// will return false.
func ValidateLogsWithBlockHeader(logs []types.Log, header *types.Header, optLogsBloomCheck ...LogsBloomCheckFunc) bool {
	// Allow callers to override the check logic (e.g. filtering certain logs).
	if len(optLogsBloomCheck) > 0 && optLogsBloomCheck[0] != nil {
		return optLogsBloomCheck[0](logs, header)
	}

	return bytes.Equal(ConvertLogsToBloom(logs).Bytes(), header.Bloom.Bytes())
}

func ConvertLogsToBloom(logs []types.Log) types.Bloom {
	var logBloom types.Bloom
	for _, log := range logs {
		logBloom.Add(log.Address.Bytes())
		for _, b := range log.Topics {
			logBloom.Add(b[:])
		}
	}
	return logBloom
}

// CheckLogsAgainstBloom reports whether every log's address and topics are
// members of the header's bloom filter. Unlike ValidateLogsWithBlockHeader
// it accepts a filtered subset of the block's logs, so it is the right
// check for per-filter getLogs responses: a log the bloom cannot contain
// means the response does not belong to this block.
func CheckLogsAgainstBloom(logs []types.Log, header *types.Header) bool {
	for _, log := range logs {
		if !types.BloomLookup(header.Bloom, log.Address) {
			return false
		}
		for _, topic := range log.Topics {
			if !types.BloomLookup(header.Bloom, topic) {
				return false
			}
		}
	}
	return true
}
