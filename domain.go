package xchain

import (
	"math/big"
	"strings"
	"time"
)

// TxStatus is the lifecycle state of a MonitoredTransaction.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureReason explains why a MonitoredTransaction transitioned to TxFailed.
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureExpired
	FailureReceiptStatusZero
	FailureReorganizedOut
)

func (r FailureReason) String() string {
	switch r {
	case FailureExpired:
		return "Expired"
	case FailureReceiptStatusZero:
		return "ReceiptStatus=0"
	case FailureReorganizedOut:
		return "ReorganizedOut"
	default:
		return "None"
	}
}

// MonitoredTransaction is a watched transaction tracked from first sighting through
// confirmation, failure, or reorg.
type MonitoredTransaction struct {
	TxHash       Hash
	BlockNumber  uint64 // 0 while pending
	From         Address
	To           *Address
	Value        *big.Int // wei
	GasPrice     *big.Int
	Confirmations uint64
	FirstSeenAt  time.Time
	Status       TxStatus
	Reorganized  bool
	FailReason   FailureReason
}

// Filter selects a subset of transactions for emission. All non-zero
// constraints must hold (AND within a filter); OR is applied across the
// filters registered on a monitor.
type Filter struct {
	ID        string
	Addresses []Address // tx.From or tx.To must match one of these, case-insensitive
	MinValue  *big.Int  // inclusive lower bound, nil = unconstrained
	MaxValue  *big.Int  // inclusive upper bound, nil = unconstrained
}

// EventFilter selects logs by contract and topic0. FilterID is derived
// from (ContractAddress, EventSignature).
type EventFilter struct {
	FilterID        string
	ContractAddress Address
	EventSignature  Hash     // topic0
	ExtraTopics     []Hash   // optional extra indexed-topic constraints, position 1..3
}

// MonitoredEvent is the record of a single decoded or undecoded log.
type MonitoredEvent struct {
	EventID         string // txHash || logIndex
	ContractAddress Address
	EventName       string
	BlockNumber     uint64
	BlockHash       Hash
	TxHash          Hash
	TxIndex         uint
	LogIndex        uint
	Topics          []Hash
	Data            []byte
	BlockTimestamp  uint64
	Confirmations   uint64
	Confirmed       bool
	DecodedFields   map[string]any
	ProtocolName    string
}

// Reorganization records a detected chain reorganization.
type Reorganization struct {
	BlockNumber      uint64
	OldHash          Hash
	NewHash          Hash
	AffectedEventIDs []string
	DetectedAt       time.Time
}

// ActionType is the fixed taxonomy of high-level user intents synthesized
// from coalesced MonitoredEvents.
type ActionType int

const (
	ActionUnknown ActionType = iota
	ActionDeposit
	ActionWithdraw
	ActionBorrow
	ActionRepay
	ActionSwap
	ActionLiquidation
	ActionStake
	ActionUnstake
)

func (a ActionType) String() string {
	switch a {
	case ActionDeposit:
		return "deposit"
	case ActionWithdraw:
		return "withdraw"
	case ActionBorrow:
		return "borrow"
	case ActionRepay:
		return "repay"
	case ActionSwap:
		return "swap"
	case ActionLiquidation:
		return "liquidation"
	case ActionStake:
		return "stake"
	case ActionUnstake:
		return "unstake"
	default:
		return "unknown"
	}
}

// ActionTypeFromEventName maps a decoded event's human name to the fixed
// actionType keyword taxonomy. Unmapped names return ActionUnknown.
func ActionTypeFromEventName(eventName string) ActionType {
	lower := strings.ToLower(eventName)
	contains := func(subs ...string) bool {
		for _, sub := range subs {
			if strings.Contains(lower, sub) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("deposit", "supply"):
		return ActionDeposit
	case contains("withdraw", "redeem"):
		return ActionWithdraw
	case contains("borrow"):
		return ActionBorrow
	case contains("repay"):
		return ActionRepay
	case contains("swap", "trade"):
		return ActionSwap
	case contains("liquidation", "liquidate"):
		return ActionLiquidation
	case contains("unstake"):
		return ActionUnstake
	case contains("stake"):
		return ActionStake
	default:
		return ActionUnknown
	}
}

// UserAction is a single high-level intent coalesced from one or more
// MonitoredEvents sharing a txHash.
type UserAction struct {
	UserAddress    Address
	ActionType     ActionType
	ProtocolName   string
	TxHash         Hash
	BlockNumber    uint64
	BlockTimestamp uint64
	Details        map[string]any
	Events         []MonitoredEvent
}
