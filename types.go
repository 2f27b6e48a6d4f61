// Package xchain provides the shared chain-primitive aliases used throughout
// the observation engine.
package xchain

import "github.com/ethereum/go-ethereum/common"

type Address = common.Address

type Hash = common.Hash

const HashLength = common.HashLength

func PtrTo[T any](v T) *T {
	return &v
}
