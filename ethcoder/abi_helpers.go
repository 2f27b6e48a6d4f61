package ethcoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func ABIUnpackArgumentsByRef(argTypes []string, input []byte, outArgValues []interface{}) error {
	if len(argTypes) != len(outArgValues) {
		return errors.New("invalid arguments - types and values do not match")
	}
	args, err := buildArgumentsFromTypes(argTypes)
	if err != nil {
		return fmt.Errorf("failed to build abi: %v", err)
	}
	values, err := args.Unpack(input)
	if err != nil {
		return err
	}
	if len(args) > 1 {
		return args.Copy(&outArgValues, values)
	} else {
		return args.Copy(&outArgValues[0], values)
	}
}

func ABIUnpackArguments(argTypes []string, input []byte) ([]interface{}, error) {
	args, err := buildArgumentsFromTypes(argTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to build abi: %v", err)
	}
	return args.UnpackValues(input)
}

// TODO: change expr argument to abiXX like abiExprOrJSON
func ABIUnpack(exprSig string, input []byte, argValues []interface{}) error {
	if len(exprSig) == 0 {
		return errors.New("ethcoder: exprSig is required")
	}
	if exprSig[0] != '(' {
		exprSig = "(" + exprSig + ")"
	}
	abiSig, err := ParseABISignature(exprSig)
	if err != nil {
		return err
	}
	return ABIUnpackArgumentsByRef(abiSig.ArgTypes, input, argValues)
}

// TODO: change expr argument to abiXX like abiExprOrJSON
func ABIUnpackAndStringify(exprSig string, input []byte) ([]string, error) {
	if len(exprSig) == 0 {
		return nil, errors.New("ethcoder: exprSig is required")
	}
	if exprSig[0] != '(' {
		exprSig = "(" + exprSig + ")"
	}
	abiSig, err := ParseABISignature(exprSig)
	if err != nil {
		return nil, err
	}
	return ABIMarshalStringValues(abiSig.ArgTypes, input)
}

func ABIMarshalStringValues(argTypes []string, input []byte) ([]string, error) {
	values, err := ABIUnpackArguments(argTypes, input)
	if err != nil {
		return nil, err
	}
	return StringifyValues(values)
}

func buildArgumentsFromTypes(argTypes []string) (abi.Arguments, error) {
	args := abi.Arguments{}
	for _, argType := range argTypes {
		isTuple := strings.Contains(argType, "(") && strings.Contains(argType, ")")
		if isTuple {
			return nil, fmt.Errorf("ethcoder: tuples are not supported by this decoder")
		}
		abiType, err := abi.NewType(argType, "", nil)
		if err != nil {
			return nil, err
		}
		args = append(args, abi.Argument{Type: abiType})
	}
	return args, nil
}
